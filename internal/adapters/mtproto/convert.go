package mtproto

import (
	"strings"
	"time"
	"unicode"

	"github.com/gotd/td/tg"

	"tg-history-collector/internal/domain"
)

// convertMessage переводит сообщение API в RawItem.
func convertMessage(msg tg.MessageClass) domain.RawItem {
	switch m := msg.(type) {
	case *tg.Message:
		item := domain.RawItem{
			Kind:     domain.RawMessage,
			ID:       int64(m.ID),
			Date:     unixTime(m.Date),
			Text:     m.Message,
			Entities: convertEntities(m.Entities),
		}
		if edit, ok := m.GetEditDate(); ok {
			item.EditDate = unixTime(edit)
		}
		if from, ok := m.GetFromID(); ok {
			item.From = convertPeer(from)
		}
		if reply, ok := m.GetReplyTo(); ok {
			item.ReplyToID = replyToID(reply)
		}
		if fwd, ok := m.GetFwdFrom(); ok {
			item.Forward = convertForward(fwd)
		}
		if views, ok := m.GetViews(); ok {
			item.Views = &views
		}
		if forwards, ok := m.GetForwards(); ok {
			item.Forwards = &forwards
		}
		if reactions, ok := m.GetReactions(); ok {
			item.Reactions = convertReactions(reactions)
		}
		if media, ok := m.GetMedia(); ok {
			item.Media = convertMedia(media)
		}
		return item
	case *tg.MessageService:
		item := domain.RawItem{
			Kind: domain.RawService,
			ID:   int64(m.ID),
			Date: unixTime(m.Date),
		}
		if from, ok := m.GetFromID(); ok {
			item.From = convertPeer(from)
		}
		if reply, ok := m.GetReplyTo(); ok {
			item.ReplyToID = replyToID(reply)
		}
		return item
	case *tg.MessageEmpty:
		return domain.RawItem{Kind: domain.RawEmpty, ID: int64(m.ID)}
	default:
		return domain.RawItem{Kind: domain.RawEmpty}
	}
}

func unixTime(sec int) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}

func convertPeer(peer tg.PeerClass) *domain.RawPeer {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return &domain.RawPeer{Kind: "user", ID: p.UserID}
	case *tg.PeerChat:
		return &domain.RawPeer{Kind: "chat", ID: p.ChatID}
	case *tg.PeerChannel:
		return &domain.RawPeer{Kind: "channel", ID: p.ChannelID}
	}
	return nil
}

func replyToID(reply tg.MessageReplyHeaderClass) int64 {
	header, ok := reply.(*tg.MessageReplyHeader)
	if !ok {
		return 0
	}
	id, ok := header.GetReplyToMsgID()
	if !ok {
		return 0
	}
	return int64(id)
}

func convertForward(fwd tg.MessageFwdHeader) *domain.RawForward {
	out := &domain.RawForward{Date: unixTime(fwd.Date)}
	if from, ok := fwd.GetFromID(); ok {
		out.From = convertPeer(from)
	}
	if name, ok := fwd.GetFromName(); ok {
		out.FromName = name
	}
	if post, ok := fwd.GetChannelPost(); ok {
		out.ChannelPost = int64(post)
	}
	if author, ok := fwd.GetPostAuthor(); ok {
		out.PostAuthor = author
	}
	return out
}

func convertReactions(reactions tg.MessageReactions) []domain.RawReaction {
	out := make([]domain.RawReaction, 0, len(reactions.Results))
	for _, rc := range reactions.Results {
		r := domain.RawReaction{Count: rc.Count}
		switch v := rc.Reaction.(type) {
		case *tg.ReactionEmoji:
			r.Emoticon = v.Emoticon
		case *tg.ReactionCustomEmoji:
			r.CustomEmojiID = v.DocumentID
		case *tg.ReactionPaid:
			r.Paid = true
		default:
			continue
		}
		out = append(out, r)
	}
	return out
}

func convertEntities(entities []tg.MessageEntityClass) []domain.Entity {
	if len(entities) == 0 {
		return nil
	}
	out := make([]domain.Entity, 0, len(entities))
	for _, e := range entities {
		out = append(out, domain.Entity{
			Type:   entityType(e.TypeName()),
			Offset: e.GetOffset(),
			Length: e.GetLength(),
		})
	}
	return out
}

// entityType превращает messageEntityMentionName в mention_name.
func entityType(typeName string) string {
	name := strings.TrimPrefix(typeName, "messageEntity")
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func convertMedia(media tg.MessageMediaClass) *domain.RawMedia {
	out := &domain.RawMedia{Kind: media.TypeName()}
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		if photo, ok := m.GetPhoto(); ok {
			out.Photo = convertPhoto(photo)
		}
	case *tg.MessageMediaDocument:
		if doc, ok := m.GetDocument(); ok {
			out.Document = convertDocument(doc)
		}
	case *tg.MessageMediaPoll:
		out.Poll = convertPoll(m.Poll)
	case *tg.MessageMediaWebPage:
		out.WebPage = convertWebPage(m.Webpage)
	}
	return out
}

func convertPhoto(photo tg.PhotoClass) *domain.RawPhoto {
	p, ok := photo.(*tg.Photo)
	if !ok {
		return nil
	}
	out := &domain.RawPhoto{ID: p.ID}
	for _, size := range p.Sizes {
		switch s := size.(type) {
		case *tg.PhotoSize:
			out.Sizes = append(out.Sizes, domain.RawPhotoSize{W: s.W, H: s.H})
		case *tg.PhotoCachedSize:
			out.Sizes = append(out.Sizes, domain.RawPhotoSize{W: s.W, H: s.H})
		case *tg.PhotoSizeProgressive:
			out.Sizes = append(out.Sizes, domain.RawPhotoSize{W: s.W, H: s.H})
		}
	}
	return out
}

func convertDocument(doc tg.DocumentClass) *domain.RawDocument {
	d, ok := doc.(*tg.Document)
	if !ok {
		return nil
	}
	out := &domain.RawDocument{ID: d.ID, MimeType: d.MimeType, Size: d.Size}
	for _, attr := range d.Attributes {
		if name, ok := attr.(*tg.DocumentAttributeFilename); ok {
			out.FileName = name.FileName
		}
	}
	return out
}

func convertPoll(poll tg.Poll) *domain.RawPoll {
	out := &domain.RawPoll{
		Question:       poll.Question.Text,
		MultipleChoice: poll.MultipleChoice,
		Quiz:           poll.Quiz,
	}
	for _, answer := range poll.Answers {
		out.Answers = append(out.Answers, domain.RawPollAnswer{
			Text:   answer.Text.Text,
			Option: append([]byte(nil), answer.Option...),
		})
	}
	return out
}

func convertWebPage(page tg.WebPageClass) *domain.RawWebPage {
	switch p := page.(type) {
	case *tg.WebPage:
		out := &domain.RawWebPage{URL: p.URL}
		out.SiteName, _ = p.GetSiteName()
		out.Title, _ = p.GetTitle()
		out.Description, _ = p.GetDescription()
		out.Author, _ = p.GetAuthor()
		out.EmbedURL, _ = p.GetEmbedURL()
		out.EmbedType, _ = p.GetEmbedType()
		if photo, ok := p.GetPhoto(); ok {
			if ph, ok := photo.(*tg.Photo); ok {
				out.PhotoID = ph.ID
			}
		}
		if doc, ok := p.GetDocument(); ok {
			if d, ok := doc.(*tg.Document); ok {
				out.DocumentID = d.ID
			}
		}
		return out
	case *tg.WebPageEmpty:
		url, _ := p.GetURL()
		return &domain.RawWebPage{Empty: true, URL: url}
	case *tg.WebPagePending:
		url, _ := p.GetURL()
		return &domain.RawWebPage{Empty: true, URL: url}
	}
	return &domain.RawWebPage{Empty: true}
}
