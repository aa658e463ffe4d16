package transform

import (
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"

	"tg-history-collector/internal/domain"
)

// Transformer превращает сырые сообщения истории в записи.
type Transformer struct {
	loc *time.Location
	log zerolog.Logger
	now func() time.Time
}

// New создаёт преобразователь для целевого часового пояса.
func New(loc *time.Location, log zerolog.Logger) *Transformer {
	if loc == nil {
		loc = time.UTC
	}
	return &Transformer{loc: loc, log: log, now: time.Now}
}

// Location возвращает целевой часовой пояс.
func (t *Transformer) Location() *time.Location {
	return t.loc
}

// Transform строит запись из сырого сообщения канала.
// Ошибка возвращается, только если у сообщения нет идентичности или времени.
func (t *Transformer) Transform(channel domain.ChannelMeta, raw domain.RawItem) (domain.Record, error) {
	if channel.ID == 0 || raw.ID <= 0 || raw.Date.IsZero() {
		reason := "нет времени сообщения"
		switch {
		case channel.ID == 0:
			reason = "нет идентификатора канала"
		case raw.ID <= 0:
			reason = "нет идентификатора сообщения"
		case raw.Kind == domain.RawEmpty:
			reason = "сообщение удалено"
		}
		return domain.Record{}, &domain.MalformedItemError{ChannelID: channel.ID, ItemID: raw.ID, Reason: reason}
	}

	utc := raw.Date.UTC()
	local := utc.In(t.loc)
	rec := domain.Record{
		ChannelID:    channel.ID,
		ItemID:       raw.ID,
		ChannelAlias: channel.Alias,
		Date:         utc,
		LocalDate:    local,
		Hour:         local.Hour(),
		DayOfWeek:    (int(local.Weekday()) + 6) % 7,
		Month:        int(local.Month()),
		WeekOfYear:   weekOfYear(local),
		Text:         raw.Text,
		Entities:     raw.Entities,
		WordCount:    WordCount(raw.Text),
		EmojiCount:   EmojiCount(raw.Text),
		MentionCount: MentionCount(raw.Text, raw.Entities),
		Forward:      forwardRef(raw.Forward),
		Reactions:    reactions(raw.Reactions),
		Views:        raw.Views,
		Forwards:     raw.Forwards,
		Media:        t.media(channel, raw),
		IngestedAt:   t.now().UTC(),
	}
	if !raw.EditDate.IsZero() {
		edit := raw.EditDate.UTC()
		rec.EditDate = &edit
	}
	if raw.From != nil && raw.From.ID != 0 {
		id := raw.From.ID
		rec.SenderID = &id
	}
	if raw.ReplyToID > 0 {
		id := raw.ReplyToID
		rec.ReplyToItemID = &id
	}
	return rec, nil
}

// weekOfYear считает недели с воскресенья, дни до первого воскресенья года попадают в неделю 0.
func weekOfYear(t time.Time) int {
	return (t.YearDay() - 1 + 7 - int(t.Weekday())) / 7
}

func forwardRef(raw *domain.RawForward) *domain.ForwardRef {
	if raw == nil {
		return nil
	}
	ref := &domain.ForwardRef{
		ChannelPost: raw.ChannelPost,
		PostAuthor:  raw.PostAuthor,
		FromName:    raw.FromName,
	}
	if raw.From != nil {
		ref.FromKind = raw.From.Kind
		ref.FromID = raw.From.ID
	}
	if !raw.Date.IsZero() {
		date := raw.Date.UTC()
		ref.Date = &date
	}
	return ref
}

func reactions(raw []domain.RawReaction) domain.Reactions {
	if len(raw) == 0 {
		return nil
	}
	out := domain.Reactions{}
	for _, r := range raw {
		switch {
		case r.Paid:
			out.Add(domain.PaidReactionKey, r.Count)
		case r.CustomEmojiID != 0:
			out.Add(domain.CustomReactionKey(r.CustomEmojiID), r.Count)
		default:
			out.Add(r.Emoticon, r.Count)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (t *Transformer) media(channel domain.ChannelMeta, raw domain.RawItem) domain.Media {
	m := raw.Media
	if m == nil {
		return domain.NoMedia()
	}
	switch {
	case m.Document != nil:
		return domain.Media{Kind: domain.MediaDocument, Document: &domain.DocumentMeta{
			DocumentID: m.Document.ID,
			MimeType:   m.Document.MimeType,
			Size:       m.Document.Size,
			FileName:   m.Document.FileName,
		}}
	case m.Photo != nil:
		photo := &domain.PhotoMeta{PhotoID: m.Photo.ID}
		for _, size := range m.Photo.Sizes {
			if size.W*size.H > photo.Width*photo.Height {
				photo.Width, photo.Height = size.W, size.H
			}
		}
		return domain.Media{Kind: domain.MediaPhoto, Photo: photo}
	case m.Poll != nil:
		poll := &domain.PollMeta{
			Question:       m.Poll.Question,
			MultipleChoice: m.Poll.MultipleChoice,
			Quiz:           m.Poll.Quiz,
			Answers:        make([]domain.PollAnswer, 0, len(m.Poll.Answers)),
		}
		for _, a := range m.Poll.Answers {
			poll.Answers = append(poll.Answers, domain.PollAnswer{Text: a.Text, Option: hex.EncodeToString(a.Option)})
		}
		return domain.Media{Kind: domain.MediaPoll, Poll: poll}
	case m.WebPage != nil:
		page := &domain.WebPageMeta{URL: m.WebPage.URL}
		if !m.WebPage.Empty {
			page.SiteName = m.WebPage.SiteName
			page.Title = m.WebPage.Title
			page.Description = m.WebPage.Description
			page.Author = m.WebPage.Author
			page.EmbedURL = m.WebPage.EmbedURL
			page.EmbedType = m.WebPage.EmbedType
			page.PhotoID = m.WebPage.PhotoID
			page.DocumentID = m.WebPage.DocumentID
		}
		return domain.Media{Kind: domain.MediaWebPage, WebPage: page}
	}
	if m.Kind != "" {
		t.log.Warn().Str("channel", channel.Alias).Int64("item_id", raw.ID).Str("media", m.Kind).
			Msg("transform: неподдерживаемое вложение, сохраняем без метаданных")
	}
	return domain.NoMedia()
}
