package domain

import "fmt"

// MediaKind определяет тип вложения сообщения.
type MediaKind string

const (
	MediaNone     MediaKind = "none"
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
	MediaPoll     MediaKind = "poll"
	MediaWebPage  MediaKind = "webpage"
)

// PhotoMeta: метаданные фотографии.
type PhotoMeta struct {
	PhotoID int64 `json:"photo_id"`
	Width   int   `json:"width,omitempty"`
	Height  int   `json:"height,omitempty"`
}

// DocumentMeta: метаданные документа (видео, файлы, голосовые).
type DocumentMeta struct {
	DocumentID int64  `json:"document_id"`
	MimeType   string `json:"mime_type,omitempty"`
	Size       int64  `json:"size,omitempty"`
	FileName   string `json:"filename,omitempty"`
}

// PollAnswer: вариант ответа опроса, Option закодирован в hex.
type PollAnswer struct {
	Text   string `json:"text"`
	Option string `json:"option"`
}

// PollMeta: описание опроса.
type PollMeta struct {
	Question       string       `json:"question"`
	MultipleChoice bool         `json:"multiple_choice"`
	Quiz           bool         `json:"quiz"`
	Answers        []PollAnswer `json:"answers"`
}

// WebPageMeta: превью ссылки.
type WebPageMeta struct {
	URL         string `json:"url,omitempty"`
	SiteName    string `json:"site_name,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	EmbedURL    string `json:"embed_url,omitempty"`
	EmbedType   string `json:"embed_type,omitempty"`
	PhotoID     int64  `json:"photo_id,omitempty"`
	DocumentID  int64  `json:"document_id,omitempty"`
}

// Media хранит вложение; для Kind заполнено ровно одно поле.
type Media struct {
	Kind     MediaKind
	Photo    *PhotoMeta
	Document *DocumentMeta
	Poll     *PollMeta
	WebPage  *WebPageMeta
}

// NoMedia возвращает пустое вложение.
func NoMedia() Media {
	return Media{Kind: MediaNone}
}

// Validate проверяет согласованность типа и полезной нагрузки.
func (m Media) Validate() error {
	set := 0
	for _, present := range []bool{m.Photo != nil, m.Document != nil, m.Poll != nil, m.WebPage != nil} {
		if present {
			set++
		}
	}
	var ok bool
	switch m.Kind {
	case MediaNone, "":
		ok = set == 0
	case MediaPhoto:
		ok = set == 1 && m.Photo != nil
	case MediaDocument:
		ok = set == 1 && m.Document != nil
	case MediaPoll:
		ok = set == 1 && m.Poll != nil
	case MediaWebPage:
		ok = set == 1 && m.WebPage != nil
	default:
		return fmt.Errorf("неизвестный тип вложения %q", m.Kind)
	}
	if !ok {
		return fmt.Errorf("вложение %q заполнено некорректно", m.Kind)
	}
	return nil
}
