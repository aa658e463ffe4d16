package domain

import "time"

// RawItemKind различает обычные, служебные и удалённые сообщения.
type RawItemKind string

const (
	RawMessage RawItemKind = "message"
	RawService RawItemKind = "service"
	RawEmpty   RawItemKind = "empty"
)

// RawPeer: ссылка на пользователя, чат или канал в ответе API.
type RawPeer struct {
	Kind string
	ID   int64
}

// RawForward: заголовок пересылки в том виде, в каком его отдаёт API.
type RawForward struct {
	From        *RawPeer
	FromName    string
	ChannelPost int64
	PostAuthor  string
	Date        time.Time
}

// RawReaction: счётчик одной реакции.
type RawReaction struct {
	Emoticon      string
	CustomEmojiID int64
	Paid          bool
	Count         int
}

// RawPhotoSize: один из размеров фотографии.
type RawPhotoSize struct {
	W int
	H int
}

// RawPhoto: фотография без бинарного содержимого.
type RawPhoto struct {
	ID    int64
	Sizes []RawPhotoSize
}

// RawDocument: документ без бинарного содержимого.
type RawDocument struct {
	ID       int64
	MimeType string
	Size     int64
	FileName string
}

// RawPollAnswer: вариант ответа опроса.
type RawPollAnswer struct {
	Text   string
	Option []byte
}

// RawPoll: опрос.
type RawPoll struct {
	Question       string
	MultipleChoice bool
	Quiz           bool
	Answers        []RawPollAnswer
}

// RawWebPage: превью ссылки; Empty выставлен для webPageEmpty/webPagePending.
type RawWebPage struct {
	Empty       bool
	URL         string
	SiteName    string
	Title       string
	Description string
	Author      string
	EmbedURL    string
	EmbedType   string
	PhotoID     int64
	DocumentID  int64
}

// RawMedia: вложение сообщения. Kind содержит имя типа API,
// для неподдерживаемых типов заполнен только Kind.
type RawMedia struct {
	Kind     string
	Photo    *RawPhoto
	Document *RawDocument
	Poll     *RawPoll
	WebPage  *RawWebPage
}

// RawItem: сообщение из истории канала до нормализации.
type RawItem struct {
	Kind      RawItemKind
	ID        int64
	Date      time.Time
	EditDate  time.Time
	Text      string
	From      *RawPeer
	ReplyToID int64
	Forward   *RawForward
	Views     *int
	Forwards  *int
	Reactions []RawReaction
	Entities  []Entity
	Media     *RawMedia
}

// HistoryQuery описывает запрос очередной страницы истории.
type HistoryQuery struct {
	// OffsetID: вернуть сообщения старше указанного, при 0 начать с самого нового.
	OffsetID int64
	// MinID: не возвращать сообщения с ID меньше либо равным MinID.
	MinID int64
	Limit int
}

// HistoryPage: страница истории, сообщения упорядочены от новых к старым.
type HistoryPage struct {
	Items     []RawItem
	Requested int
}

// Exhausted сообщает, что API вернул меньше сообщений, чем запрошено.
func (p HistoryPage) Exhausted() bool {
	return len(p.Items) == 0 || len(p.Items) < p.Requested
}

// OldestID возвращает минимальный ID на странице.
func (p HistoryPage) OldestID() int64 {
	var oldest int64
	for _, item := range p.Items {
		if item.ID <= 0 {
			continue
		}
		if oldest == 0 || item.ID < oldest {
			oldest = item.ID
		}
	}
	return oldest
}
