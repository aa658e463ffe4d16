package domain

import (
	"fmt"
	"time"
)

// ChannelMeta описывает канал-источник истории.
type ChannelMeta struct {
	ID         int64
	AccessHash int64
	Alias      string
	Title      string
	Language   string
	Category   string
}

// ItemRef указывает на конкретное сообщение канала.
type ItemRef struct {
	ChannelID int64
	ItemID    int64
	Date      time.Time
}

// WalkProgress: незавершённые участки обхода канала.
type WalkProgress struct {
	// UpperPending: проход над сохранёнными сообщениями прерван, не загружены
	// сообщения с ID в (UpperMinID, UpperCursor). UpperCursor=0 означает "от самого нового".
	UpperPending bool
	UpperCursor  int64
	UpperMinID   int64
	// DeepCursor: курсор прохода вниз к началу окна, 0 если проход не начинался.
	DeepCursor int64
}

// Entity описывает разметку внутри текста сообщения.
type Entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// ForwardRef хранит ссылку на источник пересланного сообщения.
// Ссылка не разыменовывается и может указывать на недоступный канал.
type ForwardRef struct {
	FromKind    string     `json:"from_kind,omitempty"`
	FromID      int64      `json:"from_id,omitempty"`
	ChannelPost int64      `json:"channel_post,omitempty"`
	PostAuthor  string     `json:"post_author,omitempty"`
	FromName    string     `json:"from_name,omitempty"`
	Date        *time.Time `json:"date,omitempty"`
}

// Record представляет нормализованное сообщение канала.
type Record struct {
	ChannelID    int64
	ItemID       int64
	ChannelAlias string

	Date      time.Time
	LocalDate time.Time
	EditDate  *time.Time

	Hour       int
	DayOfWeek  int
	Month      int
	WeekOfYear int

	Text     string
	SenderID *int64
	Entities []Entity

	WordCount    int
	EmojiCount   int
	MentionCount int

	Forward       *ForwardRef
	ReplyToItemID *int64

	Reactions Reactions
	Views     *int
	Forwards  *int

	Media Media

	IngestedAt time.Time
}

// Ref возвращает идентичность записи.
func (r Record) Ref() ItemRef {
	return ItemRef{ChannelID: r.ChannelID, ItemID: r.ItemID, Date: r.Date}
}

// Validate проверяет, что у записи есть идентичность и время.
func (r Record) Validate() error {
	switch {
	case r.ChannelID == 0:
		return &MalformedItemError{ChannelID: r.ChannelID, ItemID: r.ItemID, Reason: "нет идентификатора канала"}
	case r.ItemID <= 0:
		return &MalformedItemError{ChannelID: r.ChannelID, ItemID: r.ItemID, Reason: "нет идентификатора сообщения"}
	case r.Date.IsZero():
		return &MalformedItemError{ChannelID: r.ChannelID, ItemID: r.ItemID, Reason: "нет времени сообщения"}
	}
	if err := r.Media.Validate(); err != nil {
		return &MalformedItemError{ChannelID: r.ChannelID, ItemID: r.ItemID, Reason: err.Error()}
	}
	return nil
}

// Reactions хранит количество реакций по типу реакции.
type Reactions map[string]int

// Add увеличивает счётчик реакции.
func (r Reactions) Add(key string, count int) {
	if key == "" || count <= 0 {
		return
	}
	r[key] += count
}

// Total возвращает суммарное количество реакций.
func (r Reactions) Total() int {
	total := 0
	for _, n := range r {
		total += n
	}
	return total
}

// CustomReactionKey формирует ключ для реакции кастомным эмодзи.
func CustomReactionKey(documentID int64) string {
	return fmt.Sprintf("custom:%d", documentID)
}

// PaidReactionKey: ключ платной реакции.
const PaidReactionKey = "paid"
