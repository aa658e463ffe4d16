// Package store сохраняет нормализованные сообщения каналов в SQLite или Postgres.
package store

import (
	"fmt"
	"regexp"
	"time"

	"tg-history-collector/internal/domain"
)

// DefaultTable: таблица сообщений по умолчанию.
const DefaultTable = "groups_messages"

const channelsTable = "channels"

// progressTable хранит незавершённые участки обхода каналов.
const progressTable = "walk_progress"

// TimestampLayout: формат хранения времени в SQLite.
const TimestampLayout = "2006-01-02 15:04:05-0700"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func quoteIdent(name string) (string, error) {
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("недопустимое имя таблицы %q", name)
	}
	return `"` + name + `"`, nil
}

type column struct {
	name   string
	sqlite string
	pg     string
}

// baseColumns создаются вместе с таблицей.
var baseColumns = []column{
	{"channel_id", "INTEGER NOT NULL", "BIGINT NOT NULL"},
	{"item_id", "INTEGER NOT NULL", "BIGINT NOT NULL"},
	{"channel_alias", "TEXT NOT NULL", "TEXT NOT NULL"},
	{"utc_date", "TEXT NOT NULL", "TIMESTAMPTZ NOT NULL"},
	{"local_date", "TEXT NOT NULL", "TEXT NOT NULL"},
	{"text", "TEXT", "TEXT"},
}

// additiveColumns добавляются к существующей таблице, если их нет.
// Новые колонки дописываются только в конец списка.
var additiveColumns = []column{
	{"edit_date", "TEXT", "TIMESTAMPTZ"},
	{"hour", "INTEGER", "SMALLINT"},
	{"day_of_week", "INTEGER", "SMALLINT"},
	{"month", "INTEGER", "SMALLINT"},
	{"week_of_year", "INTEGER", "SMALLINT"},
	{"sender_id", "INTEGER", "BIGINT"},
	{"entities", "TEXT", "JSONB"},
	{"word_count", "INTEGER", "INTEGER"},
	{"emoji_count", "INTEGER", "INTEGER"},
	{"mention_count", "INTEGER", "INTEGER"},
	{"forward", "TEXT", "JSONB"},
	{"reply_to_item_id", "INTEGER", "BIGINT"},
	{"reactions", "TEXT", "JSONB"},
	{"views", "INTEGER", "INTEGER"},
	{"forwards", "INTEGER", "INTEGER"},
	{"media_kind", "TEXT", "TEXT"},
	{"media", "TEXT", "JSONB"},
	{"ingested_at", "TEXT", "TIMESTAMPTZ"},
}

// indexedColumns получают вторичные индексы.
var indexedColumns = []string{"utc_date", "local_date", "channel_id"}

func allColumns() []column {
	cols := make([]column, 0, len(baseColumns)+len(additiveColumns))
	cols = append(cols, baseColumns...)
	return append(cols, additiveColumns...)
}

// encodedRecord: запись, разложенная по колонкам в порядке allColumns.
type encodedRecord struct {
	channelID     int64
	itemID        int64
	alias         string
	utcDate       time.Time
	localDate     time.Time
	text          string
	editDate      *time.Time
	hour          int
	dayOfWeek     int
	month         int
	weekOfYear    int
	senderID      *int64
	entities      []byte
	wordCount     int
	emojiCount    int
	mentionCount  int
	forward       []byte
	replyToItemID *int64
	reactions     []byte
	views         *int
	forwards      *int
	mediaKind     string
	media         []byte
	ingestedAt    time.Time
}

func encodeRecord(rec domain.Record) (encodedRecord, error) {
	out := encodedRecord{
		channelID:     rec.ChannelID,
		itemID:        rec.ItemID,
		alias:         rec.ChannelAlias,
		utcDate:       rec.Date.UTC(),
		localDate:     rec.LocalDate,
		text:          rec.Text,
		editDate:      rec.EditDate,
		hour:          rec.Hour,
		dayOfWeek:     rec.DayOfWeek,
		month:         rec.Month,
		weekOfYear:    rec.WeekOfYear,
		senderID:      rec.SenderID,
		wordCount:     rec.WordCount,
		emojiCount:    rec.EmojiCount,
		mentionCount:  rec.MentionCount,
		replyToItemID: rec.ReplyToItemID,
		views:         rec.Views,
		forwards:      rec.Forwards,
		ingestedAt:    rec.IngestedAt.UTC(),
	}
	if out.localDate.IsZero() {
		out.localDate = out.utcDate
	}
	var err error
	if out.entities, err = domain.EncodeEntities(rec.Entities); err != nil {
		return out, err
	}
	if out.forward, err = domain.EncodeForward(rec.Forward); err != nil {
		return out, err
	}
	if out.reactions, err = domain.EncodeReactions(rec.Reactions); err != nil {
		return out, err
	}
	if out.mediaKind, out.media, err = domain.EncodeMedia(rec.Media); err != nil {
		return out, err
	}
	return out, nil
}

// sqliteArgs возвращает значения колонок для SQLite: время текстом, JSON текстом.
func (e encodedRecord) sqliteArgs() []any {
	return []any{
		e.channelID, e.itemID, e.alias,
		e.utcDate.Format(TimestampLayout), e.localDate.Format(TimestampLayout), e.text,
		formatTime(e.editDate), e.hour, e.dayOfWeek, e.month, e.weekOfYear,
		nullInt64(e.senderID), jsonText(e.entities),
		e.wordCount, e.emojiCount, e.mentionCount,
		jsonText(e.forward), nullInt64(e.replyToItemID), jsonText(e.reactions),
		nullInt(e.views), nullInt(e.forwards),
		e.mediaKind, jsonText(e.media), e.ingestedAt.Format(TimestampLayout),
	}
}

// pgArgs возвращает значения колонок для Postgres.
func (e encodedRecord) pgArgs() []any {
	var edit any
	if e.editDate != nil {
		edit = e.editDate.UTC()
	}
	return []any{
		e.channelID, e.itemID, e.alias,
		e.utcDate, e.localDate.Format(TimestampLayout), e.text,
		edit, e.hour, e.dayOfWeek, e.month, e.weekOfYear,
		nullInt64(e.senderID), jsonText(e.entities),
		e.wordCount, e.emojiCount, e.mentionCount,
		jsonText(e.forward), nullInt64(e.replyToItemID), jsonText(e.reactions),
		nullInt(e.views), nullInt(e.forwards),
		e.mediaKind, jsonText(e.media), e.ingestedAt,
	}
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(TimestampLayout)
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func jsonText(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

// decodeStructured заполняет структурированные поля записи из JSON.
func decodeStructured(rec *domain.Record, entities, forward, reactions []byte, mediaKind string, media []byte) error {
	var err error
	if rec.Entities, err = domain.DecodeEntities(entities); err != nil {
		return err
	}
	if rec.Forward, err = domain.DecodeForward(forward); err != nil {
		return err
	}
	if rec.Reactions, err = domain.DecodeReactions(reactions); err != nil {
		return err
	}
	rec.Media, err = domain.DecodeMedia(mediaKind, media)
	return err
}

// validateBatch проверяет всю пачку до открытия транзакции.
func validateBatch(records []domain.Record) ([]encodedRecord, error) {
	encoded := make([]encodedRecord, 0, len(records))
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return nil, &domain.StorageError{Op: "validate batch", Err: err}
		}
		e, err := encodeRecord(rec)
		if err != nil {
			return nil, &domain.StorageError{Op: "encode record", Err: err}
		}
		encoded = append(encoded, e)
	}
	return encoded, nil
}
