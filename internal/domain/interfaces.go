package domain

import "context"

// HistorySource отдаёт историю каналов удалённого API.
type HistorySource interface {
	Resolve(ctx context.Context, alias string) (ChannelMeta, error)
	History(ctx context.Context, channel ChannelMeta, query HistoryQuery) (HistoryPage, error)
}

// RecordStore сохраняет нормализованные сообщения.
type RecordStore interface {
	// EnsureSchema создаёт таблицы и добавляет недостающие колонки и индексы.
	// Повторный вызов ничего не меняет.
	EnsureSchema(ctx context.Context) error
	// UpsertBatch записывает пачку в одной транзакции: либо вся пачка, либо ничего.
	UpsertBatch(ctx context.Context, records []Record) error
	LatestItemFor(ctx context.Context, channelID int64) (ItemRef, bool, error)
	OldestItemFor(ctx context.Context, channelID int64) (ItemRef, bool, error)
	UpsertChannel(ctx context.Context, meta ChannelMeta) error
}

// RecordReader читает сохранённые сообщения.
type RecordReader interface {
	Get(ctx context.Context, channelID, itemID int64) (Record, error)
	Count(ctx context.Context, channelID int64) (int, error)
}

// CursorCheckpoint хранит прогресс обхода канала между запусками.
type CursorCheckpoint interface {
	LoadProgress(ctx context.Context, channelID int64) (WalkProgress, bool, error)
	SaveProgress(ctx context.Context, channelID int64, p WalkProgress) error
	ClearProgress(ctx context.Context, channelID int64) error
}

// ReportSink доставляет отчёт о запуске оператору.
type ReportSink interface {
	Publish(ctx context.Context, report RunReport) error
}
