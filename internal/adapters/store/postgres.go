package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-history-collector/internal/domain"
	"tg-history-collector/internal/infra/metrics"
)

// Postgres хранит сообщения в Postgres.
type Postgres struct {
	pool   *pgxpool.Pool
	table  string
	quoted string
}

var (
	_ domain.RecordStore  = (*Postgres)(nil)
	_ domain.RecordReader = (*Postgres)(nil)
)

// NewPostgres создаёт хранилище поверх пула.
func NewPostgres(pool *pgxpool.Pool, table string) (*Postgres, error) {
	if table == "" {
		table = DefaultTable
	}
	quoted, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}
	return &Postgres{pool: pool, table: table, quoted: quoted}, nil
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 30*time.Second)
}

type migrationStep struct {
	name string
	sql  string
}

// EnsureSchema создаёт таблицы и добавляет недостающие колонки и индексы.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	defs := make([]string, 0, len(baseColumns)+1)
	for _, c := range baseColumns {
		defs = append(defs, c.name+" "+c.pg)
	}
	defs = append(defs, "PRIMARY KEY (channel_id, item_id)")
	steps := []migrationStep{
		{"create " + p.table, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", p.quoted, strings.Join(defs, ",\n\t"))},
	}
	for _, c := range additiveColumns {
		steps = append(steps, migrationStep{"add column " + c.name, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", p.quoted, c.name, c.pg)})
	}
	for _, col := range indexedColumns {
		steps = append(steps, migrationStep{"index " + col, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "idx_%s_%s" ON %s (%s)`, p.table, col, p.quoted, col)})
	}
	steps = append(steps,
		migrationStep{"channels", `
CREATE TABLE IF NOT EXISTS channels (
	channel_id BIGINT PRIMARY KEY,
	access_hash BIGINT NOT NULL DEFAULT 0,
	alias TEXT NOT NULL,
	title TEXT,
	language TEXT,
	category TEXT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`},
		migrationStep{"mtproto_sessions", `
CREATE TABLE IF NOT EXISTS mtproto_sessions (
	name TEXT PRIMARY KEY,
	data BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`},
		migrationStep{progressTable, `
CREATE TABLE IF NOT EXISTS ` + progressTable + ` (
	channel_id BIGINT PRIMARY KEY,
	upper_pending BOOLEAN NOT NULL DEFAULT false,
	upper_cursor BIGINT NOT NULL DEFAULT 0,
	upper_min_id BIGINT NOT NULL DEFAULT 0,
	deep_cursor BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`},
	)

	for _, step := range steps {
		start := time.Now()
		_, err := p.pool.Exec(ctx, step.sql)
		metrics.ObserveNetworkRequest("postgres", "schema_migrate", p.table, start, err)
		if err != nil {
			return &domain.SchemaMigrationError{Step: step.name, Err: err}
		}
	}
	return nil
}

func (p *Postgres) upsertSQL() string {
	cols := allColumns()
	names := make([]string, 0, len(cols))
	marks := make([]string, 0, len(cols))
	updates := make([]string, 0, len(cols))
	for i, c := range cols {
		names = append(names, c.name)
		marks = append(marks, fmt.Sprintf("$%d", i+1))
		if c.name == "channel_id" || c.name == "item_id" {
			continue
		}
		updates = append(updates, c.name+"=EXCLUDED."+c.name)
	}
	return fmt.Sprintf("INSERT INTO %s (%s)\nVALUES (%s)\nON CONFLICT (channel_id, item_id) DO UPDATE SET %s",
		p.quoted, strings.Join(names, ", "), strings.Join(marks, ","), strings.Join(updates, ", "))
}

// UpsertBatch записывает пачку одним pgx.Batch внутри транзакции.
func (p *Postgres) UpsertBatch(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	encoded, err := validateBatch(records)
	if err != nil {
		return err
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	query := p.upsertSQL()
	start := time.Now()
	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, e := range encoded {
			batch.Queue(query, e.pgArgs()...)
		}
		br := tx.SendBatch(ctx, batch)
		for _, e := range encoded {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("upsert %d/%d: %w", e.channelID, e.itemID, err)
			}
		}
		return br.Close()
	})
	metrics.ObserveNetworkRequest("postgres", "records_upsert_batch", p.table, start, err)
	metrics.BatchUpsertSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return &domain.StorageError{Op: "upsert batch", Err: err}
	}
	return nil
}

func (p *Postgres) edgeItem(ctx context.Context, channelID int64, order string) (domain.ItemRef, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	ref := domain.ItemRef{ChannelID: channelID}
	start := time.Now()
	err := p.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT item_id, utc_date FROM %s WHERE channel_id=$1 ORDER BY item_id %s LIMIT 1", p.quoted, order),
		channelID).Scan(&ref.ItemID, &ref.Date)
	metrics.ObserveNetworkRequest("postgres", "records_edge_"+strings.ToLower(order), p.table, start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ItemRef{}, false, nil
	}
	if err != nil {
		return domain.ItemRef{}, false, &domain.StorageError{Op: "edge item", Err: err}
	}
	ref.Date = ref.Date.UTC()
	return ref, true, nil
}

// LatestItemFor возвращает самое новое сохранённое сообщение канала.
func (p *Postgres) LatestItemFor(ctx context.Context, channelID int64) (domain.ItemRef, bool, error) {
	return p.edgeItem(ctx, channelID, "DESC")
}

// OldestItemFor возвращает самое старое сохранённое сообщение канала.
func (p *Postgres) OldestItemFor(ctx context.Context, channelID int64) (domain.ItemRef, bool, error) {
	return p.edgeItem(ctx, channelID, "ASC")
}

// Get читает одну запись.
func (p *Postgres) Get(ctx context.Context, channelID, itemID int64) (domain.Record, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	cols := allColumns()
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.name)
	}

	var (
		rec                                 domain.Record
		localDate                           string
		text, mediaKind                     *string
		editDate, ingestedAt                *time.Time
		hour, dayOfWeek, month, week        *int
		wordCount, emojiCount, mentionCount *int
		entities, forward, reactions, media []byte
		senderID, replyTo                   *int64
		views, forwards                     *int
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE channel_id=$1 AND item_id=$2",
		strings.Join(names, ", "), p.quoted), channelID, itemID).Scan(
		&rec.ChannelID, &rec.ItemID, &rec.ChannelAlias, &rec.Date, &localDate, &text,
		&editDate, &hour, &dayOfWeek, &month, &week,
		&senderID, &entities, &wordCount, &emojiCount, &mentionCount,
		&forward, &replyTo, &reactions, &views, &forwards,
		&mediaKind, &media, &ingestedAt,
	)
	metrics.ObserveNetworkRequest("postgres", "records_get", p.table, start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Record{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, &domain.StorageError{Op: "get", Err: err}
	}

	rec.Date = rec.Date.UTC()
	if rec.LocalDate, err = time.Parse(TimestampLayout, localDate); err != nil {
		return domain.Record{}, &domain.StorageError{Op: "get", Err: err}
	}
	if editDate != nil {
		t := editDate.UTC()
		rec.EditDate = &t
	}
	if ingestedAt != nil {
		rec.IngestedAt = ingestedAt.UTC()
	}
	rec.Text = deref(text)
	rec.Hour, rec.DayOfWeek, rec.Month, rec.WeekOfYear = deref(hour), deref(dayOfWeek), deref(month), deref(week)
	rec.WordCount, rec.EmojiCount, rec.MentionCount = deref(wordCount), deref(emojiCount), deref(mentionCount)
	rec.SenderID, rec.ReplyToItemID = senderID, replyTo
	rec.Views, rec.Forwards = views, forwards

	if err := decodeStructured(&rec, entities, forward, reactions, deref(mediaKind), media); err != nil {
		return domain.Record{}, &domain.StorageError{Op: "get", Err: err}
	}
	return rec, nil
}

// Count возвращает количество сообщений канала.
func (p *Postgres) Count(ctx context.Context, channelID int64) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var n int
	start := time.Now()
	err := p.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE channel_id=$1", p.quoted), channelID).Scan(&n)
	metrics.ObserveNetworkRequest("postgres", "records_count", p.table, start, err)
	if err != nil {
		return 0, &domain.StorageError{Op: "count", Err: err}
	}
	return n, nil
}

// UpsertChannel сохраняет канал в каталог.
func (p *Postgres) UpsertChannel(ctx context.Context, meta domain.ChannelMeta) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO channels (channel_id, access_hash, alias, title, language, category, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,now())
ON CONFLICT (channel_id) DO UPDATE SET access_hash=EXCLUDED.access_hash, alias=EXCLUDED.alias, title=EXCLUDED.title,
	language=EXCLUDED.language, category=EXCLUDED.category, updated_at=now()
`, meta.ID, meta.AccessHash, meta.Alias, meta.Title, meta.Language, meta.Category)
	metrics.ObserveNetworkRequest("postgres", "channels_upsert", channelsTable, start, err)
	if err != nil {
		return &domain.StorageError{Op: "upsert channel", Err: err}
	}
	return nil
}

// LoadProgress читает незавершённые участки обхода канала.
func (p *Postgres) LoadProgress(ctx context.Context, channelID int64) (domain.WalkProgress, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var wp domain.WalkProgress
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT upper_pending, upper_cursor, upper_min_id, deep_cursor FROM `+progressTable+` WHERE channel_id = $1
`, channelID).Scan(&wp.UpperPending, &wp.UpperCursor, &wp.UpperMinID, &wp.DeepCursor)
	metrics.ObserveNetworkRequest("postgres", "progress_load", progressTable, start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WalkProgress{}, false, nil
	}
	if err != nil {
		return domain.WalkProgress{}, false, &domain.StorageError{Op: "load progress", Err: err}
	}
	return wp, true, nil
}

// SaveProgress перезаписывает прогресс обхода канала.
func (p *Postgres) SaveProgress(ctx context.Context, channelID int64, wp domain.WalkProgress) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO `+progressTable+` (channel_id, upper_pending, upper_cursor, upper_min_id, deep_cursor, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (channel_id) DO UPDATE SET upper_pending = EXCLUDED.upper_pending, upper_cursor = EXCLUDED.upper_cursor,
	upper_min_id = EXCLUDED.upper_min_id, deep_cursor = EXCLUDED.deep_cursor, updated_at = now()
`, channelID, wp.UpperPending, wp.UpperCursor, wp.UpperMinID, wp.DeepCursor)
	metrics.ObserveNetworkRequest("postgres", "progress_save", progressTable, start, err)
	if err != nil {
		return &domain.StorageError{Op: "save progress", Err: err}
	}
	return nil
}

// ClearProgress удаляет прогресс канала после завершённого обхода.
func (p *Postgres) ClearProgress(ctx context.Context, channelID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM `+progressTable+` WHERE channel_id = $1`, channelID)
	metrics.ObserveNetworkRequest("postgres", "progress_clear", progressTable, start, err)
	if err != nil {
		return &domain.StorageError{Op: "clear progress", Err: err}
	}
	return nil
}

// LoadMTProtoSession загружает сохранённую MTProto-сессию.
func (p *Postgres) LoadMTProtoSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT data FROM mtproto_sessions WHERE name = $1`, name).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_load", "mtproto_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// StoreMTProtoSession сохраняет MTProto-сессию.
func (p *Postgres) StoreMTProtoSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO mtproto_sessions (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, name, data)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}
