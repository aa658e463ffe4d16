package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/session"

	"tg-history-collector/internal/domain"
	"tg-history-collector/internal/infra/db"
	"tg-history-collector/internal/infra/metrics"
)

// SQLite хранит сообщения в SQLite.
type SQLite struct {
	db     *sql.DB
	table  string
	quoted string
}

var (
	_ domain.RecordStore  = (*SQLite)(nil)
	_ domain.RecordReader = (*SQLite)(nil)
)

// NewSQLite создаёт хранилище поверх открытой базы.
func NewSQLite(conn *sql.DB, table string) (*SQLite, error) {
	if table == "" {
		table = DefaultTable
	}
	quoted, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}
	return &SQLite{db: conn, table: table, quoted: quoted}, nil
}

// EnsureSchema создаёт таблицы и добавляет недостающие колонки и индексы.
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	defs := make([]string, 0, len(baseColumns)+1)
	for _, c := range baseColumns {
		defs = append(defs, c.name+" "+c.sqlite)
	}
	defs = append(defs, "PRIMARY KEY (channel_id, item_id)")
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", s.quoted, strings.Join(defs, ",\n\t"))
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return &domain.SchemaMigrationError{Step: "create " + s.table, Err: err}
	}

	for _, c := range additiveColumns {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, s.table, c.name).Scan(&exists)
		if err != nil {
			return &domain.SchemaMigrationError{Step: "inspect " + c.name, Err: err}
		}
		if exists > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", s.quoted, c.name, c.sqlite)); err != nil {
			return &domain.SchemaMigrationError{Step: "add column " + c.name, Err: err}
		}
	}

	for _, col := range indexedColumns {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %q ON %s (%s)", "idx_"+s.table+"_"+col, s.quoted, col)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &domain.SchemaMigrationError{Step: "index " + col, Err: err}
		}
	}

	aux := []string{
		`CREATE TABLE IF NOT EXISTS ` + channelsTable + ` (
	channel_id INTEGER PRIMARY KEY,
	access_hash INTEGER NOT NULL DEFAULT 0,
	alias TEXT NOT NULL,
	title TEXT,
	language TEXT,
	category TEXT,
	updated_at TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS mtproto_sessions (
	name TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	updated_at TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS ` + progressTable + ` (
	channel_id INTEGER PRIMARY KEY,
	upper_pending INTEGER NOT NULL DEFAULT 0,
	upper_cursor INTEGER NOT NULL DEFAULT 0,
	upper_min_id INTEGER NOT NULL DEFAULT 0,
	deep_cursor INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
)`,
	}
	for _, stmt := range aux {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &domain.SchemaMigrationError{Step: "auxiliary tables", Err: err}
		}
	}
	return nil
}

func (s *SQLite) upsertSQL() string {
	cols := allColumns()
	names := make([]string, 0, len(cols))
	marks := make([]string, 0, len(cols))
	updates := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.name)
		marks = append(marks, "?")
		if c.name == "channel_id" || c.name == "item_id" {
			continue
		}
		updates = append(updates, c.name+"=excluded."+c.name)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)\nON CONFLICT (channel_id, item_id) DO UPDATE SET %s",
		s.quoted, strings.Join(names, ", "), strings.Join(marks, ", "), strings.Join(updates, ", "))
}

// UpsertBatch записывает пачку в одной транзакции.
// Если хотя бы одна запись некорректна, не пишется ничего.
func (s *SQLite) UpsertBatch(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	encoded, err := validateBatch(records)
	if err != nil {
		return err
	}

	query := s.upsertSQL()
	start := time.Now()
	err = db.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range encoded {
			if _, err := stmt.ExecContext(ctx, e.sqliteArgs()...); err != nil {
				return fmt.Errorf("upsert %d/%d: %w", e.channelID, e.itemID, err)
			}
		}
		return nil
	})
	metrics.ObserveNetworkRequest("sqlite", "records_upsert_batch", s.table, start, err)
	metrics.BatchUpsertSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return &domain.StorageError{Op: "upsert batch", Err: err}
	}
	return nil
}

func (s *SQLite) edgeItem(ctx context.Context, channelID int64, order string) (domain.ItemRef, bool, error) {
	var (
		ref  = domain.ItemRef{ChannelID: channelID}
		date string
	)
	start := time.Now()
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT item_id, utc_date FROM %s WHERE channel_id = ? ORDER BY item_id %s LIMIT 1", s.quoted, order),
		channelID).Scan(&ref.ItemID, &date)
	metrics.ObserveNetworkRequest("sqlite", "records_edge_"+strings.ToLower(order), s.table, start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ItemRef{}, false, nil
	}
	if err != nil {
		return domain.ItemRef{}, false, &domain.StorageError{Op: "edge item", Err: err}
	}
	if ref.Date, err = time.Parse(TimestampLayout, date); err != nil {
		return domain.ItemRef{}, false, &domain.StorageError{Op: "edge item", Err: err}
	}
	ref.Date = ref.Date.UTC()
	return ref, true, nil
}

// LatestItemFor возвращает самое новое сохранённое сообщение канала.
func (s *SQLite) LatestItemFor(ctx context.Context, channelID int64) (domain.ItemRef, bool, error) {
	return s.edgeItem(ctx, channelID, "DESC")
}

// OldestItemFor возвращает самое старое сохранённое сообщение канала.
func (s *SQLite) OldestItemFor(ctx context.Context, channelID int64) (domain.ItemRef, bool, error) {
	return s.edgeItem(ctx, channelID, "ASC")
}

// Get читает одну запись.
func (s *SQLite) Get(ctx context.Context, channelID, itemID int64) (domain.Record, error) {
	cols := allColumns()
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.name)
	}

	var (
		rec                                 domain.Record
		utcDate, localDate, ingestedAt      string
		text, editDate, mediaKind           sql.NullString
		entities, forward, reactions, media sql.NullString
		hour, dayOfWeek, month, week        sql.NullInt64
		wordCount, emojiCount, mentionCount sql.NullInt64
		senderID, replyTo, views, forwards  sql.NullInt64
		ingested                            sql.NullString
	)
	start := time.Now()
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE channel_id = ? AND item_id = ?",
		strings.Join(names, ", "), s.quoted), channelID, itemID).Scan(
		&rec.ChannelID, &rec.ItemID, &rec.ChannelAlias, &utcDate, &localDate, &text,
		&editDate, &hour, &dayOfWeek, &month, &week,
		&senderID, &entities, &wordCount, &emojiCount, &mentionCount,
		&forward, &replyTo, &reactions, &views, &forwards,
		&mediaKind, &media, &ingested,
	)
	metrics.ObserveNetworkRequest("sqlite", "records_get", s.table, start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, &domain.StorageError{Op: "get", Err: err}
	}
	ingestedAt = ingested.String

	if rec.Date, err = time.Parse(TimestampLayout, utcDate); err != nil {
		return domain.Record{}, &domain.StorageError{Op: "get", Err: err}
	}
	rec.Date = rec.Date.UTC()
	if rec.LocalDate, err = time.Parse(TimestampLayout, localDate); err != nil {
		return domain.Record{}, &domain.StorageError{Op: "get", Err: err}
	}
	if editDate.Valid {
		t, err := time.Parse(TimestampLayout, editDate.String)
		if err != nil {
			return domain.Record{}, &domain.StorageError{Op: "get", Err: err}
		}
		t = t.UTC()
		rec.EditDate = &t
	}
	if ingestedAt != "" {
		if t, err := time.Parse(TimestampLayout, ingestedAt); err == nil {
			rec.IngestedAt = t.UTC()
		}
	}
	rec.Text = text.String
	rec.Hour, rec.DayOfWeek = int(hour.Int64), int(dayOfWeek.Int64)
	rec.Month, rec.WeekOfYear = int(month.Int64), int(week.Int64)
	rec.WordCount, rec.EmojiCount, rec.MentionCount = int(wordCount.Int64), int(emojiCount.Int64), int(mentionCount.Int64)
	rec.SenderID = int64Ptr(senderID)
	rec.ReplyToItemID = int64Ptr(replyTo)
	rec.Views = intPtr(views)
	rec.Forwards = intPtr(forwards)

	if err := decodeStructured(&rec, nullBytes(entities), nullBytes(forward), nullBytes(reactions), mediaKind.String, nullBytes(media)); err != nil {
		return domain.Record{}, &domain.StorageError{Op: "get", Err: err}
	}
	return rec, nil
}

// Count возвращает количество сообщений канала.
func (s *SQLite) Count(ctx context.Context, channelID int64) (int, error) {
	var n int
	start := time.Now()
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE channel_id = ?", s.quoted), channelID).Scan(&n)
	metrics.ObserveNetworkRequest("sqlite", "records_count", s.table, start, err)
	if err != nil {
		return 0, &domain.StorageError{Op: "count", Err: err}
	}
	return n, nil
}

// UpsertChannel сохраняет канал в каталог.
func (s *SQLite) UpsertChannel(ctx context.Context, meta domain.ChannelMeta) error {
	start := time.Now()
	_, err := db.Exec(ctx, s.db, `
INSERT INTO channels (channel_id, access_hash, alias, title, language, category, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (channel_id) DO UPDATE SET access_hash=excluded.access_hash, alias=excluded.alias, title=excluded.title,
	language=excluded.language, category=excluded.category, updated_at=excluded.updated_at
`, meta.ID, meta.AccessHash, meta.Alias, meta.Title, meta.Language, meta.Category, time.Now().UTC().Format(TimestampLayout))
	metrics.ObserveNetworkRequest("sqlite", "channels_upsert", channelsTable, start, err)
	if err != nil {
		return &domain.StorageError{Op: "upsert channel", Err: err}
	}
	return nil
}

// LoadProgress читает незавершённые участки обхода канала.
func (s *SQLite) LoadProgress(ctx context.Context, channelID int64) (domain.WalkProgress, bool, error) {
	var p domain.WalkProgress
	start := time.Now()
	err := s.db.QueryRowContext(ctx, `
SELECT upper_pending, upper_cursor, upper_min_id, deep_cursor FROM `+progressTable+` WHERE channel_id = ?
`, channelID).Scan(&p.UpperPending, &p.UpperCursor, &p.UpperMinID, &p.DeepCursor)
	metrics.ObserveNetworkRequest("sqlite", "progress_load", progressTable, start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WalkProgress{}, false, nil
	}
	if err != nil {
		return domain.WalkProgress{}, false, &domain.StorageError{Op: "load progress", Err: err}
	}
	return p, true, nil
}

// SaveProgress перезаписывает прогресс обхода канала.
func (s *SQLite) SaveProgress(ctx context.Context, channelID int64, p domain.WalkProgress) error {
	start := time.Now()
	_, err := db.Exec(ctx, s.db, `
INSERT INTO `+progressTable+` (channel_id, upper_pending, upper_cursor, upper_min_id, deep_cursor, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (channel_id) DO UPDATE SET upper_pending=excluded.upper_pending, upper_cursor=excluded.upper_cursor,
	upper_min_id=excluded.upper_min_id, deep_cursor=excluded.deep_cursor, updated_at=excluded.updated_at
`, channelID, p.UpperPending, p.UpperCursor, p.UpperMinID, p.DeepCursor, time.Now().UTC().Format(TimestampLayout))
	metrics.ObserveNetworkRequest("sqlite", "progress_save", progressTable, start, err)
	if err != nil {
		return &domain.StorageError{Op: "save progress", Err: err}
	}
	return nil
}

// ClearProgress удаляет прогресс канала после завершённого обхода.
func (s *SQLite) ClearProgress(ctx context.Context, channelID int64) error {
	start := time.Now()
	_, err := db.Exec(ctx, s.db, `DELETE FROM `+progressTable+` WHERE channel_id = ?`, channelID)
	metrics.ObserveNetworkRequest("sqlite", "progress_clear", progressTable, start, err)
	if err != nil {
		return &domain.StorageError{Op: "clear progress", Err: err}
	}
	return nil
}

// LoadMTProtoSession загружает сохранённую MTProto-сессию.
func (s *SQLite) LoadMTProtoSession(ctx context.Context, name string) ([]byte, error) {
	if name == "" {
		name = "default"
	}
	var data []byte
	start := time.Now()
	err := s.db.QueryRowContext(ctx, `SELECT data FROM mtproto_sessions WHERE name = ?`, name).Scan(&data)
	metrics.ObserveNetworkRequest("sqlite", "mtproto_sessions_load", "mtproto_sessions", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// StoreMTProtoSession сохраняет MTProto-сессию.
func (s *SQLite) StoreMTProtoSession(ctx context.Context, name string, data []byte) error {
	if name == "" {
		name = "default"
	}
	start := time.Now()
	_, err := db.Exec(ctx, s.db, `
INSERT INTO mtproto_sessions (name, data, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
`, name, data, time.Now().UTC().Format(TimestampLayout))
	metrics.ObserveNetworkRequest("sqlite", "mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullBytes(v sql.NullString) []byte {
	if !v.Valid || v.String == "" {
		return nil
	}
	return []byte(v.String)
}
