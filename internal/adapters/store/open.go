package store

import (
	"context"
	"fmt"

	"tg-history-collector/internal/domain"
	"tg-history-collector/internal/infra/db"
)

// Backend: хранилище сообщений вместе с прогрессом обхода и таблицей MTProto сессий.
type Backend interface {
	domain.RecordStore
	domain.RecordReader
	domain.CursorCheckpoint
	LoadMTProtoSession(ctx context.Context, name string) ([]byte, error)
	StoreMTProtoSession(ctx context.Context, name string, data []byte) error
}

// Options выбирают драйвер и параметры подключения.
type Options struct {
	Driver     string
	SQLitePath string
	PGDSN      string
	PGMaxConns int32
	Table      string
}

// Open подключает хранилище выбранного драйвера. Возвращаемая функция
// закрывает подключение.
func Open(ctx context.Context, opts Options) (Backend, func(), error) {
	switch opts.Driver {
	case "", "sqlite":
		conn, err := db.OpenSQLite(opts.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		s, err := NewSQLite(conn, opts.Table)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return s, func() { conn.Close() }, nil
	case "postgres":
		if opts.PGDSN == "" {
			return nil, nil, fmt.Errorf("для драйвера postgres нужен PG_DSN")
		}
		pool, err := db.ConnectPostgres(ctx, opts.PGDSN, opts.PGMaxConns)
		if err != nil {
			return nil, nil, err
		}
		p, err := NewPostgres(pool, opts.Table)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return p, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("неизвестный драйвер хранилища %q", opts.Driver)
	}
}

var (
	_ Backend = (*SQLite)(nil)
	_ Backend = (*Postgres)(nil)
)
