package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"tg-history-collector/internal/adapters/mtproto"
	"tg-history-collector/internal/adapters/store"
	"tg-history-collector/internal/infra/config"
)

func main() {
	var (
		filePath    string
		sessionName string
	)
	flag.StringVar(&filePath, "file", "", "Путь к файлу сессии (gotd JSON, Telethon .session, строка или JSON Telethon)")
	flag.StringVar(&sessionName, "name", "", "Имя сессии, по умолчанию MTPROTO_SESSION_NAME")
	flag.Parse()

	if filePath == "" {
		log.Fatal().Msg("mtproto-importer: не указан файл сессии (-file)")
	}

	sessionData, format, err := mtproto.ConvertSessionFile(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: не удалось прочитать сессию")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: конфигурация")
	}
	if sessionName == "" {
		sessionName = cfg.MTProto.SessionName
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	backend, closeStore, err := store.Open(ctx, store.Options{
		Driver:     cfg.Store.Driver,
		SQLitePath: cfg.Store.SQLitePath,
		PGDSN:      cfg.Store.PGDSN,
		PGMaxConns: cfg.Store.PGMaxConns,
		Table:      cfg.Store.Table,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: нет подключения к хранилищу")
	}
	defer closeStore()

	if err := backend.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: не удалось подготовить схему")
	}
	if err := backend.StoreMTProtoSession(ctx, sessionName, sessionData); err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: не удалось сохранить сессию")
	}

	fmt.Printf("Сессия %q (%s, %d байт) сохранена в %s\n", sessionName, format, len(sessionData), cfg.Store.Driver)
}
