package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gotd/td/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"tg-history-collector/internal/adapters/bot"
	"tg-history-collector/internal/adapters/mtproto"
	"tg-history-collector/internal/adapters/store"
	"tg-history-collector/internal/domain"
	"tg-history-collector/internal/infra/cache"
	"tg-history-collector/internal/infra/config"
	apphttp "tg-history-collector/internal/infra/http"
	applog "tg-history-collector/internal/infra/log"
	"tg-history-collector/internal/infra/metrics"
	"tg-history-collector/internal/infra/queue"
	"tg-history-collector/internal/usecase/ratelimit"
	"tg-history-collector/internal/usecase/transform"
	"tg-history-collector/internal/usecase/walker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("collector: конфигурация")
	}
	logger := applog.NewLogger(cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := run(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("collector: запуск прерван")
		stop()
		os.Exit(1)
	}
	if len(report.Channels) > 0 && report.Count(domain.ChannelFailed) == len(report.Channels) {
		logger.Error().Msg("collector: ни один канал не обработан")
		stop()
		os.Exit(2)
	}
	logger.Info().Msg("collector: остановлен")
}

func run(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) (domain.RunReport, error) {
	window, err := cfg.Window()
	if err != nil {
		return domain.RunReport{}, err
	}
	channels, err := cfg.ChannelList()
	if err != nil {
		return domain.RunReport{}, err
	}
	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		return domain.RunReport{}, errors.New("не указаны TG_API_ID и TG_API_HASH")
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	backend, closeStore, err := store.Open(ctx, store.Options{
		Driver:     cfg.Store.Driver,
		SQLitePath: cfg.Store.SQLitePath,
		PGDSN:      cfg.Store.PGDSN,
		PGMaxConns: cfg.Store.PGMaxConns,
		Table:      cfg.Store.Table,
	})
	if err != nil {
		return domain.RunReport{}, fmt.Errorf("хранилище: %w", err)
	}
	defer closeStore()
	if err := backend.EnsureSchema(ctx); err != nil {
		return domain.RunReport{}, err
	}

	reports := &queue.MemoryReportLog{}
	var reportSource apphttp.ReportSource = reports
	sinks := []domain.ReportSink{reports}
	walkerOpts := []walker.Option{walker.WithCheckpoints(backend)}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return domain.RunReport{}, fmt.Errorf("redis: %w", err)
		}

		host, _ := os.Hostname()
		lock := cache.NewRunLock(rdb, cfg.Redis.Prefix, fmt.Sprintf("%s:%d", host, os.Getpid()))
		if err := lock.Acquire(ctx, cfg.Redis.LockTTL); err != nil {
			if errors.Is(err, cache.ErrLocked) {
				return domain.RunReport{}, errors.New("другой запуск уже работает с этой учётной записью")
			}
			return domain.RunReport{}, fmt.Errorf("run lock: %w", err)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil {
				logger.Warn().Err(err).Msg("collector: не удалось снять блокировку")
			}
		}()
		go keepLock(ctx, lock, cfg.Redis.LockTTL, logger)

		reportLog := queue.NewRedisReportLog(rdb, cfg.Redis.Prefix+":reports", cfg.Redis.ReportKeep)
		sinks = append(sinks, reportLog)
		reportSource = reportLog
	}

	if cfg.RabbitMQ.URL != "" {
		publisher, err := queue.NewRabbitReportPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			logger.Warn().Err(err).Msg("collector: RabbitMQ недоступен, отчёт туда не уйдёт")
		} else {
			defer publisher.Close()
			sinks = append(sinks, publisher)
		}
	}

	if cfg.Report.BotToken != "" && cfg.Report.ChatID != 0 {
		notifier, err := bot.NewBotNotifier(cfg.Report.BotToken, cfg.Report.ChatID, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("collector: бот отчётов недоступен")
		} else {
			sinks = append(sinks, notifier)
		}
	}

	server := apphttp.NewServer(logger, reportSource, prometheus.DefaultGatherer)
	go func() {
		if err := server.Start(cfg.StatusAddr); err != nil {
			logger.Error().Err(err).Msg("collector: служебный HTTP сервер")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	var sessionStorage session.Storage = mtproto.NewNamedSession(backend, cfg.MTProto.SessionName)
	if cfg.MTProto.SessionFile != "" {
		sessionStorage = &session.FileStorage{Path: cfg.MTProto.SessionFile}
	}
	client := mtproto.NewClient(mtproto.Config{
		APIID:    cfg.Telegram.APIID,
		APIHash:  cfg.Telegram.APIHash,
		Phone:    cfg.Telegram.Phone,
		Password: cfg.Telegram.Password,
	}, sessionStorage, logger)

	controller := ratelimit.New(ratelimit.Config{
		MaxRetries:       cfg.Limits.MaxRetries,
		CallTimeout:      cfg.Limits.CallTimeout,
		RPS:              cfg.Limits.GlobalRPS,
		Burst:            cfg.Limits.Burst,
		TransientBackoff: cfg.Limits.TransientBackoff,
	}, logger)

	walkerOpts = append(walkerOpts, walker.WithReportSink(queue.NewFanout(logger, sinks...)))
	w := walker.New(client, backend, controller, transform.New(window.Location, logger), walker.Config{
		Window:       window,
		PageSize:     cfg.Walk.PageSize,
		BatchSize:    cfg.Walk.BatchSize,
		Concurrency:  cfg.Walk.Concurrency,
		Resume:       cfg.Walk.Resume,
		FlushTimeout: cfg.Walk.FlushTimeout,
	}, logger, walkerOpts...)

	var report domain.RunReport
	err = client.Run(ctx, func(ctx context.Context) error {
		report = w.Run(ctx, channels)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return report, fmt.Errorf("mtproto: %w", err)
	}
	return report, nil
}

// keepLock продлевает блокировку, пока идёт запуск.
func keepLock(ctx context.Context, lock *cache.RunLock, ttl time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Extend(ctx, ttl); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("collector: не удалось продлить блокировку")
			}
		}
	}
}
