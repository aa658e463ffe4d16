package walker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tg-history-collector/internal/domain"
	"tg-history-collector/internal/infra/metrics"
)

const (
	opResolve = "contacts.resolveUsername"
	opHistory = "messages.getHistory"
)

// Caller выполняет удалённый вызов с учётом ограничений API.
type Caller interface {
	Do(ctx context.Context, op string, fn func(ctx context.Context) error) error
}

// Transformer превращает сырое сообщение в запись.
type Transformer interface {
	Transform(channel domain.ChannelMeta, raw domain.RawItem) (domain.Record, error)
}

// Config задаёт параметры обхода.
type Config struct {
	Window      domain.Window
	PageSize    int
	BatchSize   int
	Concurrency int
	// Resume включает дозагрузку относительно уже сохранённых сообщений.
	Resume bool
	// FlushTimeout ограничивает запись последней пачки после отмены.
	FlushTimeout time.Duration
}

// Option настраивает Walker.
type Option func(*Walker)

// WithCheckpoints задаёт хранилище прогресса обхода. Без него прогресс
// хранится в самом хранилище записей, если оно это умеет.
func WithCheckpoints(cp domain.CursorCheckpoint) Option {
	return func(w *Walker) { w.checkpoints = cp }
}

// WithReportSink доставляет итоговый отчёт.
func WithReportSink(sink domain.ReportSink) Option {
	return func(w *Walker) { w.sink = sink }
}

// WithNow подменяет часы отчёта.
func WithNow(now func() time.Time) Option {
	return func(w *Walker) { w.now = now }
}

// Walker обходит историю каналов от новых сообщений к старым.
type Walker struct {
	source      domain.HistorySource
	store       domain.RecordStore
	caller      Caller
	transformer Transformer
	checkpoints domain.CursorCheckpoint
	sink        domain.ReportSink
	cfg         Config
	log         zerolog.Logger
	now         func() time.Time
}

// New создаёт Walker.
func New(source domain.HistorySource, store domain.RecordStore, caller Caller, transformer Transformer, cfg Config, log zerolog.Logger, opts ...Option) *Walker {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	w := &Walker{
		source:      source,
		store:       store,
		caller:      caller,
		transformer: transformer,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.checkpoints == nil {
		if cp, ok := store.(domain.CursorCheckpoint); ok {
			w.checkpoints = cp
		}
	}
	return w
}

// Run обходит все каналы и возвращает отчёт. Ошибка одного канала не прерывает остальные.
func (w *Walker) Run(ctx context.Context, channels []domain.ChannelMeta) domain.RunReport {
	report := domain.RunReport{
		RunID:     uuid.NewString(),
		StartedAt: w.now().UTC(),
		Channels:  make([]domain.ChannelReport, len(channels)),
	}
	log := w.log.With().Str("run_id", report.RunID).Logger()
	log.Info().Int("channels", len(channels)).Time("start", w.cfg.Window.Start).Time("end", w.cfg.Window.End).Msg("walker: запуск")

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for i, ch := range channels {
		g.Go(func() error {
			report.Channels[i] = w.walkChannel(ctx, ch, log)
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = w.now().UTC()
	for _, ch := range report.Channels {
		metrics.ChannelRuns.WithLabelValues(string(ch.Status)).Inc()
		event := log.Info()
		if ch.Status == domain.ChannelFailed {
			event = log.Error()
		}
		event.Str("channel", ch.Alias).Str("status", string(ch.Status)).Str("reason", string(ch.Reason)).
			Int("ingested", ch.Ingested).Int("skipped", ch.Skipped).Int("pages", ch.Pages).
			Int64("last_cursor", ch.LastCursor).Str("error", ch.Error).Msg("walker: итог канала")
	}
	log.Info().Int("ingested", report.Ingested()).Int("failed", report.Count(domain.ChannelFailed)).
		Dur("took", report.FinishedAt.Sub(report.StartedAt)).Msg("walker: запуск завершён")

	if w.sink != nil {
		publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FlushTimeout)
		if err := w.sink.Publish(publishCtx, report); err != nil {
			log.Warn().Err(err).Msg("walker: не удалось отправить отчёт")
		}
		cancel()
	}
	return report
}

// channelWalk: состояние обхода одного канала.
type channelWalk struct {
	meta     domain.ChannelMeta
	log      zerolog.Logger
	report   *domain.ChannelReport
	staged   []domain.Record
	progress domain.WalkProgress
	// upper: идёт проход над сохранёнными сообщениями.
	upper bool
}

func (w *Walker) walkChannel(ctx context.Context, configured domain.ChannelMeta, runLog zerolog.Logger) domain.ChannelReport {
	started := time.Now()
	rep := domain.ChannelReport{Alias: configured.Alias}
	log := runLog.With().Str("channel", configured.Alias).Logger()

	finish := func(reason domain.StopReason, err error) domain.ChannelReport {
		rep.Reason = reason
		rep.Duration = time.Since(started)
		switch {
		case reason == domain.StopBoundary || reason == domain.StopExhausted:
			rep.Status = domain.ChannelSuccess
		case reason == domain.StopCancelled || rep.Ingested > 0:
			rep.Status = domain.ChannelPartial
		default:
			rep.Status = domain.ChannelFailed
		}
		if err != nil {
			rep.Error = err.Error()
		}
		return rep
	}

	if ctx.Err() != nil {
		return finish(domain.StopCancelled, nil)
	}

	meta, err := w.resolve(ctx, configured)
	if err != nil {
		if ctx.Err() != nil {
			return finish(domain.StopCancelled, nil)
		}
		log.Error().Err(err).Msg("walker: не удалось найти канал")
		return finish(domain.StopError, err)
	}
	rep.ChannelID = meta.ID
	if err := w.store.UpsertChannel(ctx, meta); err != nil {
		log.Error().Err(err).Msg("walker: не удалось сохранить канал в каталог")
		return finish(domain.StopError, err)
	}

	cw := &channelWalk{meta: meta, log: log.With().Int64("channel_id", meta.ID).Logger(), report: &rep}
	reason, err := w.walkPasses(ctx, cw)

	// Накопленные записи сохраняются при любой остановке, кроме сбоя самого хранилища.
	var storageErr *domain.StorageError
	if !errors.As(err, &storageErr) {
		if flushErr := w.flush(ctx, cw); flushErr != nil && err == nil {
			err = flushErr
			if reason != domain.StopCancelled {
				reason = domain.StopError
			}
		}
	}
	if err != nil {
		cw.log.Error().Err(err).Int64("cursor", rep.LastCursor).Msg("walker: обход канала прерван")
	}

	if (reason == domain.StopBoundary || reason == domain.StopExhausted) && w.checkpoints != nil {
		if err := w.checkpoints.ClearProgress(context.WithoutCancel(ctx), meta.ID); err != nil {
			cw.log.Warn().Err(err).Msg("walker: не удалось удалить прогресс обхода")
		}
	}
	return finish(reason, err)
}

func (w *Walker) resolve(ctx context.Context, configured domain.ChannelMeta) (domain.ChannelMeta, error) {
	var meta domain.ChannelMeta
	err := w.caller.Do(ctx, opResolve, func(ctx context.Context) error {
		var err error
		meta, err = w.source.Resolve(ctx, configured.Alias)
		return err
	})
	if err != nil {
		return domain.ChannelMeta{}, fmt.Errorf("resolve %s: %w", configured.Alias, err)
	}
	meta.Alias = configured.Alias
	if configured.Language != "" {
		meta.Language = configured.Language
	}
	if configured.Category != "" {
		meta.Category = configured.Category
	}
	if configured.Title != "" && meta.Title == "" {
		meta.Title = configured.Title
	}
	return meta, nil
}

// walkPasses выбирает проходы: сначала незавершённый проход над сохранёнными
// сообщениями, затем новые сообщения выше сохранённых, затем продолжение вниз
// от курсора или самого старого сохранённого сообщения.
func (w *Walker) walkPasses(ctx context.Context, cw *channelWalk) (domain.StopReason, error) {
	if !w.cfg.Resume {
		return w.walkRange(ctx, cw, 0, 0)
	}

	if w.checkpoints != nil {
		progress, found, err := w.checkpoints.LoadProgress(ctx, cw.meta.ID)
		if err != nil {
			return domain.StopError, fmt.Errorf("load progress: %w", err)
		}
		if found {
			cw.progress = progress
		}
	}

	if cw.progress.UpperPending {
		cw.log.Info().Int64("cursor", cw.progress.UpperCursor).Int64("min_id", cw.progress.UpperMinID).
			Msg("walker: продолжение прерванной дозагрузки")
		reason, err := w.walkUpper(ctx, cw, cw.progress.UpperCursor, cw.progress.UpperMinID)
		if err != nil || reason == domain.StopCancelled {
			return reason, err
		}
	}

	latest, found, err := w.store.LatestItemFor(ctx, cw.meta.ID)
	if err != nil {
		return domain.StopError, err
	}
	if found {
		cw.log.Info().Int64("latest", latest.ItemID).Msg("walker: дозагрузка новых сообщений")
		reason, err := w.walkUpper(ctx, cw, 0, latest.ItemID)
		if err != nil || reason == domain.StopCancelled || reason == domain.StopBoundary {
			return reason, err
		}
	}

	cursor := cw.progress.DeepCursor
	if cursor == 0 && found {
		oldest, ok, err := w.store.OldestItemFor(ctx, cw.meta.ID)
		if err != nil {
			return domain.StopError, err
		}
		if !ok || w.cfg.Window.OlderThanStart(oldest.Date) {
			return domain.StopBoundary, nil
		}
		cursor = oldest.ItemID
	}
	cw.log.Info().Int64("cursor", cursor).Msg("walker: продолжение вниз от курсора")
	return w.walkRange(ctx, cw, cursor, 0)
}

// walkUpper загружает сообщения с ID в (minID, cursor). Участок отмечается
// в прогрессе до первой страницы и снимается только после записи всех его сообщений.
func (w *Walker) walkUpper(ctx context.Context, cw *channelWalk, cursor, minID int64) (domain.StopReason, error) {
	cw.progress.UpperPending = true
	cw.progress.UpperCursor = cursor
	cw.progress.UpperMinID = minID
	if err := w.saveProgress(ctx, cw); err != nil {
		return domain.StopError, err
	}

	cw.upper = true
	reason, err := w.walkRange(ctx, cw, cursor, minID)
	if err != nil || reason == domain.StopCancelled {
		return reason, err
	}
	if err := w.flush(ctx, cw); err != nil {
		return domain.StopError, err
	}

	cw.upper = false
	cw.progress.UpperPending = false
	cw.progress.UpperCursor = 0
	cw.progress.UpperMinID = 0
	if err := w.saveProgress(ctx, cw); err != nil {
		return domain.StopError, err
	}
	return reason, nil
}

func (w *Walker) saveProgress(ctx context.Context, cw *channelWalk) error {
	if w.checkpoints == nil {
		return nil
	}
	if err := w.checkpoints.SaveProgress(ctx, cw.meta.ID, cw.progress); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// walkRange проходит страницы от cursor вниз до границы окна, конца истории или minID.
func (w *Walker) walkRange(ctx context.Context, cw *channelWalk, cursor, minID int64) (domain.StopReason, error) {
	for {
		if ctx.Err() != nil {
			return domain.StopCancelled, nil
		}

		cw.log.Debug().Str("state", "paging").Int64("cursor", cursor).Int64("min_id", minID).Msg("walker: состояние")
		query := domain.HistoryQuery{OffsetID: cursor, MinID: minID, Limit: w.cfg.PageSize}
		var page domain.HistoryPage
		err := w.caller.Do(ctx, opHistory, func(ctx context.Context) error {
			var err error
			page, err = w.source.History(ctx, cw.meta, query)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return domain.StopCancelled, nil
			}
			return domain.StopError, err
		}
		if page.Requested == 0 {
			page.Requested = w.cfg.PageSize
		}
		cw.report.Pages++
		metrics.PagesFetched.WithLabelValues(cw.meta.Alias).Inc()

		cw.log.Debug().Str("state", "filtering").Int("items", len(page.Items)).Msg("walker: состояние")
		boundary, err := w.filter(ctx, cw, page)
		if err != nil {
			return domain.StopError, err
		}

		oldest := page.OldestID()
		if oldest > 0 {
			cw.report.LastCursor = oldest
		}
		if boundary {
			cw.log.Debug().Str("state", "stop").Str("reason", string(domain.StopBoundary)).Msg("walker: состояние")
			return domain.StopBoundary, nil
		}
		if page.Exhausted() || oldest == 0 || (cursor != 0 && oldest >= cursor) {
			cw.log.Debug().Str("state", "stop").Str("reason", string(domain.StopExhausted)).Msg("walker: состояние")
			return domain.StopExhausted, nil
		}
		cw.log.Debug().Str("state", "continue").Int64("cursor", oldest).Msg("walker: состояние")
		cursor = oldest
	}
}

// filter обрабатывает страницу и сообщает, достигнута ли граница начала окна.
func (w *Walker) filter(ctx context.Context, cw *channelWalk, page domain.HistoryPage) (bool, error) {
	var prev time.Time
	for _, item := range page.Items {
		if item.ID <= 0 || item.Date.IsZero() {
			w.skip(cw, item, "malformed", &domain.MalformedItemError{ChannelID: cw.meta.ID, ItemID: item.ID, Reason: "нет идентичности или времени"})
			continue
		}
		if !prev.IsZero() && item.Date.After(prev) {
			metrics.OrderingViolations.WithLabelValues(cw.meta.Alias).Inc()
			cw.log.Warn().Int64("item_id", item.ID).Time("date", item.Date).Time("prev", prev).
				Msg("walker: сообщение новее предыдущего на странице")
		}
		prev = item.Date

		if w.cfg.Window.OlderThanStart(item.Date) {
			return true, nil
		}
		if w.cfg.Window.NewerThanEnd(item.Date) {
			metrics.ItemsSkipped.WithLabelValues(cw.meta.Alias, "after_end").Inc()
			continue
		}

		rec, err := w.transformer.Transform(cw.meta, item)
		if err != nil {
			if domain.IsMalformed(err) {
				w.skip(cw, item, "malformed", err)
				continue
			}
			return false, err
		}
		cw.staged = append(cw.staged, rec)
		if len(cw.staged) >= w.cfg.BatchSize {
			if err := w.flush(ctx, cw); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

func (w *Walker) skip(cw *channelWalk, item domain.RawItem, reason string, err error) {
	cw.report.Skipped++
	metrics.ItemsSkipped.WithLabelValues(cw.meta.Alias, reason).Inc()
	cw.log.Warn().Err(err).Int64("item_id", item.ID).Str("kind", string(item.Kind)).Msg("walker: сообщение пропущено")
}

// flush записывает накопленную пачку и сдвигает курсор текущего прохода.
// После отмены пачка пишется в отдельном контексте с FlushTimeout.
func (w *Walker) flush(ctx context.Context, cw *channelWalk) error {
	if len(cw.staged) == 0 {
		return nil
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FlushTimeout)
		defer cancel()
	}
	batch := cw.staged
	if err := w.store.UpsertBatch(ctx, batch); err != nil {
		var storageErr *domain.StorageError
		if !errors.As(err, &storageErr) {
			err = &domain.StorageError{Op: "upsert batch", Err: err}
		}
		return err
	}
	cw.staged = nil
	cw.report.Ingested += len(batch)
	metrics.ItemsIngested.WithLabelValues(cw.meta.Alias).Add(float64(len(batch)))

	cursor := batch[0].ItemID
	for _, rec := range batch {
		if rec.ItemID < cursor {
			cursor = rec.ItemID
		}
	}
	cw.log.Debug().Int("batch", len(batch)).Int64("cursor", cursor).Bool("upper", cw.upper).Msg("walker: пачка сохранена")

	pos := &cw.progress.DeepCursor
	if cw.upper {
		pos = &cw.progress.UpperCursor
	}
	if *pos == 0 || cursor < *pos {
		*pos = cursor
	}
	if err := w.saveProgress(ctx, cw); err != nil {
		cw.log.Warn().Err(err).Msg("walker: не удалось сохранить прогресс обхода")
	}
	return nil
}
