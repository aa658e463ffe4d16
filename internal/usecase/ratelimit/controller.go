package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tg-history-collector/internal/domain"
	"tg-history-collector/internal/infra/metrics"
)

// Clock абстрагирует время ожидания окон приостановки.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config задаёт политику повторов.
type Config struct {
	// MaxRetries: сколько раз можно повторить один логический запрос.
	MaxRetries int
	// CallTimeout ограничивает каждый удалённый вызов.
	CallTimeout time.Duration
	// RPS ограничивает темп запросов на учётную запись, 0 отключает ограничение.
	RPS   float64
	Burst int
	// TransientBackoff: начальная пауза перед повтором после временного сбоя.
	TransientBackoff time.Duration
}

// Option настраивает контроллер.
type Option func(*Controller)

// WithClock подменяет часы.
func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// Controller оборачивает все удалённые вызовы одной учётной записи.
// Состояние окна приостановки общее для всех вызывающих.
type Controller struct {
	cfg     Config
	clock   Clock
	limiter *rate.Limiter
	log     zerolog.Logger

	mu           sync.Mutex
	blockedUntil time.Time
	suspensions  int
}

// New создаёт контроллер.
func New(cfg Config, log zerolog.Logger, opts ...Option) *Controller {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.TransientBackoff <= 0 {
		cfg.TransientBackoff = time.Second
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	c := &Controller{
		cfg:     cfg,
		clock:   systemClock{},
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Suspensions возвращает количество открытых окон приостановки.
func (c *Controller) Suspensions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspensions
}

// BlockedUntil возвращает конец текущего окна приостановки.
func (c *Controller) BlockedUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockedUntil
}

// Do выполняет fn, соблюдая окна приостановки и бюджет повторов.
// После сигнала ограничения запрос повторяется ровно по истечении окна.
func (c *Controller) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.TransientBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 0; ; attempt++ {
		if err := c.acquire(ctx); err != nil {
			return err
		}

		err := c.call(ctx, op, fn)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if wait, ok := domain.AsThrottle(err); ok {
			metrics.FloodWaitTotal.WithLabelValues(op).Inc()
			if attempt >= c.cfg.MaxRetries {
				return &domain.RateLimitExceededError{Op: op, Attempts: attempt + 1, LastWait: wait}
			}
			c.suspend(op, wait)
			continue
		}

		if domain.IsTransient(err) {
			if attempt >= c.cfg.MaxRetries {
				return err
			}
			pause := bo.NextBackOff()
			metrics.TransientRetries.WithLabelValues(op).Inc()
			c.log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("pause", pause).Msg("ratelimit: временный сбой, повторим")
			if err := c.sleep(ctx, pause); err != nil {
				return err
			}
			continue
		}

		return err
	}
}

// acquire дожидается конца окна и токена темпа. Окно могло открыться,
// пока вызывающий ждал токен, тогда ожидание повторяется.
func (c *Controller) acquire(ctx context.Context) error {
	for {
		if err := c.waitWindow(ctx); err != nil {
			return err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if !c.clock.Now().Before(c.BlockedUntil()) {
			return nil
		}
	}
}

func (c *Controller) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
	}
	defer cancel()

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return &domain.TransientNetworkError{Op: op, Err: err}
	}
	return err
}

// suspend открывает окно приостановки или присоединяется к уже открытому.
func (c *Controller) suspend(op string, wait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	until := now.Add(wait)
	if now.Before(c.blockedUntil) {
		if until.After(c.blockedUntil) {
			c.blockedUntil = until
		}
		c.log.Debug().Str("op", op).Dur("wait", wait).Time("until", c.blockedUntil).Msg("ratelimit: присоединились к открытому окну")
		return
	}

	c.blockedUntil = until
	c.suspensions++
	metrics.RateLimitSuspensions.Inc()
	metrics.RateLimitSuspendedSeconds.Add(wait.Seconds())
	c.log.Warn().Str("op", op).Dur("wait", wait).Time("until", until).Msg("ratelimit: FLOOD_WAIT, приостанавливаем запросы")
}

func (c *Controller) waitWindow(ctx context.Context) error {
	for {
		c.mu.Lock()
		until := c.blockedUntil
		c.mu.Unlock()

		now := c.clock.Now()
		if !now.Before(until) {
			return nil
		}
		if err := c.sleep(ctx, until.Sub(now)); err != nil {
			return err
		}
	}
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}
