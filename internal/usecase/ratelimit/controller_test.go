package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-history-collector/internal/domain"
)

// manualClock продвигается только вызовом Advance.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []manualWaiter
	waits   []time.Duration
}

type manualWaiter struct {
	at time.Time
	ch chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waits = append(c.waits, d)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, manualWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
			continue
		}
		pending = append(pending, w)
	}
	c.waiters = pending
}

func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *manualClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

func waitPending(t *testing.T, clock *manualClock, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clock.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("ожидали %d ожидающих вызовов, есть %d", n, clock.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDoSuspendsOnceForThrottleAndRetries(t *testing.T) {
	clock := newManualClock()
	ctrl := New(Config{MaxRetries: 3}, zerolog.Nop(), WithClock(clock))

	var calls int32
	done := make(chan error, 1)
	go func() {
		done <- ctrl.Do(context.Background(), "messages.getHistory", func(context.Context) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				return &domain.ThrottleError{Wait: 5 * time.Second}
			}
			return nil
		})
	}()

	waitPending(t, clock, 1)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("повтор не должен начаться до конца окна, вызовов %d", got)
	}
	clock.Advance(4 * time.Second)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("повтор не должен начаться через 4 секунды, вызовов %d", got)
	}
	clock.Advance(time.Second)

	if err := <-done; err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("ожидали ровно один повтор, вызовов %d", got)
	}
	if ctrl.Suspensions() != 1 {
		t.Fatalf("ожидали одно окно приостановки, получили %d", ctrl.Suspensions())
	}
	waits := clock.Waits()
	if len(waits) != 1 || waits[0] < 5*time.Second {
		t.Fatalf("ожидали одно ожидание не меньше 5s, получили %v", waits)
	}
}

func TestConcurrentCallersShareSuspension(t *testing.T) {
	clock := newManualClock()
	ctrl := New(Config{MaxRetries: 3}, zerolog.Nop(), WithClock(clock))

	var entered sync.WaitGroup
	entered.Add(2)
	var calls int32

	call := func(context.Context) error {
		if atomic.AddInt32(&calls, 1) <= 2 {
			entered.Done()
			entered.Wait()
			return &domain.ThrottleError{Wait: 5 * time.Second}
		}
		return nil
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- ctrl.Do(context.Background(), "messages.getHistory", call) }()
	}

	waitPending(t, clock, 2)
	if ctrl.Suspensions() != 1 {
		t.Fatalf("ожидали одно общее окно, получили %d", ctrl.Suspensions())
	}
	clock.Advance(5 * time.Second)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("ожидали по одному повтору на вызывающего, вызовов %d", got)
	}
	if ctrl.Suspensions() != 1 {
		t.Fatalf("окно не должно открываться повторно, получили %d", ctrl.Suspensions())
	}
}

func TestCallerArrivingDuringSuspensionWaits(t *testing.T) {
	clock := newManualClock()
	ctrl := New(Config{MaxRetries: 3}, zerolog.Nop(), WithClock(clock))

	first := make(chan error, 1)
	var throttled int32
	go func() {
		first <- ctrl.Do(context.Background(), "a", func(context.Context) error {
			if atomic.AddInt32(&throttled, 1) == 1 {
				return &domain.ThrottleError{Wait: 10 * time.Second}
			}
			return nil
		})
	}()
	waitPending(t, clock, 1)

	var lateCalled int32
	late := make(chan error, 1)
	go func() {
		late <- ctrl.Do(context.Background(), "b", func(context.Context) error {
			atomic.StoreInt32(&lateCalled, 1)
			return nil
		})
	}()
	waitPending(t, clock, 2)
	if atomic.LoadInt32(&lateCalled) != 0 {
		t.Fatalf("новый запрос не должен выполняться во время окна")
	}

	clock.Advance(10 * time.Second)
	if err := <-first; err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := <-late; err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if ctrl.Suspensions() != 1 {
		t.Fatalf("ожидали одно окно, получили %d", ctrl.Suspensions())
	}
}

func TestCallerWaitingForTokenRespectsNewSuspension(t *testing.T) {
	clock := newManualClock()
	ctrl := New(Config{MaxRetries: 3, RPS: 2, Burst: 1}, zerolog.Nop(), WithClock(clock))

	started := make(chan struct{})
	var aCalls int32
	first := make(chan error, 1)
	go func() {
		first <- ctrl.Do(context.Background(), "a", func(context.Context) error {
			if atomic.AddInt32(&aCalls, 1) == 1 {
				close(started)
				time.Sleep(100 * time.Millisecond)
				return &domain.ThrottleError{Wait: 5 * time.Second}
			}
			return nil
		})
	}()
	<-started

	// Второй запрос ждёт токен, пока первый открывает окно.
	var bCalls int32
	second := make(chan error, 1)
	go func() {
		second <- ctrl.Do(context.Background(), "b", func(context.Context) error {
			atomic.AddInt32(&bCalls, 1)
			return nil
		})
	}()

	waitPending(t, clock, 2)
	if got := atomic.LoadInt32(&bCalls); got != 0 {
		t.Fatalf("запрос после получения токена не должен выполняться во время окна, вызовов %d", got)
	}

	clock.Advance(5 * time.Second)
	if err := <-first; err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if atomic.LoadInt32(&bCalls) != 1 || ctrl.Suspensions() != 1 {
		t.Fatalf("ожидали один вызов b и одно окно, получили %d и %d", bCalls, ctrl.Suspensions())
	}
}

func TestDoFailsWhenThrottleRetriesExhausted(t *testing.T) {
	clock := newManualClock()
	ctrl := New(Config{MaxRetries: 2}, zerolog.Nop(), WithClock(clock))

	done := make(chan error, 1)
	var calls int32
	go func() {
		done <- ctrl.Do(context.Background(), "messages.getHistory", func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return &domain.ThrottleError{Wait: time.Second}
		})
	}()

	for i := 0; i < 2; i++ {
		waitPending(t, clock, 1)
		clock.Advance(time.Second)
	}

	err := <-done
	var exceeded *domain.RateLimitExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("ожидали RateLimitExceededError, получили %v", err)
	}
	if exceeded.Attempts != 3 || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("ожидали 3 попытки, получили %d (вызовов %d)", exceeded.Attempts, calls)
	}
}

func TestDoRetriesTransientFailuresWithinBudget(t *testing.T) {
	ctrl := New(Config{MaxRetries: 2, TransientBackoff: time.Millisecond}, zerolog.Nop())

	var calls int
	err := ctrl.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return &domain.TransientNetworkError{Op: "op", Err: errors.New("connection reset")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if calls != 3 {
		t.Fatalf("ожидали 3 вызова, получили %d", calls)
	}

	calls = 0
	err = ctrl.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return &domain.TransientNetworkError{Op: "op", Err: errors.New("connection reset")}
	})
	if !domain.IsTransient(err) {
		t.Fatalf("ожидали TransientNetworkError после исчерпания повторов, получили %v", err)
	}
	if calls != 3 {
		t.Fatalf("ожидали 3 вызова, получили %d", calls)
	}
}

func TestDoTreatsCallTimeoutAsTransient(t *testing.T) {
	ctrl := New(Config{MaxRetries: 1, CallTimeout: 10 * time.Millisecond, TransientBackoff: time.Millisecond}, zerolog.Nop())

	var calls int
	err := ctrl.Do(context.Background(), "slow", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if !domain.IsTransient(err) {
		t.Fatalf("ожидали TransientNetworkError, получили %v", err)
	}
	if calls != 2 {
		t.Fatalf("ожидали 2 вызова, получили %d", calls)
	}
}

func TestDoReturnsPermanentErrorImmediately(t *testing.T) {
	ctrl := New(Config{MaxRetries: 5}, zerolog.Nop())
	boom := errors.New("CHANNEL_PRIVATE")
	var calls int
	err := ctrl.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("ожидали немедленный возврат ошибки, получили %v после %d вызовов", err, calls)
	}
}

func TestDoObservesCancellationDuringSuspension(t *testing.T) {
	clock := newManualClock()
	ctrl := New(Config{MaxRetries: 3}, zerolog.Nop(), WithClock(clock))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- ctrl.Do(ctx, "op", func(context.Context) error {
			return &domain.ThrottleError{Wait: time.Hour}
		})
	}()
	waitPending(t, clock, 1)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидали context.Canceled, получили %v", err)
	}
}
