package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func TestRunLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	srv, client := newClient(t)

	first := NewRunLock(client, "test", "run-1")
	second := NewRunLock(client, "test", "run-2")
	if err := first.Acquire(ctx, time.Minute); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := second.Acquire(ctx, time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("ожидали ErrLocked, получили %v", err)
	}
	if err := second.Release(ctx); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !srv.Exists("test:run-lock") {
		t.Fatalf("чужой запуск не должен снимать блокировку")
	}
	if err := first.Extend(ctx, 2*time.Minute); err != nil {
		t.Fatalf("не ожидали ошибку продления: %v", err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := second.Acquire(ctx, time.Minute); err != nil {
		t.Fatalf("после освобождения блокировка должна захватываться: %v", err)
	}

	srv.FastForward(2 * time.Minute)
	if err := first.Acquire(ctx, time.Minute); err != nil {
		t.Fatalf("истёкшая блокировка должна захватываться: %v", err)
	}
}

func TestRunLockExtendKeepsForeignLock(t *testing.T) {
	ctx := context.Background()
	srv, client := newClient(t)

	first := NewRunLock(client, "test", "run-1")
	if err := first.Acquire(ctx, time.Minute); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := first.Extend(ctx, 3*time.Minute); err != nil {
		t.Fatalf("не ожидали ошибку продления: %v", err)
	}
	if ttl := srv.TTL("test:run-lock"); ttl != 3*time.Minute {
		t.Fatalf("ожидали TTL 3m, получили %v", ttl)
	}

	// Блокировка истекла и досталась другому запуску.
	srv.FastForward(4 * time.Minute)
	second := NewRunLock(client, "test", "run-2")
	if err := second.Acquire(ctx, time.Minute); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := first.Extend(ctx, time.Hour); !errors.Is(err, ErrLocked) {
		t.Fatalf("ожидали ErrLocked при продлении чужой блокировки, получили %v", err)
	}
	if ttl := srv.TTL("test:run-lock"); ttl != time.Minute {
		t.Fatalf("чужая блокировка не должна продлеваться, TTL %v", ttl)
	}
	if owner, _ := srv.Get("test:run-lock"); owner != "run-2" {
		t.Fatalf("владелец блокировки изменился: %q", owner)
	}
}
