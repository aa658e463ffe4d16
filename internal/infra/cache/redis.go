package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-history-collector/internal/infra/metrics"
)

// ErrLocked возвращается, если другой запуск уже держит блокировку.
var ErrLocked = errors.New("запуск уже выполняется")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RunLock не даёт двум запускам работать с одной учётной записью одновременно.
type RunLock struct {
	client *redis.Client
	key    string
	owner  string
}

// NewRunLock создаёт блокировку запуска.
func NewRunLock(client *redis.Client, prefix, owner string) *RunLock {
	if prefix == "" {
		prefix = "collector"
	}
	return &RunLock{client: client, key: prefix + ":run-lock", owner: owner}
}

// Acquire захватывает блокировку на ttl.
func (l *RunLock) Acquire(ctx context.Context, ttl time.Duration) error {
	start := time.Now()
	ok, err := l.client.SetNX(ctx, l.key, l.owner, ttl).Result()
	metrics.ObserveNetworkRequest("redis", "run_lock_acquire", "run_lock", start, err)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Extend продлевает блокировку, если она всё ещё наша.
func (l *RunLock) Extend(ctx context.Context, ttl time.Duration) error {
	start := time.Now()
	extended, err := extendScript.Run(ctx, l.client, []string{l.key}, l.owner, ttl.Milliseconds()).Int()
	metrics.ObserveNetworkRequest("redis", "run_lock_extend", "run_lock", start, err)
	if err != nil {
		return err
	}
	if extended == 0 {
		return ErrLocked
	}
	return nil
}

// Release снимает блокировку, только если она принадлежит этому запуску.
func (l *RunLock) Release(ctx context.Context) error {
	start := time.Now()
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
	metrics.ObserveNetworkRequest("redis", "run_lock_release", "run_lock", start, err)
	return err
}
