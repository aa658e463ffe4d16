package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-history-collector/internal/domain"
	"tg-history-collector/internal/infra/metrics"
)

// RedisReportLog хранит последние отчёты запусков в Redis list.
type RedisReportLog struct {
	client *redis.Client
	key    string
	keep   int64
}

var _ domain.ReportSink = (*RedisReportLog)(nil)

// NewRedisReportLog создаёт журнал отчётов по указанному ключу.
func NewRedisReportLog(client *redis.Client, key string, keep int) *RedisReportLog {
	if keep <= 0 {
		keep = 50
	}
	return &RedisReportLog{client: client, key: key, keep: int64(keep)}
}

// Publish добавляет отчёт в начало журнала и обрезает хвост.
func (q *RedisReportLog) Publish(ctx context.Context, report domain.RunReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	start := time.Now()
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.key, payload)
	pipe.LTrim(ctx, q.key, 0, q.keep-1)
	_, err = pipe.Exec(ctx)
	metrics.ObserveNetworkRequest("redis", "report_push", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push report: %w", err)
	}
	return nil
}

// Latest возвращает последний отчёт.
func (q *RedisReportLog) Latest(ctx context.Context) (domain.RunReport, error) {
	start := time.Now()
	raw, err := q.client.LIndex(ctx, q.key, 0).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveNetworkRequest("redis", "report_latest", q.key, start, nil)
		return domain.RunReport{}, domain.ErrNotFound
	}
	metrics.ObserveNetworkRequest("redis", "report_latest", q.key, start, err)
	if err != nil {
		return domain.RunReport{}, err
	}
	var report domain.RunReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return domain.RunReport{}, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}
