package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	FloodWaitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_flood_wait_total",
		Help: "Сигналы FLOOD_WAIT от удалённого API",
	}, []string{"operation"})

	RateLimitSuspensions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_rate_limit_suspensions_total",
		Help: "Открытые окна приостановки запросов",
	})

	RateLimitSuspendedSeconds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_rate_limit_suspended_seconds_total",
		Help: "Суммарная длительность окон приостановки",
	})

	TransientRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_transient_retries_total",
		Help: "Повторы после временных сетевых сбоев",
	}, []string{"operation"})

	PagesFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_pages_total",
		Help: "Полученные страницы истории",
	}, []string{"channel"})

	ItemsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_items_ingested_total",
		Help: "Сохранённые сообщения",
	}, []string{"channel"})

	ItemsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_items_skipped_total",
		Help: "Пропущенные сообщения",
	}, []string{"channel", "reason"})

	OrderingViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_ordering_violations_total",
		Help: "Сообщения новее предыдущего на странице истории",
	}, []string{"channel"})

	BatchUpsertSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "collector_batch_upsert_seconds",
		Help:    "Время записи пачки в хранилище",
		Buckets: prometheus.DefBuckets,
	})

	ChannelRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_channel_runs_total",
		Help: "Завершённые обходы каналов по статусу",
	}, []string{"status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		NetworkRequestDuration,
		NetworkRequestTotal,
		FloodWaitTotal,
		RateLimitSuspensions,
		RateLimitSuspendedSeconds,
		TransientRetries,
		PagesFetched,
		ItemsIngested,
		ItemsSkipped,
		OrderingViolations,
		BatchUpsertSeconds,
		ChannelRuns,
	)
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}
