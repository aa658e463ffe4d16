package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"tg-history-collector/internal/domain"
)

// MemoryReportLog держит последний отчёт в памяти процесса.
type MemoryReportLog struct {
	mu     sync.RWMutex
	report *domain.RunReport
}

// Publish запоминает отчёт.
func (m *MemoryReportLog) Publish(_ context.Context, report domain.RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.report = &report
	return nil
}

// Latest возвращает последний отчёт или domain.ErrNotFound.
func (m *MemoryReportLog) Latest(context.Context) (domain.RunReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.report == nil {
		return domain.RunReport{}, domain.ErrNotFound
	}
	return *m.report, nil
}

// Fanout доставляет отчёт во все приёмники. Ошибка одного приёмника
// не мешает остальным.
type Fanout struct {
	sinks []domain.ReportSink
	log   zerolog.Logger
}

// NewFanout создаёт рассылку, nil приёмники пропускаются.
func NewFanout(log zerolog.Logger, sinks ...domain.ReportSink) *Fanout {
	f := &Fanout{log: log}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Publish(ctx context.Context, report domain.RunReport) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, report); err != nil {
			f.log.Warn().Err(err).Str("run_id", report.RunID).Msgf("queue: приёмник %T не принял отчёт", s)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ domain.ReportSink = (*MemoryReportLog)(nil)
	_ domain.ReportSink = (*Fanout)(nil)
)
