package domain

import (
	"fmt"
	"strings"
	"time"
)

// ChannelStatus: итог обхода канала.
type ChannelStatus string

const (
	// ChannelSuccess: обход дошёл до границы окна или конца истории.
	ChannelSuccess ChannelStatus = "success"
	// ChannelPartial: часть сообщений сохранена, обход прерван.
	ChannelPartial ChannelStatus = "partial"
	// ChannelFailed: обход прерван до сохранения хотя бы одной пачки.
	ChannelFailed ChannelStatus = "failed"
)

// StopReason объясняет, почему обход канала остановился.
type StopReason string

const (
	StopBoundary  StopReason = "boundary"
	StopExhausted StopReason = "exhausted"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
)

// ChannelReport: результат обхода одного канала.
type ChannelReport struct {
	Alias      string        `json:"alias"`
	ChannelID  int64         `json:"channel_id,omitempty"`
	Status     ChannelStatus `json:"status"`
	Reason     StopReason    `json:"reason"`
	Ingested   int           `json:"ingested"`
	Skipped    int           `json:"skipped"`
	Pages      int           `json:"pages"`
	LastCursor int64         `json:"last_cursor,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// RunReport: результат запуска по всем каналам.
type RunReport struct {
	RunID      string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Channels   []ChannelReport `json:"channels"`
}

// Count возвращает количество каналов с указанным статусом.
func (r RunReport) Count(status ChannelStatus) int {
	n := 0
	for _, ch := range r.Channels {
		if ch.Status == status {
			n++
		}
	}
	return n
}

// Ingested возвращает общее количество сохранённых сообщений.
func (r RunReport) Ingested() int {
	total := 0
	for _, ch := range r.Channels {
		total += ch.Ingested
	}
	return total
}

// Summary формирует текстовый отчёт для оператора.
func (r RunReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Запуск %s: %d сообщений, каналов ok=%d partial=%d failed=%d\n",
		r.RunID, r.Ingested(), r.Count(ChannelSuccess), r.Count(ChannelPartial), r.Count(ChannelFailed))
	for _, ch := range r.Channels {
		fmt.Fprintf(&b, "\n%s [%s/%s] сохранено %d, пропущено %d, страниц %d, курсор %d",
			ch.Alias, ch.Status, ch.Reason, ch.Ingested, ch.Skipped, ch.Pages, ch.LastCursor)
		if ch.Error != "" {
			fmt.Fprintf(&b, "\n  ошибка: %s", ch.Error)
		}
	}
	return b.String()
}
