package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-history-collector/internal/domain"
)

type stubSender struct {
	sent   []tgbotapi.MessageConfig
	failAt int
}

func (s *stubSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, fmt.Errorf("неожиданный тип %T", c)
	}
	if s.failAt > 0 && len(s.sent)+1 == s.failAt {
		return tgbotapi.Message{}, errors.New("Too Many Requests")
	}
	s.sent = append(s.sent, msg)
	return tgbotapi.Message{MessageID: len(s.sent)}, nil
}

func bigReport(channels int) domain.RunReport {
	report := domain.RunReport{RunID: "run-1"}
	for i := 0; i < channels; i++ {
		report.Channels = append(report.Channels, domain.ChannelReport{
			Alias:    fmt.Sprintf("channel_%03d_%s", i, strings.Repeat("x", 40)),
			Status:   domain.ChannelSuccess,
			Reason:   domain.StopBoundary,
			Ingested: i,
		})
	}
	return report
}

func TestNotifierSendsSummary(t *testing.T) {
	sender := &stubSender{}
	n := NewNotifier(sender, 42, zerolog.Nop())
	if err := n.Publish(context.Background(), bigReport(2)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("ожидали одно сообщение, получили %d", len(sender.sent))
	}
	if sender.sent[0].ChatID != 42 || !strings.Contains(sender.sent[0].Text, "run-1") {
		t.Fatalf("неверное сообщение: %+v", sender.sent[0])
	}
}

func TestNotifierSplitsLongReport(t *testing.T) {
	sender := &stubSender{}
	n := NewNotifier(sender, 42, zerolog.Nop())
	if err := n.Publish(context.Background(), bigReport(200)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sender.sent) < 2 {
		t.Fatalf("длинный отчёт должен уйти несколькими сообщениями, ушло %d", len(sender.sent))
	}
	for _, m := range sender.sent {
		if len([]rune(m.Text)) > MessageLimit {
			t.Fatalf("сообщение длиннее лимита: %d", len([]rune(m.Text)))
		}
	}
}

func TestNotifierReturnsSendError(t *testing.T) {
	sender := &stubSender{failAt: 2}
	n := NewNotifier(sender, 42, zerolog.Nop())
	if err := n.Publish(context.Background(), bigReport(200)); err == nil {
		t.Fatalf("ожидали ошибку отправки")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("после ошибки отправка должна прекратиться, отправлено %d", len(sender.sent))
	}
}
