package bot

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-history-collector/internal/domain"
	"tg-history-collector/internal/infra/metrics"
)

// Sender: часть tgbotapi.BotAPI для отправки сообщений.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier отправляет отчёт о запуске в чат оператора.
type Notifier struct {
	bot    Sender
	chatID int64
	log    zerolog.Logger
}

// NewNotifier создаёт уведомитель для чата chatID.
func NewNotifier(bot Sender, chatID int64, log zerolog.Logger) *Notifier {
	return &Notifier{bot: bot, chatID: chatID, log: log}
}

// NewBotNotifier подключается к Bot API по токену.
func NewBotNotifier(token string, chatID int64, log zerolog.Logger) (*Notifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("bot api: %w", err)
	}
	return NewNotifier(api, chatID, log), nil
}

// Publish отправляет сводку по частям.
func (n *Notifier) Publish(ctx context.Context, report domain.RunReport) error {
	parts := SplitText(report.Summary(), MessageLimit)
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(n.chatID, part)
		msg.DisableWebPagePreview = true
		start := time.Now()
		_, err := n.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", "report", start, err)
		if err != nil {
			return fmt.Errorf("отправка части %d/%d: %w", i+1, len(parts), err)
		}
	}
	n.log.Debug().Str("run_id", report.RunID).Int("parts", len(parts)).Msg("bot: отчёт отправлен")
	return nil
}

var _ domain.ReportSink = (*Notifier)(nil)
