package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-history-collector/internal/domain"
	"tg-history-collector/internal/infra/metrics"
)

// RoutingKeyRunFinished: ключ маршрутизации события о завершённом запуске.
const RoutingKeyRunFinished = "collector.run.finished"

// RabbitReportPublisher публикует отчёты запусков в exchange RabbitMQ.
type RabbitReportPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

var _ domain.ReportSink = (*RabbitReportPublisher)(nil)

// NewRabbitReportPublisher подключается к брокеру и объявляет topic exchange.
func NewRabbitReportPublisher(amqpURL, exchange string) (*RabbitReportPublisher, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if exchange == "" {
		return nil, errors.New("exchange name is empty")
	}
	conn, err := amqp.DialConfig(amqpURL, amqp.Config{Heartbeat: 10 * time.Second, Dial: amqp.DefaultDial(5 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &RabbitReportPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish отправляет отчёт как persistent JSON-сообщение.
func (p *RabbitReportPublisher) Publish(ctx context.Context, report domain.RunReport) error {
	msg, err := reportMessage(report)
	if err != nil {
		return err
	}
	start := time.Now()
	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKeyRunFinished, false, false, msg)
	metrics.ObserveNetworkRequest("rabbitmq", "report_publish", p.exchange, start, err)
	if err != nil {
		return fmt.Errorf("publish report: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (p *RabbitReportPublisher) Close() error {
	if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

func reportMessage(report domain.RunReport) (amqp.Publishing, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal report: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    report.RunID,
		Timestamp:    report.FinishedAt,
		Type:         RoutingKeyRunFinished,
		Body:         body,
	}, nil
}
