// Package queue publishes attendance events to RabbitMQ.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"stemAttendanceAPI/internal/attendance"
)

const RoutingKeyVerified = "attendance.verified"

type Publisher struct {
	ch       *amqp.Channel
	exchange string
	log      *zap.Logger
}

// NewPublisher opens a channel on conn and declares the durable topic
// exchange messages are published to.
func NewPublisher(conn *amqp.Connection, exchange string, log *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	return &Publisher{ch: ch, exchange: exchange, log: log}, nil
}

func (p *Publisher) Close() error { return p.ch.Close() }

func (p *Publisher) PublishJSON(ctx context.Context, routingKey string, body any) error {
	publishing, err := newPublishing(body, time.Now())
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, publishing)
}

// PublishVerified announces a committed verification.
func (p *Publisher) PublishVerified(ctx context.Context, msg attendance.VerifiedMessage) error {
	if err := p.PublishJSON(ctx, RoutingKeyVerified, msg); err != nil {
		return fmt.Errorf("publish %s: %w", RoutingKeyVerified, err)
	}
	p.log.Debug("verification published",
		zap.String("verification_id", msg.VerificationID.String()),
		zap.Int64("event_id", msg.EventID),
	)
	return nil
}

func newPublishing(body any, ts time.Time) (amqp.Publishing, error) {
	b, err := sonic.Marshal(body)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ts,
		Body:         b,
	}, nil
}
