// Package events publishes roadmap status changes to the events exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"roadmap/api/internal/transition"
)

const (
	ExchangeName = "events"

	RoutingKeyNodeStatusChanged = "roadmap.node.status_changed"
)

type Publisher struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	logger  *zap.Logger
}

func NewPublisher(url string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareExchange(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	logger.Info("Connected to events exchange", zap.String("exchange", ExchangeName))
	return &Publisher{conn: conn, channel: ch, logger: logger}, nil
}

func declareExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

func (p *Publisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && p.channel != nil && !p.conn.IsClosed()
}

// NodeStatusChanged implements transition.Notifier.
func (p *Publisher) NodeStatusChanged(ctx context.Context, change transition.StatusChange) error {
	msg, err := statusChangedMessage(change)
	if err != nil {
		return err
	}
	return p.publish(ctx, RoutingKeyNodeStatusChanged, msg)
}

func (p *Publisher) publish(ctx context.Context, routingKey string, msg amqp091.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil {
		return fmt.Errorf("publish %s: channel not open", routingKey)
	}
	// amqp091 channels are not safe for concurrent publishes
	if err := p.channel.PublishWithContext(ctx, ExchangeName, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

func statusChangedMessage(change transition.StatusChange) (amqp091.Publishing, error) {
	body, err := json.Marshal(change)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("marshal status change: %w", err)
	}
	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    change.ChangedAt,
		Type:         RoutingKeyNodeStatusChanged,
		Headers: amqp091.Table{
			"project_id": change.ProjectID,
		},
		Body: body,
	}, nil
}
