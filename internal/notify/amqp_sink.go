package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"kasirinaja/ledger/internal/domain"
)

// AMQPSink publishes events to a fanout exchange, routed by event type.
type AMQPSink struct {
	exchange string
	conn     *amqp.Connection

	mu      sync.Mutex
	channel *amqp.Channel
}

func NewAMQPSink(url string, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AMQPSink{exchange: exchange, conn: conn, channel: ch}, nil
}

func (s *AMQPSink) Publish(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn.IsClosed() {
		return fmt.Errorf("amqp connection is closed")
	}
	return s.channel.PublishWithContext(ctx,
		s.exchange,
		n.Type,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    n.CreatedAt,
			Body:         body,
		})
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		_ = s.channel.Close()
	}
	return s.conn.Close()
}
