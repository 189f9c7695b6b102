package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/0x6d61/proctor/internal/engine"
)

// DefaultExchange is the topic exchange interview events are published to.
const DefaultExchange = "proctor.events"

// amqpChannel is the subset of *amqp091.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher publishes engine events to a RabbitMQ topic exchange. The
// routing key is "interview." followed by the event type, e.g.
// "interview.session.terminated".
type Publisher struct {
	conn     *amqp091.Connection
	channel  amqpChannel
	exchange string
	enabled  bool
	timeout  time.Duration
	logger   *slog.Logger
}

// NewPublisher connects to url and declares the exchange. An empty url
// returns a disabled publisher that drops every event.
func NewPublisher(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	if url == "" {
		logger.Info("AMQP URL is empty, event publishing is disabled")
		return &Publisher{exchange: exchange, logger: logger}, nil
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}

	return newPublisher(conn, ch, exchange, logger), nil
}

func newPublisher(conn *amqp091.Connection, ch amqpChannel, exchange string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		enabled:  true,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// Enabled reports whether events are actually published.
func (p *Publisher) Enabled() bool {
	return p.enabled
}

// RoutingKey returns the routing key used for an event type.
func RoutingKey(t engine.EventType) string {
	return "interview." + string(t)
}

// Publish sends ev to the exchange.
func (p *Publisher) Publish(ctx context.Context, ev engine.Event) error {
	if !p.enabled {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.channel.PublishWithContext(
		pubCtx,
		p.exchange,          // exchange
		RoutingKey(ev.Type), // routing key
		false,               // mandatory
		false,               // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    ev.Time,
			MessageId:    fmt.Sprintf("%s/%d", ev.SessionID, sessionVersion(ev)),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.Type, err)
	}
	return nil
}

// Notify implements engine.Notifier. It blocks on the broker, so run it
// behind a Bus.
func (p *Publisher) Notify(ev engine.Event) {
	if err := p.Publish(context.Background(), ev); err != nil {
		p.logger.Warn("failed to publish event", "type", ev.Type, "session", ev.SessionID, "error", err)
	}
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	if !p.enabled {
		return nil
	}
	if err := p.channel.Close(); err != nil {
		p.logger.Debug("closing AMQP channel", "error", err)
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func sessionVersion(ev engine.Event) int64 {
	if ev.Session == nil {
		return 0
	}
	return ev.Session.Version
}
