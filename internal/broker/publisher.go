package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"gowa-dispatch/internal/model"
)

var ErrNotConfigured = errors.New("amqp url not configured")

const dialTimeout = 5 * time.Second

// Publisher mirrors bus events onto a topic exchange. The routing key is
// the event name, e.g. "message.received". One connection and channel are
// shared and re-dialed lazily after a failure.
type Publisher struct {
	url      string
	exchange string
	log      zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewPublisher(url, exchange string, log zerolog.Logger) *Publisher {
	if exchange == "" {
		exchange = "wa.events"
	}
	return &Publisher{url: url, exchange: exchange, log: log}
}

// Connect dials eagerly so misconfiguration shows up at startup.
func (p *Publisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.ensure()
	return err
}

// ensure must be called with mu held.
func (p *Publisher) ensure() (*amqp.Channel, error) {
	if p.url == "" {
		return nil, ErrNotConfigured
	}
	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.closeLocked()

	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(dialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		p.exchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	p.conn = conn
	p.ch = ch
	p.log.Info().Str("exchange", p.exchange).Msg("AMQP event publisher connected")
	return ch, nil
}

// Deliver publishes one event as a persistent JSON message.
func (p *Publisher) Deliver(ctx context.Context, evt model.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.ensure()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx,
		p.exchange,
		RoutingKey(evt),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    evt.Timestamp,
			Headers:      amqp.Table{"sessionId": evt.SessionID},
			Body:         body,
		},
	)
	if err != nil {
		p.closeLocked()
		return fmt.Errorf("publish: %w", err)
	}
	p.log.Debug().Str("rk", RoutingKey(evt)).Int("bytes", len(body)).Msg("amqp event published")
	return nil
}

func RoutingKey(evt model.Event) string {
	if evt.Event == "" {
		return "unknown"
	}
	return evt.Event
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
