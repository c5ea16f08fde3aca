// Package events fans recorded delivery events out to an AMQP exchange.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/streadway/amqp"

	"github.com/foxzi/outreach/internal/models"
)

// Config contains event publishing settings
type Config struct {
	AMQPURL  string `yaml:"amqp_url" envconfig:"AMQP_URL"`
	Exchange string `yaml:"exchange" split_words:"true"`
}

// Enabled reports whether a broker is configured
func (c Config) Enabled() bool {
	return c.AMQPURL != ""
}

// Channel is the subset of *amqp.Channel used for publishing
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// DialFunc opens a channel with the exchange declared. The closer releases the connection.
type DialFunc func(cfg Config) (Channel, io.Closer, error)

// Publisher publishes delivery events as JSON with routing key delivery.<type>.
// A broken connection is redialed on the next publish.
type Publisher struct {
	cfg    Config
	dial   DialFunc
	logger *slog.Logger

	mu     sync.Mutex
	ch     Channel
	closer io.Closer
}

// NewPublisher creates a publisher that dials lazily
func NewPublisher(cfg Config, logger *slog.Logger) *Publisher {
	return NewPublisherWithDialer(cfg, DialAMQP, logger)
}

// NewPublisherWithDialer creates a publisher with a custom dialer
func NewPublisherWithDialer(cfg Config, dial DialFunc, logger *slog.Logger) *Publisher {
	if cfg.Exchange == "" {
		cfg.Exchange = "outreach.events"
	}
	return &Publisher{
		cfg:    cfg,
		dial:   dial,
		logger: logger.With("component", "events"),
	}
}

// DialAMQP connects to the broker and declares a durable topic exchange
func DialAMQP(cfg Config) (Channel, io.Closer, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // kind
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	return ch, conn, nil
}

// RoutingKey returns the routing key of an event type
func RoutingKey(t models.EventType) string {
	return "delivery." + strings.ToLower(string(t))
}

// Publish sends one event to the exchange
func (p *Publisher) Publish(ctx context.Context, ev *models.DeliveryEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		ch, closer, err := p.dial(p.cfg)
		if err != nil {
			return err
		}
		p.ch, p.closer = ch, closer
		p.logger.Info("connected to event broker", "exchange", p.cfg.Exchange)
	}

	err = p.ch.Publish(
		p.cfg.Exchange,
		RoutingKey(ev.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID,
			Timestamp:    ev.Timestamp,
			Type:         string(ev.Type),
			Body:         body,
		},
	)
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (p *Publisher) resetLocked() {
	if p.closer != nil {
		if err := p.closer.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			p.logger.Debug("failed to close broker connection", "error", err)
		}
	}
	p.ch, p.closer = nil, nil
}

// Close closes the broker connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}
