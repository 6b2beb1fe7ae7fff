package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// Sink delivers encoded events to an external transport.
type Sink interface {
	Deliver(ctx context.Context, kind Kind, payload []byte) error
	Close() error
}

// Forward drains src into sink until src is closed or ctx is done.
// Delivery failures are logged and never reach the publisher.
func Forward(ctx context.Context, src <-chan Event, sink Sink, timeout time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-src:
			if !ok {
				return
			}
			payload, err := Encode(e)
			if err != nil {
				logger.Warn("encode event", "kind", e.EventKind(), "error", err)
				continue
			}
			dctx, cancel := context.WithTimeout(ctx, timeout)
			if err := sink.Deliver(dctx, e.EventKind(), payload); err != nil {
				logger.Warn("deliver event", "kind", e.EventKind(), "error", err)
			}
			cancel()
		}
	}
}

// RedisConfig configures the Redis pub/sub sink.
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Channel  string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// RedisSink publishes events to a Redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "agentcore:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisSink{client: client, channel: channel}, nil
}

// Deliver publishes payload on the configured channel.
func (s *RedisSink) Deliver(ctx context.Context, kind Kind, payload []byte) error {
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", kind, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// AMQPConfig configures the AMQP sink.
type AMQPConfig struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange,omitempty" yaml:"exchange,omitempty"`
}

// AMQPSink publishes events to a topic exchange, routed by event kind.
type AMQPSink struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPSink dials the broker and declares the exchange.
func NewAMQPSink(cfg AMQPConfig) (*AMQPSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "agentcore.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange}, nil
}

// Deliver publishes payload with the event kind as routing key.
func (s *AMQPSink) Deliver(ctx context.Context, kind Kind, payload []byte) error {
	return s.ch.PublishWithContext(ctx, s.exchange, string(kind), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        payload,
	})
}

// Close closes the channel and connection.
func (s *AMQPSink) Close() error {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
