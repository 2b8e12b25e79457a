package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"
)

const authRoutingPattern = "auth.#"

// RabbitMQ owns the broker connection used to move events between processes.
type RabbitMQ struct {
	conn     *amqp091.Connection
	Channel  *amqp091.Channel
	Exchange string
	Queue    string
}

// DialRabbitMQ connects, declares a durable topic exchange and a durable queue
// bound to every auth event.
func DialRabbitMQ(url, exchange, queue string) (*RabbitMQ, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(queue, authRoutingPattern, exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &RabbitMQ{conn: conn, Channel: ch, Exchange: exchange, Queue: queue}, nil
}

// Consume starts delivery with manual acknowledgement.
func (r *RabbitMQ) Consume(prefetch int) (<-chan amqp091.Delivery, error) {
	if err := r.Channel.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	return r.Channel.Consume(r.Queue, "", false, false, false, false, nil)
}

// Ping reports whether the broker connection and channel are still open.
func (r *RabbitMQ) Ping(context.Context) error {
	if r.conn == nil || r.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	if r.Channel == nil || r.Channel.IsClosed() {
		return errors.New("rabbitmq channel closed")
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	if r.Channel != nil {
		r.Channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// Publisher is the contract shared by EventBus and AMQPForwarder.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// AMQPForwarder publishes events to the broker instead of running handlers in
// process. It satisfies the same Publish contract as EventBus.
type AMQPForwarder struct {
	ch       channelPublisher
	exchange string
	fallback Publisher
	logger   *slog.Logger
}

type ForwarderOption func(*AMQPForwarder)

// WithFallback hands an event to the given publisher when the broker refuses
// it, so in-process subscribers still see it.
func WithFallback(p Publisher) ForwarderOption {
	return func(f *AMQPForwarder) {
		f.fallback = p
	}
}

func NewAMQPForwarder(ch channelPublisher, exchange string, logger *slog.Logger, opts ...ForwarderOption) *AMQPForwarder {
	f := &AMQPForwarder{ch: ch, exchange: exchange, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *AMQPForwarder) Publish(ctx context.Context, event Event) error {
	err := f.forward(ctx, event)
	if err == nil || f.fallback == nil {
		return err
	}

	f.logger.Warn("broker publish failed, delivering in process",
		"event_type", event.EventType(), "event_id", event.EventID(), "error", err)
	if fbErr := f.fallback.Publish(ctx, event); fbErr != nil {
		return errors.Join(err, fmt.Errorf("fallback publish: %w", fbErr))
	}
	return nil
}

func (f *AMQPForwarder) forward(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = f.ch.PublishWithContext(ctx, f.exchange, event.EventType(), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    event.EventID(),
		Type:         event.EventType(),
		Timestamp:    event.OccurredAt(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	f.logger.Info("event forwarded", "event_type", event.EventType(), "event_id", event.EventID())
	return nil
}

type syncPublisher interface {
	PublishSync(ctx context.Context, event Event) error
}

// AMQPConsumer hands broker deliveries to the in-process bus. Failed handlers
// requeue the message; undecodable messages are dropped.
type AMQPConsumer struct {
	bus    syncPublisher
	logger *slog.Logger
}

func NewAMQPConsumer(bus syncPublisher, logger *slog.Logger) *AMQPConsumer {
	return &AMQPConsumer{bus: bus, logger: logger}
}

// Run blocks until ctx is done or the delivery channel closes.
func (c *AMQPConsumer) Run(ctx context.Context, deliveries <-chan amqp091.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.Handle(ctx, d)
		}
	}
}

func (c *AMQPConsumer) Handle(ctx context.Context, d amqp091.Delivery) {
	eventType := d.Type
	if eventType == "" {
		eventType = d.RoutingKey
	}

	event, err := Decode(eventType, d.Body)
	if err != nil {
		c.logger.Error("dropping undecodable message", "event_type", eventType, "message_id", d.MessageId, "error", err)
		if err := d.Nack(false, false); err != nil {
			c.logger.Error("failed to nack message", "error", err)
		}
		return
	}

	if err := c.bus.PublishSync(ctx, event); err != nil {
		c.logger.Warn("event handler failed, requeueing", "event_type", eventType, "event_id", event.EventID(), "error", err)
		if err := d.Nack(false, true); err != nil {
			c.logger.Error("failed to nack message", "error", err)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "event_id", event.EventID(), "error", err)
	}
}
