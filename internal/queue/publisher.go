package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AuthEventsQueue is the durable queue auth events are routed to.
const AuthEventsQueue = "auth.events"

// Publisher emits auth events.  Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev AuthEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, AuthEvent) error { return nil }

// AMQPPublisher publishes events to RabbitMQ, dialing per publish.  Errors
// are returned, not logged; callers log once and carry on.
type AMQPPublisher struct {
	URL   string
	Queue string
}

// defaultDialTimeout applies when ctx carries no deadline.
const defaultDialTimeout = 5 * time.Second

// NewAMQPPublisher returns a publisher for AuthEventsQueue.
func NewAMQPPublisher(url string) *AMQPPublisher {
	return &AMQPPublisher{URL: url, Queue: AuthEventsQueue}
}

// Publish sends ev as a persistent JSON message on the default exchange.  The
// TCP dial and AMQP handshake are bounded by the deadline of ctx.
func (p *AMQPPublisher) Publish(ctx context.Context, ev AuthEvent) error {
	timeout, err := dialTimeout(ctx)
	if err != nil {
		return err
	}
	conn, err := amqp.DialConfig(p.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	// Idempotent; durable so events survive broker restarts.
	if _, err := ch.QueueDeclare(p.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq declare %s: %w", p.Queue, err)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         string(ev.Type),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", p.Queue, false, false, pub); err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}

func dialTimeout(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return defaultDialTimeout, nil
	}
	d := time.Until(deadline)
	if d <= 0 {
		return 0, context.DeadlineExceeded
	}
	return d, nil
}
