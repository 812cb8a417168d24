package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AuditLogFile is the file under the consumer's directory events are appended to.
const AuditLogFile = "auth.log"

// Consumer drains the auth events queue into an append-only audit log.
type Consumer struct {
	URL   string
	Queue string
	Dir   string
	Log   *slog.Logger
}

// NewConsumer returns a consumer writing to dir/auth.log.
func NewConsumer(url, dir string, log *slog.Logger) *Consumer {
	return &Consumer{URL: url, Queue: AuthEventsQueue, Dir: dir, Log: log}
}

// Run connects to the broker and consumes until ctx is cancelled, redialing
// with exponential backoff (capped at 30s) whenever the connection drops.
// Messages that cannot be handled are rejected without requeue so a poison
// message cannot spin the loop.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			c.Log.Warn("auth-consumer dial failed", "error", err, "retry_in", backoff.String())
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.Log.Warn("auth-consumer loop ended, reconnecting", "error", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.Log.Warn("auth-consumer set QoS failed", "error", err)
	}
	if _, err := ch.QueueDeclare(c.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.Handle(d.Body); err != nil {
				c.Log.Warn("auth-consumer handle message failed", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Handle appends one audit line for a JSON-encoded AuthEvent.
func (c *Consumer) Handle(body []byte) error {
	var ev AuthEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Type == "" {
		return errors.New("event without type")
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", c.Dir, err)
	}
	f, err := os.OpenFile(filepath.Join(c.Dir, AuditLogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatLine(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// FormatLine renders ev as one human-friendly log line.
func FormatLine(ev AuthEvent) string {
	line := fmt.Sprintf("[%s] %s | user_id=%s", ev.OccurredAt, ev.Type, ev.UserID)
	if ev.Phone != "" {
		line += " | phone=" + ev.Phone
	}
	if ev.Reason != "" {
		line += fmt.Sprintf(" | reason=%q", ev.Reason)
	}
	return line + "\n"
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
