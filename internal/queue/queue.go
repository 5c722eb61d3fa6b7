package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
)

const retryHeader = "x-retry-count"

// Publisher is the part of *amqp.Channel used for publishing.
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Dial opens a connection and a channel on it.
func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return conn, ch, nil
}

// ChannelOpener is the part of *amqp.Connection that opens channels.
type ChannelOpener interface {
	Channel() (*amqp.Channel, error)
}

// OpenChannel opens an extra channel on conn. Channels are not safe for
// concurrent publishing, so each publisher gets its own.
func OpenChannel(conn ChannelOpener) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// DeclareAdvanceQueue declares the durable queue carrying advance jobs.
func DeclareAdvanceQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("declare queue %s: %w", name, err)
	}
	return q, nil
}

// AdvanceJob asks a worker to advance one recipient instance.
type AdvanceJob struct {
	InstanceID string `json:"instance_id"`
}

func encodeJob(job AdvanceJob, retries int) (amqp.Publishing, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{retryHeader: int32(retries)},
		Body:         body,
	}, nil
}

// AdvancePublisher dispatches instances to the advance queue instead of
// running them in process.
type AdvancePublisher struct {
	Channel Publisher
	Queue   string
	Logger  *slog.Logger

	mu sync.Mutex
}

func (p *AdvancePublisher) Dispatch(ctx context.Context, instanceIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range instanceIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := encodeJob(AdvanceJob{InstanceID: id}, 0)
		if err != nil {
			return err
		}
		if err := p.Channel.Publish("", p.Queue, false, false, msg); err != nil {
			return fmt.Errorf("publish advance job for %s: %w", id, err)
		}
	}
	if len(instanceIDs) > 0 {
		p.Logger.DebugContext(ctx, "advance jobs published", slog.Int("count", len(instanceIDs)), slog.String("queue", p.Queue))
	}
	return nil
}

// Advancer runs a recipient instance forward.
type Advancer interface {
	Advance(ctx context.Context, instanceID string) error
}

// Consumer advances instances named by deliveries. A failed job is
// republished with a bumped retry count until MaxRetries is reached.
type Consumer struct {
	Engine     Advancer
	Republish  Publisher
	Queue      string
	MaxRetries int
	Logger     *slog.Logger

	mu sync.Mutex
}

// Run blocks until ctx is cancelled or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
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

// Handle processes one delivery and always settles it.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	var job AdvanceJob
	if err := json.Unmarshal(d.Body, &job); err != nil || job.InstanceID == "" {
		c.Logger.WarnContext(ctx, "dropping invalid advance job", slog.String("body", string(d.Body)))
		d.Ack(false)
		return
	}
	log := c.Logger.With(slog.String("instance_id", job.InstanceID))

	err := c.Engine.Advance(ctx, job.InstanceID)
	if err == nil || appErrors.KindOf(err) == appErrors.KindNotFound {
		if err != nil {
			log.WarnContext(ctx, "advance job for unknown instance", slog.Any("error", err))
		}
		d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	if retries >= c.MaxRetries {
		log.ErrorContext(ctx, "advance job failed permanently", slog.Int("attempts", retries+1), slog.Any("error", err))
		d.Ack(false)
		return
	}
	log.WarnContext(ctx, "advance job failed, retrying", slog.Int("attempt", retries+1), slog.Any("error", err))

	msg, encErr := encodeJob(job, retries+1)
	if encErr == nil {
		c.mu.Lock()
		encErr = c.Republish.Publish("", c.Queue, false, false, msg)
		c.mu.Unlock()
	}
	if encErr != nil {
		log.ErrorContext(ctx, "failed to republish advance job", slog.Any("error", encErr))
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}
