package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
)

type published struct {
	key string
	msg amqp.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{key: key, msg: msg})
	return nil
}

type fakeAck struct {
	acked, nacked, requeued int
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error { a.acked++; return nil }
func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked++
	if requeue {
		a.requeued++
	}
	return nil
}
func (a *fakeAck) Reject(tag uint64, requeue bool) error { a.nacked++; return nil }

type fakeEngine struct {
	err  error
	seen []string
}

func (e *fakeEngine) Advance(ctx context.Context, id string) error {
	e.seen = append(e.seen, id)
	return e.err
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func delivery(t *testing.T, ack amqp.Acknowledger, id string, retries int32) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(AdvanceJob{InstanceID: id})
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, Body: body, Headers: amqp.Table{retryHeader: retries}}
}

func TestAdvancePublisherPublishesOneJobPerInstance(t *testing.T) {
	pub := &fakePublisher{}
	p := &AdvancePublisher{Channel: pub, Queue: "campaign_advance", Logger: discard()}

	require.NoError(t, p.Dispatch(context.Background(), []string{"i1", "i2"}))
	require.Len(t, pub.msgs, 2)
	for i, want := range []string{"i1", "i2"} {
		var job AdvanceJob
		require.NoError(t, json.Unmarshal(pub.msgs[i].msg.Body, &job))
		assert.Equal(t, want, job.InstanceID)
		assert.Equal(t, "campaign_advance", pub.msgs[i].key)
		assert.Equal(t, amqp.Persistent, pub.msgs[i].msg.DeliveryMode)
		assert.Equal(t, 0, retryCount(pub.msgs[i].msg.Headers))
	}

	pub.err = errors.New("channel closed")
	assert.Error(t, p.Dispatch(context.Background(), []string{"i3"}))
}

func TestConsumerAcksSuccessfulJob(t *testing.T) {
	engine := &fakeEngine{}
	c := &Consumer{Engine: engine, Republish: &fakePublisher{}, Queue: "q", MaxRetries: 3, Logger: discard()}
	ack := &fakeAck{}

	c.Handle(context.Background(), delivery(t, ack, "i1", 0))
	assert.Equal(t, []string{"i1"}, engine.seen)
	assert.Equal(t, 1, ack.acked)
	assert.Zero(t, ack.nacked)
}

func TestConsumerRetriesThenGivesUp(t *testing.T) {
	engine := &fakeEngine{err: errors.New("db down")}
	pub := &fakePublisher{}
	c := &Consumer{Engine: engine, Republish: pub, Queue: "q", MaxRetries: 2, Logger: discard()}

	ack := &fakeAck{}
	c.Handle(context.Background(), delivery(t, ack, "i1", 1))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, 2, retryCount(pub.msgs[0].msg.Headers))
	assert.Equal(t, 1, ack.acked)

	ack = &fakeAck{}
	c.Handle(context.Background(), delivery(t, ack, "i1", 2))
	assert.Len(t, pub.msgs, 1)
	assert.Equal(t, 1, ack.acked)
}

func TestConsumerRequeuesWhenRepublishFails(t *testing.T) {
	engine := &fakeEngine{err: errors.New("db down")}
	c := &Consumer{Engine: engine, Republish: &fakePublisher{err: errors.New("closed")}, Queue: "q", MaxRetries: 3, Logger: discard()}
	ack := &fakeAck{}

	c.Handle(context.Background(), delivery(t, ack, "i1", 0))
	assert.Zero(t, ack.acked)
	assert.Equal(t, 1, ack.requeued)
}

func TestConsumerDropsUnknownAndMalformedJobs(t *testing.T) {
	engine := &fakeEngine{err: appErrors.New(appErrors.CodeInstanceNotFound, "gone")}
	pub := &fakePublisher{}
	c := &Consumer{Engine: engine, Republish: pub, Queue: "q", MaxRetries: 3, Logger: discard()}

	ack := &fakeAck{}
	c.Handle(context.Background(), delivery(t, ack, "i1", 0))
	assert.Equal(t, 1, ack.acked)
	assert.Empty(t, pub.msgs)

	ack = &fakeAck{}
	c.Handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("not json")})
	assert.Equal(t, 1, ack.acked)
	assert.Len(t, engine.seen, 1)
}

func TestConsumerRunStopsOnCancel(t *testing.T) {
	engine := &fakeEngine{}
	c := &Consumer{Engine: engine, Republish: &fakePublisher{}, Queue: "q", Logger: discard()}
	deliveries := make(chan amqp.Delivery, 1)
	ack := &fakeAck{}
	deliveries <- delivery(t, ack, "i1", 0)
	close(deliveries)

	err := c.Run(context.Background(), deliveries)
	assert.Error(t, err)
	assert.Equal(t, []string{"i1"}, engine.seen)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Run(ctx, make(chan amqp.Delivery)), context.Canceled)
}
