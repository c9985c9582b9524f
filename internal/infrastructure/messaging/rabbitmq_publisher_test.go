package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
	closed   bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestPublish_SendsPersistentJSON(t *testing.T) {
	ch := &fakeChannel{}
	p := &RabbitMQPublisher{channel: ch, exchange: "ledger.events"}
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := p.Publish(context.Background(), Message{
		ID:         "op-1",
		RoutingKey: "ledger.operation.investment",
		Type:       "INVESTMENT",
		Payload:    map[string]string{"operation_id": "op-1"},
		Timestamp:  ts,
	})
	require.NoError(t, err)

	assert.Equal(t, "ledger.events", ch.exchange)
	assert.Equal(t, "ledger.operation.investment", ch.key)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, "op-1", ch.msg.MessageId)
	assert.Equal(t, ts, ch.msg.Timestamp)
	assert.JSONEq(t, `{"operation_id":"op-1"}`, string(ch.msg.Body))
}

func TestPublish_WrapsBrokerError(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	p := &RabbitMQPublisher{channel: ch, exchange: "ledger.events"}

	err := p.Publish(context.Background(), Message{RoutingKey: "ledger.operation.deposit", Payload: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.operation.deposit")
}

func TestPublish_RejectsUnmarshalablePayload(t *testing.T) {
	p := &RabbitMQPublisher{channel: &fakeChannel{}, exchange: "x"}
	err := p.Publish(context.Background(), Message{RoutingKey: "k", Payload: make(chan int)})
	assert.Error(t, err)
}

func TestClose_ClosesChannel(t *testing.T) {
	ch := &fakeChannel{}
	p := &RabbitMQPublisher{channel: ch}
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}
