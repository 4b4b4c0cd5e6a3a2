package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"storefront/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	fetchErrs []error
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func orderPlacedEvent() *models.OrderPlacedEvent {
	return &models.OrderPlacedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   "evt-1",
			EventType: models.EventTypeOrderPlaced,
			Timestamp: time.Now(),
		},
		OrderID:    42,
		TotalPrice: decimal.NewFromInt(2500),
		Items: []models.OrderItemData{
			{ProductID: 1, Quantity: 2, Price: decimal.NewFromInt(1000)},
			{ProductID: 2, Quantity: 1, Price: decimal.NewFromInt(500)},
		},
	}
}

func TestPublishOrderPlaced(t *testing.T) {
	writer := &fakeWriter{}
	publisher := NewEventPublisher(newProducer(writer, "orders"))

	require.NoError(t, publisher.PublishOrderPlaced(context.Background(), orderPlacedEvent()))
	require.Len(t, writer.msgs, 1)
	assert.Equal(t, "order-42", string(writer.msgs[0].Key))

	var decoded models.OrderPlacedEvent
	require.NoError(t, json.Unmarshal(writer.msgs[0].Value, &decoded))
	assert.Equal(t, models.EventTypeOrderPlaced, decoded.EventType)
	assert.Equal(t, []int64{1, 2}, decoded.ProductIDs())
}

func TestPublishOrderPlacedWriteError(t *testing.T) {
	writer := &fakeWriter{err: errors.New("no leader")}
	publisher := NewEventPublisher(newProducer(writer, "orders"))

	err := publisher.PublishOrderPlaced(context.Background(), orderPlacedEvent())
	assert.ErrorContains(t, err, "no leader")
}

func TestHandleMessageRoutesOrderPlaced(t *testing.T) {
	payload, err := json.Marshal(orderPlacedEvent())
	require.NoError(t, err)

	var got *models.OrderPlacedEvent
	handler := NewEventHandler()
	handler.OnOrderPlaced(func(_ context.Context, event *models.OrderPlacedEvent) error {
		got = event
		return nil
	})

	require.NoError(t, handler.HandleMessage(context.Background(), kafka.Message{Value: payload}))
	require.NotNil(t, got)
	assert.Equal(t, int64(42), got.OrderID)
	assert.True(t, decimal.NewFromInt(2500).Equal(got.TotalPrice))
}

func TestHandleMessageIgnoresUnknownEvents(t *testing.T) {
	handler := NewEventHandler()
	handler.OnOrderPlaced(func(context.Context, *models.OrderPlacedEvent) error {
		t.Fatal("unexpected call")
		return nil
	})

	msg := kafka.Message{Value: []byte(`{"event_type":"SOMETHING_ELSE"}`)}
	assert.NoError(t, handler.HandleMessage(context.Background(), msg))

	err := handler.HandleMessage(context.Background(), kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)
}

func TestStartConsumingCommitsAndStops(t *testing.T) {
	reader := &fakeReader{
		queue:     []kafka.Message{{Offset: 1}, {Offset: 2}},
		fetchErrs: []error{errors.New("rebalance")},
	}
	consumer := newConsumer(reader, "orders")
	consumer.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	var handled []int64
	var mu sync.Mutex
	go func() {
		done <- consumer.StartConsuming(ctx, func(_ context.Context, msg kafka.Message) error {
			mu.Lock()
			defer mu.Unlock()
			handled = append(handled, msg.Offset)
			return errors.New("handler failed")
		})
	}()

	require.Eventually(t, func() bool {
		return len(reader.committedOffsets()) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2}, handled)
	assert.Equal(t, []int64{1, 2}, reader.committedOffsets())
}
