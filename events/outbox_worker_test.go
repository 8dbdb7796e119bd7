package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/gpay-escrow/escrow"
	"github.com/yourusername/gpay-escrow/models"
	"github.com/yourusername/gpay-escrow/store"
	"github.com/yourusername/gpay-escrow/store/storetest"
	"gorm.io/gorm"
)

type published struct {
	eventType string
	key       string
	payload   []byte
}

type fakePublisher struct {
	sent []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, eventType string, payload []byte, key string) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{eventType: eventType, key: key, payload: payload})
	return nil
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func seed(t *testing.T) (*gorm.DB, *store.Store) {
	t.Helper()
	db := storetest.NewDB(t)
	s := store.New(db)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Enqueue(context.Background(), []escrow.Event{
		escrow.DisputeOpened{ContractID: "contract-1", OpenedBy: "client-1", Reason: "late"},
		escrow.ContractCompletedEvent{ContractID: "contract-2", CompletedAt: at},
	}, at))
	return db, s
}

func TestOutboxWorkerPublishesInOrder(t *testing.T) {
	_, s := seed(t)
	pub := &fakePublisher{}
	w := NewOutboxWorker(discard, s, pub, time.Second, 10, 3)

	require.NoError(t, w.processOnce(context.Background()))
	require.Len(t, pub.sent, 2)
	assert.Equal(t, escrow.EventDisputeOpened, pub.sent[0].eventType)
	assert.Equal(t, "contract-1", pub.sent[0].key)
	assert.Equal(t, escrow.EventContractCompleted, pub.sent[1].eventType)

	var env store.Envelope
	require.NoError(t, json.Unmarshal(pub.sent[0].payload, &env))
	assert.Equal(t, "contract-1", env.ContractID)
	assert.JSONEq(t, `{"contract_id":"contract-1","opened_by":"client-1","reason":"late"}`, string(env.Data))

	require.NoError(t, w.processOnce(context.Background()))
	assert.Len(t, pub.sent, 2)
}

func TestOutboxWorkerRetriesThenDeadLetters(t *testing.T) {
	db, s := seed(t)
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	w := NewOutboxWorker(discard, s, pub, time.Second, 10, 2)

	require.NoError(t, w.processOnce(context.Background()))
	rows, err := s.FetchUnpublished(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].RetryCount)
	assert.Equal(t, "broker unavailable", rows[0].LastError)

	require.NoError(t, w.processOnce(context.Background()))
	rows, err = s.FetchUnpublished(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	var dead int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).Where("dead_lettered_at IS NOT NULL").Count(&dead).Error)
	assert.Equal(t, int64(2), dead)
}

func TestOutboxWorkerRunStopsOnCancel(t *testing.T) {
	_, s := seed(t)
	pub := &fakePublisher{}
	w := NewOutboxWorker(discard, s, pub, 10*time.Millisecond, 10, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		rows, err := s.FetchUnpublished(context.Background(), 10)
		return err == nil && len(rows) == 0
	}, time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestLoggingPublisher(t *testing.T) {
	assert.NoError(t, NewLoggingPublisher(discard).Publish(context.Background(), "ContractCreated", []byte(`{}`), "c-1"))
}

func TestKafkaPublisherConfig(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "escrow.events", nil)
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "", nil)
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "escrow.events", map[string]string{
		escrow.EventPaymentFailed: "escrow.alerts",
	})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, "escrow.alerts", p.topicFor(escrow.EventPaymentFailed))
	assert.Equal(t, "escrow.events", p.topicFor(escrow.EventEscrowFunded))
}
