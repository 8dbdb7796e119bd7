package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/yourusername/gpay-escrow/models"
)

// Outbox is the slice of the store the worker drains.
type Outbox interface {
	FetchUnpublished(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, errMsg string, at time.Time) error
	MarkDeadLettered(ctx context.Context, id, errMsg string, at time.Time) error
}

// OutboxWorker pulls unpublished outbox records and publishes them, so that
// contract writes never wait on the broker.
type OutboxWorker struct {
	logger     *slog.Logger
	outbox     Outbox
	publisher  Publisher
	interval   time.Duration
	batchSize  int
	maxRetries int
	now        func() time.Time
}

func NewOutboxWorker(logger *slog.Logger, outbox Outbox, publisher Publisher, interval time.Duration, batchSize, maxRetries int) *OutboxWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &OutboxWorker{
		logger:     logger,
		outbox:     outbox,
		publisher:  publisher,
		interval:   interval,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the periodic publish loop until ctx is cancelled.
func (w *OutboxWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.processOnce(ctx); err != nil {
			w.logger.ErrorContext(ctx, "outbox iteration failed",
				"module", "events.outbox_worker",
				"operation", "outbox_process_once",
				"outcome", "failure",
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *OutboxWorker) processOnce(ctx context.Context) error {
	records, err := w.outbox.FetchUnpublished(ctx, w.batchSize)
	if err != nil {
		return err
	}

	now := w.now()
	published, failed, deadLettered := 0, 0, 0
	for _, rec := range records {
		err := w.publisher.Publish(ctx, rec.EventType, []byte(rec.Payload), rec.PartitionKey)
		if err == nil {
			published++
			_ = w.outbox.MarkPublished(ctx, rec.ID, now)
			continue
		}

		failed++
		attrs := []any{
			"module", "events.outbox_worker",
			"operation", "publish_event",
			"outcome", "failure",
			"outbox_id", rec.ID,
			"event_type", rec.EventType,
			"contract_id", rec.PartitionKey,
			"retry_count", rec.RetryCount + 1,
			"error", err,
		}
		if rec.RetryCount+1 >= w.maxRetries {
			deadLettered++
			w.logger.ErrorContext(ctx, "outbox message dead-lettered", attrs...)
			_ = w.outbox.MarkDeadLettered(ctx, rec.ID, err.Error(), now)
			continue
		}
		w.logger.WarnContext(ctx, "outbox publish failed; retry scheduled", attrs...)
		_ = w.outbox.MarkFailed(ctx, rec.ID, err.Error(), now)
	}
	if len(records) > 0 {
		w.logger.InfoContext(ctx, "outbox batch processed",
			"module", "events.outbox_worker",
			"operation", "outbox_process_once",
			"outcome", "success",
			"batch_size", len(records),
			"published_count", published,
			"failed_count", failed,
			"dead_lettered_count", deadLettered,
		)
	}
	return nil
}
