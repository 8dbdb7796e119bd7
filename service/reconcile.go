package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourusername/gpay-escrow/escrow"
	"github.com/yourusername/gpay-escrow/store"
	"github.com/yourusername/gpay-escrow/telemetry"
	"github.com/yourusername/gpay-escrow/webhook"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Result is what happened to one gateway event.
type Result string

const (
	ResultApplied   Result = store.OutcomeApplied
	ResultDuplicate Result = store.OutcomeDuplicate
	ResultRejected  Result = store.OutcomeRejected
)

// Reconciler applies verified gateway events to payment records and contracts.
// Each event is applied at most once, in a single transaction.
type Reconciler struct {
	store  *store.Store
	log    *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewReconciler(st *store.Store, logger *slog.Logger, now func() time.Time) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{store: st, log: logger, tracer: telemetry.Tracer(), now: now}
}

// Handle applies ev. A replayed event returns ResultDuplicate and no error.
// An event whose gateway reference matches no payment returns
// ErrUnknownPaymentReference and is not recorded, so it can be replayed later.
func (r *Reconciler) Handle(ctx context.Context, ev webhook.Event) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "escrow.reconcile", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.kind", string(ev.Kind)),
	))
	defer span.End()

	res, err := Retry(ctx, func() (Result, error) { return r.handleOnce(ctx, ev) })
	if errors.Is(err, escrow.ErrDuplicateEvent) {
		// another delivery of the same event committed first
		res, err = ResultDuplicate, nil
	}

	attrs := []any{
		"module", "reconciler",
		"operation", "handle_event",
		"event_id", ev.ID,
		"event_kind", string(ev.Kind),
		"gateway_ref", ev.GatewayRef,
	}
	switch {
	case errors.Is(err, escrow.ErrUnknownPaymentReference):
		r.log.ErrorContext(ctx, "gateway event references no payment", append(attrs, "outcome", "failure", "error", err)...)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.ErrorContext(ctx, "gateway event failed", append(attrs, "outcome", "failure", "error", err)...)
	case res == ResultRejected:
		r.log.WarnContext(ctx, "gateway event rejected", append(attrs, "outcome", string(res))...)
	default:
		r.log.InfoContext(ctx, "gateway event handled", append(attrs, "outcome", string(res))...)
	}
	return res, err
}

func (r *Reconciler) handleOnce(ctx context.Context, ev webhook.Event) (Result, error) {
	now := r.now()
	var result Result
	err := r.store.Tx(ctx, func(tx *store.Store) error {
		done, err := tx.IsProcessed(ctx, ev.ID)
		if err != nil {
			return err
		}
		if done {
			result = ResultDuplicate
			return nil
		}

		p, err := tx.PaymentByGatewayRef(ctx, ev.GatewayRef)
		if errors.Is(err, escrow.ErrNotFound) {
			return fmt.Errorf("%w: %s", escrow.ErrUnknownPaymentReference, ev.GatewayRef)
		}
		if err != nil {
			return err
		}

		switch {
		case !ev.Applies(p.Type):
			result = ResultRejected
		default:
			_, err = settle(ctx, tx, p, ev.Succeeded(), ev.Reason, now)
			switch {
			case err == nil:
				result = ResultApplied
			case errors.Is(err, escrow.ErrDuplicateEvent):
				result = ResultDuplicate
			case errors.Is(err, escrow.ErrInvalidTransition):
				r.log.WarnContext(ctx, "gateway event conflicts with payment state",
					"module", "reconciler",
					"operation", "apply_outcome",
					"outcome", "rejected",
					"event_id", ev.ID,
					"payment_id", p.ID,
					"contract_id", p.ContractID,
					"error", err,
				)
				result = ResultRejected
			default:
				return err
			}
		}
		return tx.MarkProcessed(ctx, ev.ID, string(ev.Kind), string(result), now)
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
