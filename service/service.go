// Package service runs the escrow use cases: it loads the contract aggregate,
// applies one transition, persists the result with its payments and outbox
// events in a single transaction and only then talks to the payment gateway.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yourusername/gpay-escrow/escrow"
	"github.com/yourusername/gpay-escrow/gateway"
	"github.com/yourusername/gpay-escrow/store"
	"github.com/yourusername/gpay-escrow/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	// Fees resolves the schedule stamped on new contracts. Defaults to escrow.DefaultFeeSchedule.
	Fees            func(currency string) escrow.FeeSchedule
	DefaultCurrency string
	GatewayTimeout  time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

type Service struct {
	store           *store.Store
	gateway         gateway.Gateway
	fees            func(currency string) escrow.FeeSchedule
	defaultCurrency string
	gatewayTimeout  time.Duration
	log             *slog.Logger
	tracer          trace.Tracer
	now             func() time.Time
}

func New(st *store.Store, gw gateway.Gateway, opts Options) *Service {
	if opts.Fees == nil {
		opts.Fees = func(string) escrow.FeeSchedule { return escrow.DefaultFeeSchedule() }
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "USD"
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:           st,
		gateway:         gw,
		fees:            opts.Fees,
		defaultCurrency: strings.ToUpper(opts.DefaultCurrency),
		gatewayTimeout:  opts.GatewayTimeout,
		log:             opts.Logger,
		tracer:          telemetry.Tracer(),
		now:             opts.Now,
	}
}

// change applies one transition to a freshly loaded contract and returns the
// payment records it created.
type change func(tx *store.Store, c *escrow.Contract, now time.Time) ([]escrow.Payment, error)

// mutate loads the contract, applies fn, and persists the contract, the new
// payments and the emitted events in one transaction conditioned on the
// version that was loaded.
func (s *Service) mutate(ctx context.Context, contractID string, fn change) (*escrow.Contract, []escrow.Payment, error) {
	now := s.now()
	var (
		out      *escrow.Contract
		payments []escrow.Payment
	)
	err := s.store.Tx(ctx, func(tx *store.Store) error {
		c, err := tx.LoadContract(ctx, contractID)
		if err != nil {
			return err
		}
		created, err := fn(tx, c, now)
		if err != nil {
			return err
		}
		events := c.Events()
		if err := tx.SaveContract(ctx, c); err != nil {
			return err
		}
		for _, p := range created {
			if err := tx.CreatePayment(ctx, p); err != nil {
				return err
			}
		}
		if err := tx.Enqueue(ctx, events, now); err != nil {
			return err
		}
		out, payments = c, created
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, payments, nil
}

// settle applies a terminal gateway outcome to p inside tx. It is the single
// path shared by webhooks, synchronous captures and the sweeper.
func settle(ctx context.Context, tx *store.Store, p escrow.Payment, succeeded bool, reason string, now time.Time) (escrow.Payment, error) {
	c, err := tx.LoadContract(ctx, p.ContractID)
	if err != nil {
		return p, err
	}
	from := p.Status
	if err := c.ApplyPaymentOutcome(&p, succeeded, reason, now); err != nil {
		return p, err
	}
	events := c.Events()
	if err := tx.SaveContract(ctx, c); err != nil {
		return p, err
	}
	if err := tx.UpdatePayment(ctx, p, from); err != nil {
		return p, err
	}
	return p, tx.Enqueue(ctx, events, now)
}

// applyOutcome settles paymentID in its own transaction, retrying lost races.
func (s *Service) applyOutcome(ctx context.Context, paymentID string, succeeded bool, reason string) (escrow.Payment, error) {
	return Retry(ctx, func() (escrow.Payment, error) {
		var out escrow.Payment
		err := s.store.Tx(ctx, func(tx *store.Store) error {
			p, err := tx.PaymentByID(ctx, paymentID)
			if err != nil {
				return err
			}
			out, err = settle(ctx, tx, p, succeeded, reason, s.now())
			return err
		})
		return out, err
	})
}

// dispatch hands committed outgoing payments to the gateway. Failures never
// undo the commit: a declined call is settled as failed, an unavailable
// gateway leaves the record pending for the sweeper.
func (s *Service) dispatch(ctx context.Context, payments []escrow.Payment) {
	for _, p := range payments {
		if err := s.dispatchOne(ctx, p); err != nil {
			s.log.WarnContext(ctx, "payment dispatch failed",
				"module", "service",
				"operation", "dispatch",
				"outcome", "failure",
				"contract_id", p.ContractID,
				"payment_id", p.ID,
				"payment_type", string(p.Type),
				"error", err,
			)
		}
	}
}

func (s *Service) dispatchOne(ctx context.Context, p escrow.Payment) error {
	ctx, span := s.tracer.Start(ctx, "gateway."+string(p.Type), trace.WithAttributes(
		attribute.String("contract.id", p.ContractID),
		attribute.String("payment.id", p.ID),
	))
	defer span.End()

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	var (
		ref string
		err error
	)
	switch p.Type {
	case escrow.PaymentRefund:
		src, lerr := s.store.PaymentByID(ctx, p.SourcePaymentID)
		if lerr != nil {
			return fmt.Errorf("refund %s source: %w", p.ID, lerr)
		}
		ref, err = s.gateway.Refund(gctx, src.GatewayRef, p.Amount, p.IdempotencyKey)
	case escrow.PaymentMilestoneRelease, escrow.PaymentDisputeSettlement, escrow.PaymentPlatformFee:
		ref, err = s.gateway.Transfer(gctx, p.Amount, p.Destination, gateway.Metadata{
			"contract_id": p.ContractID,
			"payment_id":  p.ID,
			"type":        string(p.Type),
		}, p.IdempotencyKey)
	default:
		return fmt.Errorf("%w: payment %s of type %s is not dispatched", escrow.ErrInvalidInput, p.ID, p.Type)
	}

	switch {
	case err == nil:
		_, err = s.markProcessing(ctx, p, ref)
		return err
	case errors.Is(err, gateway.ErrDeclined):
		span.SetStatus(codes.Error, err.Error())
		_, serr := s.applyOutcome(ctx, p.ID, false, err.Error())
		return errors.Join(err, serr)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
}

func (s *Service) markProcessing(ctx context.Context, p escrow.Payment, ref string) (escrow.Payment, error) {
	if err := p.MarkProcessing(ref, s.now()); err != nil {
		return p, err
	}
	return p, s.store.UpdatePayment(ctx, p, escrow.PaymentPending)
}

func (s *Service) startSpan(ctx context.Context, op, contractID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "escrow."+op, trace.WithAttributes(attribute.String("contract.id", contractID)))
}

// finish closes the span and logs the outcome of op.
func (s *Service) finish(ctx context.Context, span trace.Span, op, contractID string, err error) {
	defer span.End()
	if err == nil {
		s.log.InfoContext(ctx, "operation completed",
			"module", "service",
			"operation", op,
			"outcome", "success",
			"contract_id", contractID,
		)
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	level := slog.LevelWarn
	if errors.Is(err, escrow.ErrLedgerCorruption) {
		level = slog.LevelError
	}
	s.log.Log(ctx, level, "operation failed",
		"module", "service",
		"operation", op,
		"outcome", "failure",
		"contract_id", contractID,
		"error", err,
	)
}
