package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/yourusername/gpay-escrow/escrow"
	"github.com/yourusername/gpay-escrow/gateway"
)

const sweeperLockKey = "sweeper"

// Locker grants a lease that at most one replica holds at a time.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

type SweepReport struct {
	Expired      int
	Captured     int
	Redispatched int
}

// Sweeper times out funding charges the gateway never confirmed and
// redispatches outgoing payments that never reached the gateway.
type Sweeper struct {
	svc            *Service
	locker         Locker
	fundingTimeout time.Duration
	interval       time.Duration
	lease          time.Duration
	batchSize      int
	log            *slog.Logger
}

func NewSweeper(svc *Service, locker Locker, fundingTimeout, interval time.Duration, batchSize int) *Sweeper {
	if fundingTimeout <= 0 {
		fundingTimeout = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		svc:            svc,
		locker:         locker,
		fundingTimeout: fundingTimeout,
		interval:       interval,
		lease:          2 * interval,
		batchSize:      batchSize,
		log:            svc.log,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.log.ErrorContext(ctx, "sweep failed",
				"module", "sweeper",
				"operation", "sweep_once",
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

// SweepOnce runs one pass if this replica wins the lock. The pass is cut off
// after one interval, well inside the lease, so a slow pass never overlaps
// another replica's.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	unlock, ok, err := s.locker.TryLock(ctx, sweeperLockKey, s.lease)
	if err != nil || !ok {
		return report, err
	}
	defer func() { _ = unlock(context.WithoutCancel(ctx)) }()
	ctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	now := s.svc.now()
	stale, err := s.svc.store.StaleFunding(ctx, now.Add(-s.fundingTimeout), s.batchSize)
	if err != nil {
		return report, err
	}
	var errs []error
	for _, p := range stale {
		captured, err := s.expire(ctx, p)
		switch {
		case err != nil:
			errs = append(errs, err)
		case captured:
			report.Captured++
		default:
			report.Expired++
		}
	}

	undispatched, err := s.svc.store.Undispatched(ctx, now.Add(-s.svc.gatewayTimeout), s.batchSize)
	if err != nil {
		return report, errors.Join(append(errs, err)...)
	}
	for _, p := range undispatched {
		if err := s.svc.dispatchOne(ctx, p); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Redispatched++
	}

	if report != (SweepReport{}) {
		s.log.InfoContext(ctx, "sweep completed",
			"module", "sweeper",
			"operation", "sweep_once",
			"outcome", "success",
			"expired_count", report.Expired,
			"captured_count", report.Captured,
			"redispatched_count", report.Redispatched,
		)
	}
	return report, errors.Join(errs...)
}

// expire gives a stale charge one last look at the gateway before failing it.
// It reports whether the gateway had settled the charge after all.
func (s *Sweeper) expire(ctx context.Context, p escrow.Payment) (bool, error) {
	if p.GatewayRef != "" {
		settled, err := s.svc.capture(ctx, p)
		if err == nil && !settled.Open() {
			return true, nil
		}
		if err != nil && !errors.Is(err, gateway.ErrUnavailable) {
			return false, err
		}
	}
	_, err := s.svc.applyOutcome(ctx, p.ID, false, "funding timed out")
	if errors.Is(err, escrow.ErrDuplicateEvent) || errors.Is(err, escrow.ErrInvalidTransition) {
		// settled by a webhook in the meantime
		return true, nil
	}
	if err != nil {
		return false, err
	}
	s.log.InfoContext(ctx, "funding charge expired",
		"module", "sweeper",
		"operation", "expire_funding",
		"outcome", "success",
		"contract_id", p.ContractID,
		"payment_id", p.ID,
	)
	return false, nil
}
