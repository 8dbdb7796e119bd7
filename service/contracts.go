package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yourusername/gpay-escrow/escrow"
	"github.com/yourusername/gpay-escrow/gateway"
	"github.com/yourusername/gpay-escrow/money"
	"github.com/yourusername/gpay-escrow/store"
)

// run executes one traced, logged contract transition and dispatches the
// payments it created once the transaction committed.
func (s *Service) run(ctx context.Context, op, contractID string, fn change) (c *escrow.Contract, err error) {
	ctx, span := s.startSpan(ctx, op, contractID)
	defer func() { s.finish(ctx, span, op, contractID, err) }()

	c, payments, err := s.mutate(ctx, contractID, fn)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return c, nil
	}
	s.dispatch(ctx, payments)
	if fresh, lerr := s.store.LoadContract(ctx, contractID); lerr == nil {
		return fresh, nil
	}
	return c, nil
}

type CreateContractInput struct {
	ClientID      string
	FreelancerID  string
	ProposalID    string
	PayoutAccount string
	Title         string
	Scope         string
	Currency      string
	Milestones    []escrow.MilestoneSpec
}

// CreateContract opens a draft contract from an accepted proposal. The caller
// is the client unless an administrator creates it on their behalf.
func (s *Service) CreateContract(ctx context.Context, actor escrow.Actor, in CreateContractInput) (c *escrow.Contract, err error) {
	ctx, span := s.startSpan(ctx, "create_contract", "")
	defer func() {
		id := ""
		if c != nil {
			id = c.ID
		}
		s.finish(ctx, span, "create_contract", id, err)
	}()

	if in.ClientID == "" {
		in.ClientID = actor.UserID
	}
	if in.ClientID != actor.UserID && !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: contracts are created by their client", escrow.ErrForbidden)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}
	now := s.now()
	c, err = escrow.NewContract(escrow.NewContractParams{
		ClientID:      in.ClientID,
		FreelancerID:  in.FreelancerID,
		ProposalID:    in.ProposalID,
		PayoutAccount: in.PayoutAccount,
		Title:         in.Title,
		Scope:         in.Scope,
		Currency:      currency,
		Fees:          s.fees(currency),
		Milestones:    in.Milestones,
	}, now)
	if err != nil {
		return nil, err
	}
	err = s.store.Tx(ctx, func(tx *store.Store) error {
		events := c.Events()
		if err := tx.CreateContract(ctx, c); err != nil {
			return err
		}
		return tx.Enqueue(ctx, events, now)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

type FundingResult struct {
	Payment escrow.Payment `json:"payment"`
	// Hold is what the payer completes out of band, absent once the charge settled.
	Hold *gateway.Hold `json:"hold,omitempty"`
}

// FundEscrow charges the client. Repeating a call with the same idempotency
// key replays the original charge instead of creating a second one.
func (s *Service) FundEscrow(ctx context.Context, actor escrow.Actor, contractID string, amount money.Money, key, sourceAccount string) (res FundingResult, err error) {
	ctx, span := s.startSpan(ctx, "fund_escrow", contractID)
	defer func() { s.finish(ctx, span, "fund_escrow", contractID, err) }()

	p, err := s.fundingPayment(ctx, actor, contractID, amount, key, sourceAccount)
	if err != nil {
		return FundingResult{}, err
	}
	if !p.Open() {
		return FundingResult{Payment: p}, nil
	}
	return s.authorize(ctx, p)
}

// fundingPayment returns the record stored under key, creating it on first use.
func (s *Service) fundingPayment(ctx context.Context, actor escrow.Actor, contractID string, amount money.Money, key, sourceAccount string) (escrow.Payment, error) {
	existing, err := s.store.PaymentByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		if existing.ContractID != contractID || existing.Type != escrow.PaymentEscrowFunding || existing.Amount != amount {
			return escrow.Payment{}, fmt.Errorf("%w: idempotency key %q was used for a different request", escrow.ErrInvalidInput, key)
		}
		c, err := s.store.LoadContract(ctx, contractID)
		if err != nil {
			return escrow.Payment{}, err
		}
		if actor.UserID != c.ClientID {
			return escrow.Payment{}, fmt.Errorf("%w: only the client may do this", escrow.ErrForbidden)
		}
		return existing, nil
	case !errors.Is(err, escrow.ErrNotFound):
		return escrow.Payment{}, err
	}

	_, created, err := s.mutate(ctx, contractID, func(_ *store.Store, c *escrow.Contract, now time.Time) ([]escrow.Payment, error) {
		p, err := c.FundEscrow(actor, amount, key, sourceAccount, now)
		if err != nil {
			return nil, err
		}
		return []escrow.Payment{p}, nil
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		// a concurrent request with the same key committed first; retrying replays it
		return escrow.Payment{}, fmt.Errorf("%w: %v", escrow.ErrConcurrentModification, err)
	}
	if err != nil {
		return escrow.Payment{}, err
	}
	return created[0], nil
}

func (s *Service) authorize(ctx context.Context, p escrow.Payment) (FundingResult, error) {
	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	hold, err := s.gateway.AuthorizeAndHold(gctx, p.Amount, gateway.Metadata{
		"contract_id":    p.ContractID,
		"payment_id":     p.ID,
		"source_account": p.SourceAccount,
	}, p.IdempotencyKey)
	switch {
	case errors.Is(err, gateway.ErrDeclined):
		failed, serr := s.applyOutcome(ctx, p.ID, false, err.Error())
		if serr != nil {
			return FundingResult{Payment: p}, serr
		}
		return FundingResult{Payment: failed}, nil
	case err != nil:
		return FundingResult{Payment: p}, err
	}

	if p.Status == escrow.PaymentPending {
		updated, err := s.markProcessing(ctx, p, hold.Ref)
		if errors.Is(err, escrow.ErrConcurrentModification) {
			// a replay of the same key got there first
			updated, err = s.store.PaymentByID(ctx, p.ID)
		}
		if err != nil {
			return FundingResult{Payment: p}, err
		}
		p = updated
	}
	return FundingResult{Payment: p, Hold: &hold}, nil
}

// CaptureFunding asks the gateway for the current state of a funding charge
// and applies it when it is terminal.
func (s *Service) CaptureFunding(ctx context.Context, actor escrow.Actor, contractID, paymentID string) (p escrow.Payment, err error) {
	ctx, span := s.startSpan(ctx, "capture_funding", contractID)
	defer func() { s.finish(ctx, span, "capture_funding", contractID, err) }()

	p, err = s.store.PaymentByID(ctx, paymentID)
	if err != nil {
		return escrow.Payment{}, err
	}
	if p.ContractID != contractID {
		return escrow.Payment{}, fmt.Errorf("%w: payment %s", escrow.ErrNotFound, paymentID)
	}
	c, err := s.store.LoadContract(ctx, contractID)
	if err != nil {
		return escrow.Payment{}, err
	}
	if actor.UserID != c.ClientID && !actor.IsAdmin() {
		return escrow.Payment{}, fmt.Errorf("%w: only the client may do this", escrow.ErrForbidden)
	}
	if p.Type != escrow.PaymentEscrowFunding {
		return escrow.Payment{}, fmt.Errorf("%w: payment %s is not a funding charge", escrow.ErrInvalidInput, p.ID)
	}
	if !p.Open() {
		return p, nil
	}
	if p.GatewayRef == "" {
		return p, fmt.Errorf("%w: payment %s was never authorized", escrow.ErrInvalidTransition, p.ID)
	}
	return s.capture(ctx, p)
}

func (s *Service) capture(ctx context.Context, p escrow.Payment) (escrow.Payment, error) {
	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	outcome, err := s.gateway.Capture(gctx, p.GatewayRef, "capture:"+p.ID)
	if err != nil {
		return p, err
	}
	if outcome.Status == gateway.StatusPending {
		return p, nil
	}
	settled, err := s.applyOutcome(ctx, p.ID, outcome.Status == gateway.StatusSucceeded, outcome.Reason)
	if errors.Is(err, escrow.ErrDuplicateEvent) {
		return s.store.PaymentByID(ctx, p.ID)
	}
	return settled, err
}

func (s *Service) StartMilestone(ctx context.Context, actor escrow.Actor, contractID string, idx int) (*escrow.Contract, error) {
	return s.run(ctx, "start_milestone", contractID, func(_ *store.Store, c *escrow.Contract, now time.Time) ([]escrow.Payment, error) {
		return nil, c.StartMilestone(actor, idx, now)
	})
}

func (s *Service) SubmitMilestone(ctx context.Context, actor escrow.Actor, contractID string, idx int, sub escrow.Submission) (*escrow.Contract, error) {
	return s.run(ctx, "submit_milestone", contractID, func(_ *store.Store, c *escrow.Contract, now time.Time) ([]escrow.Payment, error) {
		return nil, c.SubmitMilestone(actor, idx, sub, now)
	})
}

func (s *Service) MarkMilestoneViewed(ctx context.Context, actor escrow.Actor, contractID string, idx int) (*escrow.Contract, error) {
	return s.run(ctx, "mark_milestone_viewed", contractID, func(_ *store.Store, c *escrow.Contract, now time.Time) ([]escrow.Payment, error) {
		return nil, c.MarkMilestoneViewed(actor, idx, now)
	})
}

// ApproveMilestone approves and releases the milestone, then asks the gateway
// to pay the freelancer.
func (s *Service) ApproveMilestone(ctx context.Context, actor escrow.Actor, contractID string, idx int) (*escrow.Contract, error) {
	return s.run(ctx, "approve_milestone", contractID, func(_ *store.Store, c *escrow.Contract, now time.Time) ([]escrow.Payment, error) {
		p, err := c.ApproveMilestone(actor, idx, now)
		if err != nil {
			return nil, err
		}
		return []escrow.Payment{p}, nil
	})
}

func (s *Service) RejectMilestone(ctx context.Context, actor escrow.Actor, contractID string, idx int, reason string) (*escrow.Contract, error) {
	return s.run(ctx, "reject_milestone", contractID, func(_ *store.Store, c *escrow.Contract, now time.Time) ([]escrow.Payment, error) {
		return nil, c.RejectMilestone(actor, idx, reason, now)
	})
}

func (s *Service) CancelContract(ctx context.Context, actor escrow.Actor, contractID, reason string) (*escrow.Contract, error) {
	return s.run(ctx, "cancel_contract", contractID, func(tx *store.Store, c *escrow.Contract, now time.Time) ([]escrow.Payment, error) {
		if err := requireNoOpenPayouts(ctx, tx, c.ID); err != nil {
			return nil, err
		}
		sources, err := tx.RefundSources(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		return c.Cancel(actor, reason, sources, now)
	})
}

func (s *Service) PauseContract(ctx context.Context, actor escrow.Actor, contractID string) (*escrow.Contract, error) {
	return s.run(ctx, "pause_contract", contractID, func(_ *store.Store, c *escrow.Contract, now time.Time) ([]escrow.Payment, error) {
		return nil, c.Pause(actor, now)
	})
}

func (s *Service) ResumeContract(ctx context.Context, actor escrow.Actor, contractID string) (*escrow.Contract, error) {
	return s.run(ctx, "resume_contract", contractID, func(_ *store.Store, c *escrow.Contract, now time.Time) ([]escrow.Payment, error) {
		return nil, c.Resume(actor, now)
	})
}

func (s *Service) RequestModification(ctx context.Context, actor escrow.Actor, contractID string, m escrow.Modification) (*escrow.Contract, error) {
	return s.run(ctx, "request_modification", contractID, func(_ *store.Store, c *escrow.Contract, now time.Time) ([]escrow.Payment, error) {
		return nil, c.RequestModification(actor, m, now)
	})
}

func (s *Service) RespondModification(ctx context.Context, actor escrow.Actor, contractID string, accept bool) (*escrow.Contract, error) {
	return s.run(ctx, "respond_modification", contractID, func(_ *store.Store, c *escrow.Contract, now time.Time) ([]escrow.Payment, error) {
		return nil, c.RespondModification(actor, accept, now)
	})
}

func (s *Service) OpenDispute(ctx context.Context, actor escrow.Actor, contractID, reason string) (*escrow.Contract, error) {
	return s.run(ctx, "open_dispute", contractID, func(_ *store.Store, c *escrow.Contract, now time.Time) ([]escrow.Payment, error) {
		return nil, c.OpenDispute(actor, reason, now)
	})
}

// SettleDispute is the administrator's override on a disputed contract.
func (s *Service) SettleDispute(ctx context.Context, actor escrow.Actor, contractID string, alloc escrow.Allocation, resolution escrow.Resolution) (*escrow.Contract, error) {
	return s.run(ctx, "settle_dispute", contractID, func(tx *store.Store, c *escrow.Contract, now time.Time) ([]escrow.Payment, error) {
		if resolution == escrow.ResolutionClose {
			if err := requireNoOpenPayouts(ctx, tx, c.ID); err != nil {
				return nil, err
			}
		}
		sources, err := tx.RefundSources(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		return c.SettleDispute(actor, alloc, resolution, sources, now)
	})
}

// requireNoOpenPayouts keeps a contract open while any release or settlement
// transfer could still fail and hand its amount back to escrow.
func requireNoOpenPayouts(ctx context.Context, tx *store.Store, contractID string) error {
	n, err := tx.OpenPayouts(ctx, contractID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %d payout(s) still awaiting the gateway", escrow.ErrInvalidTransition, n)
	}
	return nil
}
