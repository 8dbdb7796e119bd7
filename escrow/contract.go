package escrow

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yourusername/gpay-escrow/money"
)

type ContractStatus string

const (
	ContractDraft     ContractStatus = "draft"
	ContractActive    ContractStatus = "active"
	ContractCompleted ContractStatus = "completed"
	ContractCancelled ContractStatus = "cancelled"
	ContractDisputed  ContractStatus = "disputed"
	ContractPaused    ContractStatus = "paused"
)

const RoleAdmin = "admin"

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID string
	Role   string
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Contract is the aggregate root: it owns its milestones and ledger and is
// persisted as one unit guarded by Version.
type Contract struct {
	ID                  string               `json:"id"`
	ClientID            string               `json:"client_id"`
	FreelancerID        string               `json:"freelancer_id"`
	ProposalID          string               `json:"proposal_id"`
	PayoutAccount       string               `json:"payout_account"`
	Title               string               `json:"title"`
	Scope               string               `json:"scope"`
	Status              ContractStatus       `json:"status"`
	Milestones          []Milestone          `json:"milestones"`
	Ledger              Ledger               `json:"ledger"`
	PendingModification *ModificationRequest `json:"pending_modification,omitempty"`
	CancellationReason  string               `json:"cancellation_reason,omitempty"`
	DisputeReason       string               `json:"dispute_reason,omitempty"`
	Version             int64                `json:"version"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
	CompletedAt         *time.Time           `json:"completed_at,omitempty"`
	CancelledAt         *time.Time           `json:"cancelled_at,omitempty"`

	events []Event
}

type MilestoneSpec struct {
	Title        string
	Amount       money.Money
	Deliverables string
	DueDate      *time.Time
}

type NewContractParams struct {
	ClientID      string
	FreelancerID  string
	ProposalID    string
	PayoutAccount string
	Title         string
	Scope         string
	Currency      string
	Fees          FeeSchedule
	Milestones    []MilestoneSpec
}

func newMilestone(position int, spec MilestoneSpec) Milestone {
	return Milestone{
		ID:           uuid.NewString(),
		Position:     position,
		Title:        strings.TrimSpace(spec.Title),
		Amount:       spec.Amount,
		Deliverables: spec.Deliverables,
		DueDate:      spec.DueDate,
		Status:       MilestonePending,
	}
}

// NewContract builds a draft contract from an accepted proposal.
func NewContract(p NewContractParams, now time.Time) (*Contract, error) {
	p.ClientID = strings.TrimSpace(p.ClientID)
	p.FreelancerID = strings.TrimSpace(p.FreelancerID)
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if p.ClientID == "" || p.FreelancerID == "" || strings.TrimSpace(p.ProposalID) == "" {
		return nil, fmt.Errorf("%w: client, freelancer and proposal are required", ErrInvalidInput)
	}
	if p.ClientID == p.FreelancerID {
		return nil, fmt.Errorf("%w: client and freelancer must differ", ErrInvalidInput)
	}
	if _, err := money.Exponent(p.Currency); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(p.Milestones) == 0 {
		return nil, fmt.Errorf("%w: at least one milestone is required", ErrInvalidInput)
	}
	if err := p.Fees.Validate(); err != nil {
		return nil, err
	}
	c := &Contract{
		ID:            uuid.NewString(),
		ClientID:      p.ClientID,
		FreelancerID:  p.FreelancerID,
		ProposalID:    strings.TrimSpace(p.ProposalID),
		PayoutAccount: strings.TrimSpace(p.PayoutAccount),
		Title:         strings.TrimSpace(p.Title),
		Scope:         p.Scope,
		Status:        ContractDraft,
		Ledger:        NewLedger(p.Currency, p.Fees),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i, spec := range p.Milestones {
		if strings.TrimSpace(spec.Title) == "" {
			return nil, fmt.Errorf("%w: milestone %d needs a title", ErrInvalidInput, i)
		}
		if spec.Amount.Currency != p.Currency || !spec.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: milestone %d amount %s", ErrInvalidAmount, i, spec.Amount)
		}
		c.Milestones = append(c.Milestones, newMilestone(i, spec))
	}
	c.record(ContractCreated{
		ContractID:   c.ID,
		ClientID:     c.ClientID,
		FreelancerID: c.FreelancerID,
		ProposalID:   c.ProposalID,
		Milestones:   len(c.Milestones),
		CreatedAt:    now,
	})
	return c, nil
}

// CurrentMilestoneIndex is the first milestone not yet approved or paid,
// or len(Milestones) when all are settled. It is derived, never stored as truth.
func (c *Contract) CurrentMilestoneIndex() int {
	for i, m := range c.Milestones {
		if !m.Status.Settled() {
			return i
		}
	}
	return len(c.Milestones)
}

// Events returns the uncommitted domain events and clears them.
func (c *Contract) Events() []Event {
	out := c.events
	c.events = nil
	return out
}

func (c *Contract) PeekEvents() []Event { return c.events }

func (c *Contract) record(e Event) { c.events = append(c.events, e) }

func (c *Contract) clone() Contract {
	next := *c
	next.Milestones = slices.Clone(c.Milestones)
	next.events = slices.Clone(c.events)
	return next
}

func (c *Contract) milestone(idx int) (*Milestone, error) {
	if idx < 0 || idx >= len(c.Milestones) {
		return nil, fmt.Errorf("%w: milestone %d", ErrNotFound, idx)
	}
	return &c.Milestones[idx], nil
}

func (c *Contract) IsParty(userID string) bool {
	return userID != "" && (userID == c.ClientID || userID == c.FreelancerID)
}

// CanView allows either party and admins to read the contract.
func (c *Contract) CanView(a Actor) bool {
	return a.IsAdmin() || c.IsParty(a.UserID)
}

func (c *Contract) requireClient(a Actor) error {
	if a.UserID == "" || a.UserID != c.ClientID {
		return fmt.Errorf("%w: only the client may do this", ErrForbidden)
	}
	return nil
}

func (c *Contract) requireFreelancer(a Actor) error {
	if a.UserID == "" || a.UserID != c.FreelancerID {
		return fmt.Errorf("%w: only the freelancer may do this", ErrForbidden)
	}
	return nil
}

func (c *Contract) requireParty(a Actor) error {
	if !c.IsParty(a.UserID) {
		return fmt.Errorf("%w: not a party to this contract", ErrForbidden)
	}
	return nil
}

func (c *Contract) requireStatus(allowed ...ContractStatus) error {
	if !slices.Contains(allowed, c.Status) {
		return fmt.Errorf("%w: contract is %s", ErrInvalidTransition, c.Status)
	}
	return nil
}

func (c *Contract) touch(now time.Time) { c.UpdatedAt = now }

// FundEscrow requests a charge from the client. Counters only move once the gateway confirms.
func (c *Contract) FundEscrow(a Actor, amount money.Money, idempotencyKey, sourceAccount string, now time.Time) (Payment, error) {
	if err := c.requireClient(a); err != nil {
		return Payment{}, err
	}
	if err := c.requireStatus(ContractDraft, ContractActive); err != nil {
		return Payment{}, err
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return Payment{}, fmt.Errorf("%w: idempotency key is required", ErrInvalidInput)
	}
	next := c.clone()
	if err := next.Ledger.RequestFunding(amount); err != nil {
		return Payment{}, err
	}
	p := Payment{
		ID:             uuid.NewString(),
		ContractID:     c.ID,
		Amount:         amount,
		Type:           PaymentEscrowFunding,
		Status:         PaymentPending,
		IdempotencyKey: idempotencyKey,
		SourceAccount:  sourceAccount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	next.record(EscrowFundingRequested{ContractID: c.ID, PaymentID: p.ID, Amount: amount})
	next.touch(now)
	*c = next
	return p, nil
}

func (c *Contract) StartMilestone(a Actor, idx int, now time.Time) error {
	if err := c.requireFreelancer(a); err != nil {
		return err
	}
	if err := c.requireStatus(ContractActive); err != nil {
		return err
	}
	m, err := c.milestone(idx)
	if err != nil {
		return err
	}
	if err := m.Start(now); err != nil {
		return err
	}
	c.touch(now)
	return nil
}

func (c *Contract) SubmitMilestone(a Actor, idx int, sub Submission, now time.Time) error {
	if err := c.requireFreelancer(a); err != nil {
		return err
	}
	if err := c.requireStatus(ContractActive); err != nil {
		return err
	}
	next := c.clone()
	m, err := next.milestone(idx)
	if err != nil {
		return err
	}
	if err := m.Submit(sub, now); err != nil {
		return err
	}
	next.record(MilestoneSubmittedEvent{ContractID: c.ID, MilestoneIndex: idx, FileIDs: m.Submission.FileIDs})
	next.touch(now)
	*c = next
	return nil
}

func (c *Contract) MarkMilestoneViewed(a Actor, idx int, now time.Time) error {
	if err := c.requireClient(a); err != nil {
		return err
	}
	if err := c.requireStatus(ContractActive); err != nil {
		return err
	}
	m, err := c.milestone(idx)
	if err != nil {
		return err
	}
	return m.MarkViewed(now)
}

// ApproveMilestone approves the milestone and provisionally releases its amount.
// Either both happen or neither does.
func (c *Contract) ApproveMilestone(a Actor, idx int, now time.Time) (Payment, error) {
	if err := c.requireClient(a); err != nil {
		return Payment{}, err
	}
	if err := c.requireStatus(ContractActive); err != nil {
		return Payment{}, err
	}
	next := c.clone()
	m, err := next.milestone(idx)
	if err != nil {
		return Payment{}, err
	}
	if err := m.Approve(now); err != nil {
		return Payment{}, err
	}
	if err := next.Ledger.Release(m.Amount); err != nil {
		return Payment{}, err
	}
	position := idx
	p := Payment{
		ID:             uuid.NewString(),
		ContractID:     c.ID,
		MilestoneIndex: &position,
		Amount:         m.Amount,
		Type:           PaymentMilestoneRelease,
		Status:         PaymentPending,
		Destination:    c.PayoutAccount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	p.IdempotencyKey = "release:" + p.ID
	fees := next.Ledger.Fees.Breakdown(m.Amount)
	next.record(MilestoneApprovedEvent{
		ContractID:       c.ID,
		MilestoneIndex:   idx,
		Amount:           m.Amount,
		FreelancerAmount: fees.FreelancerAmount,
	})
	next.completeIfSettled(now)
	next.touch(now)
	*c = next
	return p, nil
}

func (c *Contract) completeIfSettled(now time.Time) {
	if c.CurrentMilestoneIndex() < len(c.Milestones) {
		return
	}
	c.Status = ContractCompleted
	c.CompletedAt = &now
	c.record(ContractCompletedEvent{ContractID: c.ID, CompletedAt: now})
}

func (c *Contract) RejectMilestone(a Actor, idx int, reason string, now time.Time) error {
	if err := c.requireClient(a); err != nil {
		return err
	}
	if err := c.requireStatus(ContractActive); err != nil {
		return err
	}
	next := c.clone()
	m, err := next.milestone(idx)
	if err != nil {
		return err
	}
	if err := m.Reject(reason, now); err != nil {
		return err
	}
	next.record(MilestoneRejectedEvent{ContractID: c.ID, MilestoneIndex: idx, Reason: m.RejectionReason})
	next.touch(now)
	*c = next
	return nil
}

// refundPayments allocates amount across funding charges, newest first.
func (c *Contract) refundPayments(amount money.Money, sources []RefundSource, now time.Time) ([]Payment, error) {
	remaining := amount.Minor
	var out []Payment
	for i := len(sources) - 1; i >= 0 && remaining > 0; i-- {
		src := sources[i]
		if src.Refundable.Currency != amount.Currency || !src.Refundable.IsPositive() {
			continue
		}
		part := min(remaining, src.Refundable.Minor)
		p := Payment{
			ID:              uuid.NewString(),
			ContractID:      c.ID,
			Amount:          money.New(part, amount.Currency),
			Type:            PaymentRefund,
			Status:          PaymentPending,
			SourcePaymentID: src.PaymentID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		p.IdempotencyKey = "refund:" + p.ID
		out = append(out, p)
		remaining -= part
	}
	if remaining > 0 {
		return nil, fmt.Errorf("%w: %s escrowed without a refundable funding charge",
			ErrLedgerCorruption, money.New(remaining, amount.Currency))
	}
	return out, nil
}

// requireNoReleaseInFlight blocks closing the contract while an approved
// milestone's payout is still open at the gateway.
func (c *Contract) requireNoReleaseInFlight() error {
	for _, m := range c.Milestones {
		if m.Status == MilestoneApproved {
			return fmt.Errorf("%w: release of milestone %d is still awaiting the gateway", ErrInvalidTransition, m.Position)
		}
	}
	return nil
}

// Cancel refunds everything still available and closes the contract.
func (c *Contract) Cancel(a Actor, reason string, sources []RefundSource, now time.Time) ([]Payment, error) {
	if err := c.requireParty(a); err != nil {
		return nil, err
	}
	if err := c.requireStatus(ContractDraft, ContractActive); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: cancellation reason is required", ErrInvalidInput)
	}
	if c.Ledger.PendingFunding > 0 {
		return nil, fmt.Errorf("%w: escrow funding is still awaiting confirmation", ErrInvalidTransition)
	}
	if err := c.requireNoReleaseInFlight(); err != nil {
		return nil, err
	}
	next := c.clone()
	available := next.Ledger.Available()
	var refunds []Payment
	if available.IsPositive() {
		var err error
		if refunds, err = next.refundPayments(available, sources, now); err != nil {
			return nil, err
		}
		if err := next.Ledger.Refund(available); err != nil {
			return nil, err
		}
		for _, r := range refunds {
			next.record(RefundIssued{ContractID: c.ID, PaymentID: r.ID, Amount: r.Amount})
		}
	}
	next.Status = ContractCancelled
	next.CancelledAt = &now
	next.CancellationReason = reason
	next.PendingModification = nil
	next.record(ContractCancelledEvent{ContractID: c.ID, Reason: reason, Refunded: available, CancelledAt: now})
	next.touch(now)
	*c = next
	return refunds, nil
}

func (c *Contract) Pause(a Actor, now time.Time) error {
	if err := c.requireClient(a); err != nil {
		return err
	}
	if err := c.requireStatus(ContractActive); err != nil {
		return err
	}
	c.Status = ContractPaused
	c.touch(now)
	return nil
}

func (c *Contract) Resume(a Actor, now time.Time) error {
	if err := c.requireClient(a); err != nil {
		return err
	}
	if err := c.requireStatus(ContractPaused); err != nil {
		return err
	}
	c.Status = ContractActive
	c.touch(now)
	return nil
}

func (c *Contract) RequestModification(a Actor, change Modification, now time.Time) error {
	if err := c.requireParty(a); err != nil {
		return err
	}
	if err := c.requireStatus(ContractDraft, ContractActive); err != nil {
		return err
	}
	if change == nil {
		return fmt.Errorf("%w: modification is required", ErrInvalidInput)
	}
	if c.PendingModification != nil {
		return fmt.Errorf("%w: a modification is already pending", ErrInvalidTransition)
	}
	if err := change.validate(c); err != nil {
		return err
	}
	c.PendingModification = &ModificationRequest{RequestedBy: a.UserID, RequestedAt: now, Change: change}
	c.record(ModificationRequested{ContractID: c.ID, Kind: change.Kind(), RequestedBy: a.UserID})
	c.touch(now)
	return nil
}

// RespondModification lets the counterparty accept or decline the pending change.
func (c *Contract) RespondModification(a Actor, accept bool, now time.Time) error {
	if err := c.requireParty(a); err != nil {
		return err
	}
	if err := c.requireStatus(ContractDraft, ContractActive); err != nil {
		return err
	}
	req := c.PendingModification
	if req == nil {
		return fmt.Errorf("%w: no pending modification", ErrInvalidTransition)
	}
	if req.RequestedBy == a.UserID {
		return fmt.Errorf("%w: the requester cannot answer their own modification", ErrForbidden)
	}
	next := c.clone()
	if accept {
		if err := req.Change.apply(&next, now); err != nil {
			return err
		}
	}
	next.PendingModification = nil
	next.record(ModificationResolved{ContractID: c.ID, Kind: req.Change.Kind(), Accepted: accept})
	next.touch(now)
	*c = next
	return nil
}

func (c *Contract) OpenDispute(a Actor, reason string, now time.Time) error {
	if err := c.requireParty(a); err != nil {
		return err
	}
	if err := c.requireStatus(ContractActive, ContractPaused); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("%w: dispute reason is required", ErrInvalidInput)
	}
	c.Status = ContractDisputed
	c.DisputeReason = reason
	c.record(DisputeOpened{ContractID: c.ID, OpenedBy: a.UserID, Reason: reason})
	c.touch(now)
	return nil
}

type Resolution string

const (
	// ResolutionResume returns the contract to active after a partial settlement.
	ResolutionResume Resolution = "resume"
	// ResolutionClose settles the whole balance and cancels the contract.
	ResolutionClose Resolution = "close"
)

// SettleDispute is the administrative override for a disputed contract. It also
// closes out a cancelled contract whose balance came back from a failed payout
// or refund.
func (c *Contract) SettleDispute(a Actor, alloc Allocation, resolution Resolution, sources []RefundSource, now time.Time) ([]Payment, error) {
	if !a.IsAdmin() {
		return nil, fmt.Errorf("%w: dispute settlement requires an administrator", ErrForbidden)
	}
	recovering := c.Status == ContractCancelled && c.Ledger.AvailableForRelease > 0
	if !recovering {
		if err := c.requireStatus(ContractDisputed); err != nil {
			return nil, err
		}
	}
	if resolution != ResolutionResume && resolution != ResolutionClose {
		return nil, fmt.Errorf("%w: unknown resolution %q", ErrInvalidInput, resolution)
	}
	if recovering && resolution != ResolutionClose {
		return nil, fmt.Errorf("%w: a cancelled contract can only be settled with %q", ErrInvalidTransition, ResolutionClose)
	}
	if resolution == ResolutionClose {
		if c.Ledger.PendingFunding > 0 {
			return nil, fmt.Errorf("%w: escrow funding is still awaiting confirmation", ErrInvalidTransition)
		}
		if err := c.requireNoReleaseInFlight(); err != nil {
			return nil, err
		}
		if alloc.ToFreelancer.Minor+alloc.ToClient.Minor != c.Ledger.AvailableForRelease {
			return nil, fmt.Errorf("%w: closing settlement must allocate the full available balance %s",
				ErrInvalidAmount, c.Ledger.Available())
		}
	}
	next := c.clone()
	if err := next.Ledger.Settle(alloc); err != nil {
		return nil, err
	}
	var payments []Payment
	if alloc.ToFreelancer.IsPositive() {
		p := Payment{
			ID:          uuid.NewString(),
			ContractID:  c.ID,
			Amount:      alloc.ToFreelancer,
			Type:        PaymentDisputeSettlement,
			Status:      PaymentPending,
			Destination: c.PayoutAccount,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		p.IdempotencyKey = "settlement:" + p.ID
		payments = append(payments, p)
	}
	if alloc.ToClient.IsPositive() {
		refunds, err := next.refundPayments(alloc.ToClient, sources, now)
		if err != nil {
			return nil, err
		}
		payments = append(payments, refunds...)
	}
	switch {
	case recovering:
		// already cancelled
	case resolution == ResolutionClose:
		next.Status = ContractCancelled
		next.CancelledAt = &now
		next.CancellationReason = "dispute settled"
	default:
		next.Status = ContractActive
	}
	next.DisputeReason = ""
	next.record(DisputeSettled{ContractID: c.ID, Resolution: resolution, ToFreelancer: alloc.ToFreelancer, ToClient: alloc.ToClient})
	next.touch(now)
	*c = next
	return payments, nil
}
