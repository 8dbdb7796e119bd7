package escrow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/yourusername/gpay-escrow/money"
)

type ModificationKind string

const (
	ModChangeAmount  ModificationKind = "change_amount"
	ModChangeDueDate ModificationKind = "change_due_date"
	ModAddMilestone  ModificationKind = "add_milestone"
)

// Modification is a proposed change to the contract terms.
type Modification interface {
	Kind() ModificationKind
	validate(c *Contract) error
	apply(c *Contract, now time.Time) error
}

type ChangeAmount struct {
	MilestoneIndex int         `json:"milestone_index"`
	Amount         money.Money `json:"amount"`
}

type ChangeDueDate struct {
	MilestoneIndex int        `json:"milestone_index"`
	DueDate        *time.Time `json:"due_date"`
}

type AddMilestone struct {
	Title        string      `json:"title"`
	Amount       money.Money `json:"amount"`
	Deliverables string      `json:"deliverables"`
	DueDate      *time.Time  `json:"due_date,omitempty"`
}

func (ChangeAmount) Kind() ModificationKind  { return ModChangeAmount }
func (ChangeDueDate) Kind() ModificationKind { return ModChangeDueDate }
func (AddMilestone) Kind() ModificationKind  { return ModAddMilestone }

func editableMilestone(c *Contract, idx int) (*Milestone, error) {
	m, err := c.milestone(idx)
	if err != nil {
		return nil, err
	}
	if m.Status != MilestonePending && m.Status != MilestoneInProgress {
		return nil, fmt.Errorf("%w: milestone %d is %s", ErrInvalidTransition, idx, m.Status)
	}
	return m, nil
}

func (m ChangeAmount) validate(c *Contract) error {
	if m.Amount.Currency != c.Ledger.Currency || !m.Amount.IsPositive() {
		return fmt.Errorf("%w: milestone amount %s", ErrInvalidAmount, m.Amount)
	}
	_, err := editableMilestone(c, m.MilestoneIndex)
	return err
}

func (m ChangeAmount) apply(c *Contract, _ time.Time) error {
	ms, err := editableMilestone(c, m.MilestoneIndex)
	if err != nil {
		return err
	}
	ms.Amount = m.Amount
	return nil
}

func (m ChangeDueDate) validate(c *Contract) error {
	_, err := editableMilestone(c, m.MilestoneIndex)
	return err
}

func (m ChangeDueDate) apply(c *Contract, _ time.Time) error {
	ms, err := editableMilestone(c, m.MilestoneIndex)
	if err != nil {
		return err
	}
	ms.DueDate = m.DueDate
	return nil
}

func (m AddMilestone) validate(c *Contract) error {
	if strings.TrimSpace(m.Title) == "" {
		return fmt.Errorf("%w: milestone title is required", ErrInvalidInput)
	}
	if m.Amount.Currency != c.Ledger.Currency || !m.Amount.IsPositive() {
		return fmt.Errorf("%w: milestone amount %s", ErrInvalidAmount, m.Amount)
	}
	return nil
}

func (m AddMilestone) apply(c *Contract, _ time.Time) error {
	c.Milestones = append(c.Milestones, newMilestone(len(c.Milestones), MilestoneSpec{
		Title:        m.Title,
		Amount:       m.Amount,
		Deliverables: m.Deliverables,
		DueDate:      m.DueDate,
	}))
	return nil
}

// ModificationRequest is a pending change awaiting the counterparty.
type ModificationRequest struct {
	RequestedBy string       `json:"requested_by"`
	RequestedAt time.Time    `json:"requested_at"`
	Change      Modification `json:"-"`
}

type modificationEnvelope struct {
	Kind        ModificationKind `json:"kind"`
	RequestedBy string           `json:"requested_by"`
	RequestedAt time.Time        `json:"requested_at"`
	Change      json.RawMessage  `json:"change"`
}

func (r ModificationRequest) MarshalJSON() ([]byte, error) {
	change, err := json.Marshal(r.Change)
	if err != nil {
		return nil, err
	}
	return json.Marshal(modificationEnvelope{
		Kind:        r.Change.Kind(),
		RequestedBy: r.RequestedBy,
		RequestedAt: r.RequestedAt,
		Change:      change,
	})
}

func (r *ModificationRequest) UnmarshalJSON(data []byte) error {
	var env modificationEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	change, err := DecodeModification(env.Kind, env.Change)
	if err != nil {
		return err
	}
	r.RequestedBy = env.RequestedBy
	r.RequestedAt = env.RequestedAt
	r.Change = change
	return nil
}

// DecodeModification builds the variant named by kind from its JSON body.
func DecodeModification(kind ModificationKind, raw json.RawMessage) (Modification, error) {
	switch kind {
	case ModChangeAmount:
		var m ChangeAmount
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return m, nil
	case ModChangeDueDate:
		var m ChangeDueDate
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return m, nil
	case ModAddMilestone:
		var m AddMilestone
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown modification kind %q", ErrInvalidInput, kind)
	}
}
