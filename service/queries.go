package service

import (
	"context"
	"fmt"

	"github.com/yourusername/gpay-escrow/escrow"
)

func (s *Service) GetContract(ctx context.Context, actor escrow.Actor, contractID string) (*escrow.Contract, error) {
	c, err := s.store.LoadContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !c.CanView(actor) {
		return nil, fmt.Errorf("%w: not a party to this contract", escrow.ErrForbidden)
	}
	return c, nil
}

// ListPayments returns the payment history of a contract, oldest first.
func (s *Service) ListPayments(ctx context.Context, actor escrow.Actor, contractID string) ([]escrow.Payment, error) {
	if _, err := s.GetContract(ctx, actor, contractID); err != nil {
		return nil, err
	}
	return s.store.ListPayments(ctx, contractID)
}

type MilestoneFees struct {
	Index  int                    `json:"index"`
	Title  string                 `json:"title"`
	Status escrow.MilestoneStatus `json:"status"`
	Fees   escrow.FeeBreakdown    `json:"fees"`
}

type LedgerSummary struct {
	ContractID            string                `json:"contract_id"`
	Status                escrow.ContractStatus `json:"status"`
	Ledger                escrow.Ledger         `json:"ledger"`
	CurrentMilestoneIndex int                   `json:"current_milestone_index"`
	Milestones            []MilestoneFees       `json:"milestones"`
}

// LedgerSummary reports the escrow counters and what each milestone pays out after fees.
func (s *Service) LedgerSummary(ctx context.Context, actor escrow.Actor, contractID string) (LedgerSummary, error) {
	c, err := s.GetContract(ctx, actor, contractID)
	if err != nil {
		return LedgerSummary{}, err
	}
	out := LedgerSummary{
		ContractID:            c.ID,
		Status:                c.Status,
		Ledger:                c.Ledger,
		CurrentMilestoneIndex: c.CurrentMilestoneIndex(),
		Milestones:            make([]MilestoneFees, 0, len(c.Milestones)),
	}
	for i, m := range c.Milestones {
		out.Milestones = append(out.Milestones, MilestoneFees{
			Index:  i,
			Title:  m.Title,
			Status: m.Status,
			Fees:   c.Ledger.Fees.Breakdown(m.Amount),
		})
	}
	return out, nil
}
