package store

import (
	"encoding/json"
	"fmt"

	"github.com/yourusername/gpay-escrow/escrow"
	"github.com/yourusername/gpay-escrow/models"
	"github.com/yourusername/gpay-escrow/money"
)

func contractRow(c *escrow.Contract) (models.Contract, error) {
	row := models.Contract{
		ID:                  c.ID,
		ClientID:            c.ClientID,
		FreelancerID:        c.FreelancerID,
		ProposalID:          c.ProposalID,
		PayoutAccount:       c.PayoutAccount,
		Title:               c.Title,
		Scope:               c.Scope,
		Status:              string(c.Status),
		Currency:            c.Ledger.Currency,
		TotalEscrowed:       c.Ledger.TotalEscrowed,
		AvailableForRelease: c.Ledger.AvailableForRelease,
		Released:            c.Ledger.Released,
		Refunded:            c.Ledger.Refunded,
		PendingFunding:      c.Ledger.PendingFunding,
		PlatformRate:        c.Ledger.Fees.PlatformRate,
		GatewayRate:         c.Ledger.Fees.GatewayRate,
		GatewayFixedMinor:   c.Ledger.Fees.GatewayFixedMinor,
		CancellationReason:  c.CancellationReason,
		DisputeReason:       c.DisputeReason,
		Version:             c.Version,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
		CompletedAt:         c.CompletedAt,
		CancelledAt:         c.CancelledAt,
	}
	if c.PendingModification != nil {
		raw, err := json.Marshal(c.PendingModification)
		if err != nil {
			return models.Contract{}, fmt.Errorf("encode pending modification: %w", err)
		}
		row.PendingModification = string(raw)
	}
	for _, m := range c.Milestones {
		row.Milestones = append(row.Milestones, milestoneRow(c.ID, m))
	}
	return row, nil
}

func milestoneRow(contractID string, m escrow.Milestone) models.Milestone {
	row := models.Milestone{
		ID:              m.ID,
		ContractID:      contractID,
		Position:        m.Position,
		Title:           m.Title,
		AmountMinor:     m.Amount.Minor,
		Deliverables:    m.Deliverables,
		DueDate:         m.DueDate,
		Status:          string(m.Status),
		RejectionReason: m.RejectionReason,
		StartedAt:       m.StartedAt,
		ViewedAt:        m.ViewedAt,
		ApprovedAt:      m.ApprovedAt,
		RejectedAt:      m.RejectedAt,
		PaidAt:          m.PaidAt,
	}
	if m.Submission != nil {
		submittedAt := m.Submission.SubmittedAt
		row.Submitted = true
		row.FileIDs = m.Submission.FileIDs
		row.SubmissionNotes = m.Submission.Notes
		row.SubmittedAt = &submittedAt
	}
	return row
}

func contractFromRow(row models.Contract) (*escrow.Contract, error) {
	c := &escrow.Contract{
		ID:            row.ID,
		ClientID:      row.ClientID,
		FreelancerID:  row.FreelancerID,
		ProposalID:    row.ProposalID,
		PayoutAccount: row.PayoutAccount,
		Title:         row.Title,
		Scope:         row.Scope,
		Status:        escrow.ContractStatus(row.Status),
		Ledger: escrow.Ledger{
			Currency:            row.Currency,
			TotalEscrowed:       row.TotalEscrowed,
			AvailableForRelease: row.AvailableForRelease,
			Released:            row.Released,
			Refunded:            row.Refunded,
			PendingFunding:      row.PendingFunding,
			Fees: escrow.FeeSchedule{
				PlatformRate:      row.PlatformRate,
				GatewayRate:       row.GatewayRate,
				GatewayFixedMinor: row.GatewayFixedMinor,
			},
		},
		CancellationReason: row.CancellationReason,
		DisputeReason:      row.DisputeReason,
		Version:            row.Version,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
		CompletedAt:        row.CompletedAt,
		CancelledAt:        row.CancelledAt,
	}
	if row.PendingModification != "" {
		var req escrow.ModificationRequest
		if err := json.Unmarshal([]byte(row.PendingModification), &req); err != nil {
			return nil, fmt.Errorf("decode pending modification of %s: %w", row.ID, err)
		}
		c.PendingModification = &req
	}
	for _, m := range row.Milestones {
		c.Milestones = append(c.Milestones, milestoneFromRow(row.Currency, m))
	}
	// stored rows are trusted only if they still balance
	if err := c.Ledger.Check(); err != nil {
		return nil, fmt.Errorf("contract %s: %w", row.ID, err)
	}
	return c, nil
}

func milestoneFromRow(currency string, row models.Milestone) escrow.Milestone {
	m := escrow.Milestone{
		ID:              row.ID,
		Position:        row.Position,
		Title:           row.Title,
		Amount:          money.New(row.AmountMinor, currency),
		Deliverables:    row.Deliverables,
		DueDate:         row.DueDate,
		Status:          escrow.MilestoneStatus(row.Status),
		RejectionReason: row.RejectionReason,
		StartedAt:       row.StartedAt,
		ViewedAt:        row.ViewedAt,
		ApprovedAt:      row.ApprovedAt,
		RejectedAt:      row.RejectedAt,
		PaidAt:          row.PaidAt,
	}
	if row.Submitted {
		sub := &escrow.Submission{FileIDs: row.FileIDs, Notes: row.SubmissionNotes}
		if row.SubmittedAt != nil {
			sub.SubmittedAt = *row.SubmittedAt
		}
		m.Submission = sub
	}
	return m
}

func paymentRow(p escrow.Payment) models.Payment {
	return models.Payment{
		ID:              p.ID,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
		ContractID:      p.ContractID,
		MilestoneIndex:  p.MilestoneIndex,
		AmountMinor:     p.Amount.Minor,
		Currency:        p.Amount.Currency,
		Type:            string(p.Type),
		Status:          string(p.Status),
		IdempotencyKey:  p.IdempotencyKey,
		GatewayRef:      p.GatewayRef,
		Destination:     p.Destination,
		SourceAccount:   p.SourceAccount,
		SourcePaymentID: p.SourcePaymentID,
		FailureReason:   p.FailureReason,
	}
}

func paymentFromRow(row models.Payment) escrow.Payment {
	return escrow.Payment{
		ID:              row.ID,
		ContractID:      row.ContractID,
		MilestoneIndex:  row.MilestoneIndex,
		Amount:          money.New(row.AmountMinor, row.Currency),
		Type:            escrow.PaymentType(row.Type),
		Status:          escrow.PaymentStatus(row.Status),
		IdempotencyKey:  row.IdempotencyKey,
		GatewayRef:      row.GatewayRef,
		Destination:     row.Destination,
		SourceAccount:   row.SourceAccount,
		SourcePaymentID: row.SourcePaymentID,
		FailureReason:   row.FailureReason,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
}
