package escrow

import (
	"fmt"
	"time"
)

// ApplyPaymentOutcome commits (succeeded) or rolls back (failed) the provisional
// effects a payment had on the contract, and moves the payment to its terminal status.
//
// A repeat of an outcome already recorded returns ErrDuplicateEvent and changes nothing.
// A conflicting outcome for a settled payment returns ErrInvalidTransition.
func (c *Contract) ApplyPaymentOutcome(p *Payment, succeeded bool, reason string, now time.Time) error {
	if p.ContractID != c.ID {
		return fmt.Errorf("%w: payment %s belongs to contract %s", ErrInvalidInput, p.ID, p.ContractID)
	}
	if !p.Open() {
		if (succeeded && p.Status == PaymentSucceeded) || (!succeeded && p.Status == PaymentFailedStatus) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("%w: payment %s is already %s", ErrInvalidTransition, p.ID, p.Status)
	}

	next := c.clone()
	pay := *p
	var err error
	if succeeded {
		err = next.commitPayment(&pay, now)
	} else {
		err = next.rollbackPayment(&pay, reason, now)
	}
	if err != nil {
		return err
	}
	next.touch(now)
	*c = next
	*p = pay
	return nil
}

func (c *Contract) commitPayment(p *Payment, now time.Time) error {
	switch p.Type {
	case PaymentEscrowFunding:
		if err := c.Ledger.ConfirmFunding(p.Amount); err != nil {
			return err
		}
		if c.Status == ContractDraft {
			c.Status = ContractActive
		}
		c.record(EscrowFunded{
			ContractID:    c.ID,
			PaymentID:     p.ID,
			Amount:        p.Amount,
			TotalEscrowed: c.Ledger.Total(),
		})
	case PaymentMilestoneRelease:
		m, err := c.paymentMilestone(p)
		if err != nil {
			return err
		}
		if err := m.MarkPaid(now); err != nil {
			return err
		}
		c.record(EscrowReleased{ContractID: c.ID, PaymentID: p.ID, MilestoneIndex: p.MilestoneIndex, Amount: p.Amount, GatewayRef: p.GatewayRef})
	case PaymentDisputeSettlement:
		c.record(EscrowReleased{ContractID: c.ID, PaymentID: p.ID, Amount: p.Amount, GatewayRef: p.GatewayRef})
	case PaymentRefund, PaymentPlatformFee:
		// counters already moved when the payment was initiated
	default:
		return fmt.Errorf("%w: unknown payment type %q", ErrInvalidInput, p.Type)
	}
	return p.succeed(now)
}

func (c *Contract) rollbackPayment(p *Payment, reason string, now time.Time) error {
	switch p.Type {
	case PaymentEscrowFunding:
		if err := c.Ledger.CancelFunding(p.Amount); err != nil {
			return err
		}
	case PaymentMilestoneRelease:
		m, err := c.paymentMilestone(p)
		if err != nil {
			return err
		}
		if err := m.RevertApproval(); err != nil {
			return err
		}
		if err := c.Ledger.RollbackRelease(p.Amount); err != nil {
			return err
		}
		if c.Status == ContractCompleted {
			c.Status = ContractActive
			c.CompletedAt = nil
		}
	case PaymentDisputeSettlement:
		if err := c.Ledger.RollbackRelease(p.Amount); err != nil {
			return err
		}
	case PaymentRefund:
		if err := c.Ledger.RollbackRefund(p.Amount); err != nil {
			return err
		}
	case PaymentPlatformFee:
	default:
		return fmt.Errorf("%w: unknown payment type %q", ErrInvalidInput, p.Type)
	}
	if err := p.fail(reason, now); err != nil {
		return err
	}
	c.record(PaymentFailed{
		ContractID:     c.ID,
		PaymentID:      p.ID,
		Type:           p.Type,
		MilestoneIndex: p.MilestoneIndex,
		Amount:         p.Amount,
		Reason:         reason,
	})
	return nil
}

func (c *Contract) paymentMilestone(p *Payment) (*Milestone, error) {
	if p.MilestoneIndex == nil {
		return nil, fmt.Errorf("%w: release payment %s has no milestone", ErrLedgerCorruption, p.ID)
	}
	return c.milestone(*p.MilestoneIndex)
}
