package escrow

import (
	"fmt"
	"time"

	"github.com/yourusername/gpay-escrow/money"
)

type PaymentType string

const (
	PaymentEscrowFunding     PaymentType = "escrow_funding"
	PaymentMilestoneRelease  PaymentType = "milestone_release"
	PaymentRefund            PaymentType = "refund"
	PaymentPlatformFee       PaymentType = "platform_fee"
	PaymentDisputeSettlement PaymentType = "dispute_settlement"
)

type PaymentStatus string

const (
	PaymentPending      PaymentStatus = "pending"
	PaymentProcessing   PaymentStatus = "processing"
	PaymentSucceeded    PaymentStatus = "succeeded"
	PaymentFailedStatus PaymentStatus = "failed"
	PaymentCancelled    PaymentStatus = "cancelled"
	PaymentRefunded     PaymentStatus = "refunded"
)

// Payment is one attempt to move money. Records are append-only.
type Payment struct {
	ID              string        `json:"id"`
	ContractID      string        `json:"contract_id"`
	MilestoneIndex  *int          `json:"milestone_index,omitempty"`
	Amount          money.Money   `json:"amount"`
	Type            PaymentType   `json:"type"`
	Status          PaymentStatus `json:"status"`
	IdempotencyKey  string        `json:"idempotency_key"`
	GatewayRef      string        `json:"gateway_ref,omitempty"`
	Destination     string        `json:"destination,omitempty"`
	SourceAccount   string        `json:"source_account,omitempty"`
	SourcePaymentID string        `json:"source_payment_id,omitempty"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Open reports whether the payment still awaits a gateway outcome.
func (p Payment) Open() bool {
	return p.Status == PaymentPending || p.Status == PaymentProcessing
}

// MarkProcessing records the gateway reference once the gateway accepted the call.
func (p *Payment) MarkProcessing(gatewayRef string, now time.Time) error {
	if !p.Open() {
		return fmt.Errorf("%w: payment %s is %s", ErrInvalidTransition, p.ID, p.Status)
	}
	p.GatewayRef = gatewayRef
	p.Status = PaymentProcessing
	p.UpdatedAt = now
	return nil
}

func (p *Payment) succeed(now time.Time) error {
	if !p.Open() {
		return fmt.Errorf("%w: payment %s is %s", ErrInvalidTransition, p.ID, p.Status)
	}
	p.Status = PaymentSucceeded
	p.FailureReason = ""
	p.UpdatedAt = now
	return nil
}

func (p *Payment) fail(reason string, now time.Time) error {
	if !p.Open() {
		return fmt.Errorf("%w: payment %s is %s", ErrInvalidTransition, p.ID, p.Status)
	}
	p.Status = PaymentFailedStatus
	p.FailureReason = reason
	p.UpdatedAt = now
	return nil
}

// RefundSource is a succeeded funding charge with the part not yet refunded.
type RefundSource struct {
	PaymentID  string
	GatewayRef string
	Refundable money.Money
}
