package webhook

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/yourusername/gpay-escrow/escrow"
)

type Kind string

const (
	PaymentSucceeded Kind = "payment_succeeded"
	PaymentFailed    Kind = "payment_failed"
	TransferCreated  Kind = "transfer_created"
	TransferFailed   Kind = "transfer_failed"
	RefundCompleted  Kind = "refund_completed"
	RefundFailed     Kind = "refund_failed"
)

// Event is one gateway notification, normalized.
type Event struct {
	ID         string
	Kind       Kind
	GatewayRef string
	Reason     string
}

// Succeeded reports whether the event confirms the money movement.
func (e Event) Succeeded() bool {
	switch e.Kind {
	case PaymentSucceeded, TransferCreated, RefundCompleted:
		return true
	}
	return false
}

// Applies reports whether the event kind can settle a payment of type t.
func (e Event) Applies(t escrow.PaymentType) bool {
	var types []escrow.PaymentType
	switch e.Kind {
	case PaymentSucceeded, PaymentFailed:
		types = []escrow.PaymentType{escrow.PaymentEscrowFunding}
	case TransferCreated, TransferFailed:
		types = []escrow.PaymentType{escrow.PaymentMilestoneRelease, escrow.PaymentDisputeSettlement, escrow.PaymentPlatformFee}
	case RefundCompleted, RefundFailed:
		types = []escrow.PaymentType{escrow.PaymentRefund}
	}
	return slices.Contains(types, t)
}

type payload struct {
	ID   string `json:"id"`
	Type Kind   `json:"type"`
	Data struct {
		GatewayRef    string `json:"gateway_ref"`
		FailureReason string `json:"failure_reason"`
	} `json:"data"`
}

// Parse decodes a verified request body.
func Parse(body []byte) (Event, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", escrow.ErrInvalidInput, err)
	}
	if strings.TrimSpace(p.ID) == "" {
		return Event{}, fmt.Errorf("%w: event id is required", escrow.ErrInvalidInput)
	}
	switch p.Type {
	case PaymentSucceeded, PaymentFailed, TransferCreated, TransferFailed, RefundCompleted, RefundFailed:
	default:
		return Event{}, fmt.Errorf("%w: unknown event type %q", escrow.ErrInvalidInput, p.Type)
	}
	if p.Data.GatewayRef == "" {
		return Event{}, fmt.Errorf("%w: gateway_ref is required", escrow.ErrInvalidInput)
	}
	ev := Event{ID: p.ID, Kind: p.Type, GatewayRef: p.Data.GatewayRef, Reason: p.Data.FailureReason}
	if !ev.Succeeded() && ev.Reason == "" {
		ev.Reason = string(p.Type)
	}
	return ev, nil
}
