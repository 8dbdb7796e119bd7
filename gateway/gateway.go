// Package gateway moves money through an external payment provider.
package gateway

import (
	"context"
	"errors"

	"github.com/yourusername/gpay-escrow/escrow"
	"github.com/yourusername/gpay-escrow/money"
)

// ErrUnavailable is a transport failure or timeout. The call may be retried with the same key.
var ErrUnavailable = escrow.ErrGatewayUnavailable

// ErrDeclined is a definitive rejection by the provider. Retrying will not help.
var ErrDeclined = errors.New("gateway declined")

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Outcome is the provider's current view of a charge.
type Outcome struct {
	Status Status
	Reason string
}

// Hold is an authorized charge. Envelope carries whatever the payer must
// complete out of band, e.g. an unsigned transaction.
type Hold struct {
	Ref      string `json:"ref"`
	Envelope string `json:"envelope,omitempty"`
}

// Metadata is forwarded to the provider with each call.
type Metadata map[string]string

// Gateway is the outbound port to the payment provider. Every call carries an
// idempotency key chosen by the caller.
type Gateway interface {
	AuthorizeAndHold(ctx context.Context, amount money.Money, meta Metadata, key string) (Hold, error)
	Capture(ctx context.Context, ref, key string) (Outcome, error)
	Transfer(ctx context.Context, amount money.Money, destination string, meta Metadata, key string) (string, error)
	Refund(ctx context.Context, ref string, amount money.Money, key string) (string, error)
}
