package escrow

import (
	"time"

	"github.com/yourusername/gpay-escrow/money"
)

// Event names published to the notification stream.
const (
	EventContractCreated        = "contract.created"
	EventEscrowFundingRequested = "escrow.funding_requested"
	EventEscrowFunded           = "escrow.funded"
	EventMilestoneSubmitted     = "milestone.submitted"
	EventMilestoneApproved      = "milestone.approved"
	EventMilestoneRejected      = "milestone.rejected"
	EventEscrowReleased         = "escrow.released"
	EventContractCompleted      = "contract.completed"
	EventContractCancelled      = "contract.cancelled"
	EventRefundIssued           = "escrow.refund_issued"
	EventPaymentFailed          = "payment.failed"
	EventDisputeOpened          = "dispute.opened"
	EventDisputeSettled         = "dispute.settled"
	EventModificationRequested  = "contract.modification_requested"
	EventModificationResolved   = "contract.modification_resolved"
)

// Event is a domain fact emitted by the aggregate. Each type carries only its own fields.
type Event interface {
	EventType() string
	AggregateID() string
}

type ContractCreated struct {
	ContractID   string    `json:"contract_id"`
	ClientID     string    `json:"client_id"`
	FreelancerID string    `json:"freelancer_id"`
	ProposalID   string    `json:"proposal_id"`
	Milestones   int       `json:"milestones"`
	CreatedAt    time.Time `json:"created_at"`
}

type EscrowFundingRequested struct {
	ContractID string      `json:"contract_id"`
	PaymentID  string      `json:"payment_id"`
	Amount     money.Money `json:"amount"`
}

type EscrowFunded struct {
	ContractID    string      `json:"contract_id"`
	PaymentID     string      `json:"payment_id"`
	Amount        money.Money `json:"amount"`
	TotalEscrowed money.Money `json:"total_escrowed"`
}

type MilestoneSubmittedEvent struct {
	ContractID     string   `json:"contract_id"`
	MilestoneIndex int      `json:"milestone_index"`
	FileIDs        []string `json:"file_ids"`
}

type MilestoneApprovedEvent struct {
	ContractID       string      `json:"contract_id"`
	MilestoneIndex   int         `json:"milestone_index"`
	Amount           money.Money `json:"amount"`
	FreelancerAmount money.Money `json:"freelancer_amount"`
}

type MilestoneRejectedEvent struct {
	ContractID     string `json:"contract_id"`
	MilestoneIndex int    `json:"milestone_index"`
	Reason         string `json:"reason"`
}

type EscrowReleased struct {
	ContractID     string      `json:"contract_id"`
	PaymentID      string      `json:"payment_id"`
	MilestoneIndex *int        `json:"milestone_index,omitempty"`
	Amount         money.Money `json:"amount"`
	GatewayRef     string      `json:"gateway_ref"`
}

type ContractCompletedEvent struct {
	ContractID  string    `json:"contract_id"`
	CompletedAt time.Time `json:"completed_at"`
}

type ContractCancelledEvent struct {
	ContractID  string      `json:"contract_id"`
	Reason      string      `json:"reason"`
	Refunded    money.Money `json:"refunded"`
	CancelledAt time.Time   `json:"cancelled_at"`
}

type RefundIssued struct {
	ContractID string      `json:"contract_id"`
	PaymentID  string      `json:"payment_id"`
	Amount     money.Money `json:"amount"`
}

type PaymentFailed struct {
	ContractID     string      `json:"contract_id"`
	PaymentID      string      `json:"payment_id"`
	Type           PaymentType `json:"type"`
	MilestoneIndex *int        `json:"milestone_index,omitempty"`
	Amount         money.Money `json:"amount"`
	Reason         string      `json:"reason"`
}

type DisputeOpened struct {
	ContractID string `json:"contract_id"`
	OpenedBy   string `json:"opened_by"`
	Reason     string `json:"reason"`
}

type DisputeSettled struct {
	ContractID   string      `json:"contract_id"`
	Resolution   Resolution  `json:"resolution"`
	ToFreelancer money.Money `json:"to_freelancer"`
	ToClient     money.Money `json:"to_client"`
}

type ModificationRequested struct {
	ContractID  string           `json:"contract_id"`
	Kind        ModificationKind `json:"kind"`
	RequestedBy string           `json:"requested_by"`
}

type ModificationResolved struct {
	ContractID string           `json:"contract_id"`
	Kind       ModificationKind `json:"kind"`
	Accepted   bool             `json:"accepted"`
}

func (e ContractCreated) EventType() string         { return EventContractCreated }
func (e EscrowFundingRequested) EventType() string  { return EventEscrowFundingRequested }
func (e EscrowFunded) EventType() string            { return EventEscrowFunded }
func (e MilestoneSubmittedEvent) EventType() string { return EventMilestoneSubmitted }
func (e MilestoneApprovedEvent) EventType() string  { return EventMilestoneApproved }
func (e MilestoneRejectedEvent) EventType() string  { return EventMilestoneRejected }
func (e EscrowReleased) EventType() string          { return EventEscrowReleased }
func (e ContractCompletedEvent) EventType() string  { return EventContractCompleted }
func (e ContractCancelledEvent) EventType() string  { return EventContractCancelled }
func (e RefundIssued) EventType() string            { return EventRefundIssued }
func (e PaymentFailed) EventType() string           { return EventPaymentFailed }
func (e DisputeOpened) EventType() string           { return EventDisputeOpened }
func (e DisputeSettled) EventType() string          { return EventDisputeSettled }
func (e ModificationRequested) EventType() string   { return EventModificationRequested }
func (e ModificationResolved) EventType() string    { return EventModificationResolved }

func (e ContractCreated) AggregateID() string         { return e.ContractID }
func (e EscrowFundingRequested) AggregateID() string  { return e.ContractID }
func (e EscrowFunded) AggregateID() string            { return e.ContractID }
func (e MilestoneSubmittedEvent) AggregateID() string { return e.ContractID }
func (e MilestoneApprovedEvent) AggregateID() string  { return e.ContractID }
func (e MilestoneRejectedEvent) AggregateID() string  { return e.ContractID }
func (e EscrowReleased) AggregateID() string          { return e.ContractID }
func (e ContractCompletedEvent) AggregateID() string  { return e.ContractID }
func (e ContractCancelledEvent) AggregateID() string  { return e.ContractID }
func (e RefundIssued) AggregateID() string            { return e.ContractID }
func (e PaymentFailed) AggregateID() string           { return e.ContractID }
func (e DisputeOpened) AggregateID() string           { return e.ContractID }
func (e DisputeSettled) AggregateID() string          { return e.ContractID }
func (e ModificationRequested) AggregateID() string   { return e.ContractID }
func (e ModificationResolved) AggregateID() string    { return e.ContractID }
