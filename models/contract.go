package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Contract stores the aggregate root together with its embedded escrow ledger.
type Contract struct {
	ID            string `gorm:"primaryKey;size:36" json:"id"`
	ClientID      string `gorm:"size:64;not null;index" json:"client_id"`
	FreelancerID  string `gorm:"size:64;not null;index" json:"freelancer_id"`
	ProposalID    string `gorm:"size:64;not null" json:"proposal_id"`
	PayoutAccount string `gorm:"size:56" json:"payout_account"`
	Title         string `gorm:"size:255" json:"title"`
	Scope         string `gorm:"type:text" json:"scope"`
	Status        string `gorm:"size:20;not null;default:'draft'" json:"status"` // draft, active, completed, cancelled, disputed, paused

	// Ledger counters in minor units of Currency.
	Currency            string `gorm:"size:10;not null" json:"currency"`
	TotalEscrowed       int64  `gorm:"not null;default:0" json:"total_escrowed"`
	AvailableForRelease int64  `gorm:"not null;default:0" json:"available_for_release"`
	Released            int64  `gorm:"not null;default:0" json:"released"`
	Refunded            int64  `gorm:"not null;default:0" json:"refunded"`
	PendingFunding      int64  `gorm:"not null;default:0" json:"pending_funding"`

	PlatformRate      decimal.Decimal `gorm:"type:varchar(32);not null" json:"platform_rate"`
	GatewayRate       decimal.Decimal `gorm:"type:varchar(32);not null" json:"gateway_rate"`
	GatewayFixedMinor int64           `gorm:"not null;default:0" json:"gateway_fixed_minor"`

	PendingModification string `gorm:"type:text" json:"pending_modification,omitempty"` // JSON envelope
	CancellationReason  string `gorm:"type:text" json:"cancellation_reason"`
	DisputeReason       string `gorm:"type:text" json:"dispute_reason"`

	Version     int64      `gorm:"not null;default:1" json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CancelledAt *time.Time `json:"cancelled_at"`

	Milestones []Milestone `gorm:"foreignKey:ContractID" json:"milestones"`
}

// TableName overrides the table name
func (Contract) TableName() string {
	return "contracts"
}

type Milestone struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	ContractID      string     `gorm:"size:36;not null;index:idx_milestone_position,unique" json:"contract_id"`
	Position        int        `gorm:"not null;index:idx_milestone_position,unique" json:"position"`
	Title           string     `gorm:"size:255;not null" json:"title"`
	AmountMinor     int64      `gorm:"not null" json:"amount_minor"`
	Deliverables    string     `gorm:"type:text" json:"deliverables"`
	DueDate         *time.Time `json:"due_date"`
	Status          string     `gorm:"size:20;not null;default:'pending'" json:"status"`
	Submitted       bool       `gorm:"not null;default:false" json:"submitted"`
	FileIDs         []string   `gorm:"serializer:json;type:text" json:"file_ids"`
	SubmissionNotes string     `gorm:"type:text" json:"submission_notes"`
	SubmittedAt     *time.Time `json:"submitted_at"`
	RejectionReason string     `gorm:"type:text" json:"rejection_reason"`
	StartedAt       *time.Time `json:"started_at"`
	ViewedAt        *time.Time `json:"viewed_at"`
	ApprovedAt      *time.Time `json:"approved_at"`
	RejectedAt      *time.Time `json:"rejected_at"`
	PaidAt          *time.Time `json:"paid_at"`
}

// TableName overrides the table name
func (Milestone) TableName() string {
	return "milestones"
}
