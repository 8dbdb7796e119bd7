package models

import (
	"time"
)

// Payment is an append-only record of one attempt to move money through the gateway.
type Payment struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ContractID      string    `gorm:"size:36;not null;index" json:"contract_id"`
	MilestoneIndex  *int      `json:"milestone_index"`
	AmountMinor     int64     `gorm:"not null" json:"amount_minor"`
	Currency        string    `gorm:"size:10;not null" json:"currency"`
	Type            string    `gorm:"size:32;not null;index" json:"type"`                       // escrow_funding, milestone_release, refund, platform_fee, dispute_settlement
	Status          string    `gorm:"size:20;not null;default:'pending';index" json:"status"` // pending, processing, succeeded, failed, cancelled, refunded
	IdempotencyKey  string    `gorm:"size:255;not null;uniqueIndex" json:"idempotency_key"`
	GatewayRef      string    `gorm:"size:255;index" json:"gateway_ref"`
	Destination     string    `gorm:"size:56" json:"destination"`
	SourceAccount   string    `gorm:"size:56" json:"source_account"`
	SourcePaymentID string    `gorm:"size:36;index" json:"source_payment_id"`
	FailureReason   string    `gorm:"type:text" json:"failure_reason"`
}

// TableName overrides the table name
func (Payment) TableName() string {
	return "payments"
}
