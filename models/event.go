package models

import (
	"time"
)

// ProcessedEvent marks a gateway notification that has already been applied.
type ProcessedEvent struct {
	EventID     string    `gorm:"primaryKey;size:255" json:"event_id"`
	Kind        string    `gorm:"size:64;not null" json:"kind"`
	Outcome     string    `gorm:"size:32;not null" json:"outcome"` // applied, duplicate, rejected
	ProcessedAt time.Time `gorm:"not null" json:"processed_at"`
}

// TableName overrides the table name
func (ProcessedEvent) TableName() string {
	return "processed_events"
}

// OutboxEvent holds a domain event until the outbox worker has published it.
type OutboxEvent struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	EventType      string     `gorm:"size:64;not null" json:"event_type"`
	PartitionKey   string     `gorm:"size:64;not null" json:"partition_key"`
	Payload        string     `gorm:"type:text;not null" json:"payload"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
	PublishedAt    *time.Time `gorm:"index" json:"published_at"`
	RetryCount     int        `gorm:"not null;default:0" json:"retry_count"`
	LastError      string     `gorm:"type:text" json:"last_error"`
	LastErrorAt    *time.Time `json:"last_error_at"`
	DeadLetteredAt *time.Time `gorm:"index" json:"dead_lettered_at"`
}

// TableName overrides the table name
func (OutboxEvent) TableName() string {
	return "outbox_events"
}

// All lists every table the service migrates.
func All() []any {
	return []any{&Contract{}, &Milestone{}, &Payment{}, &ProcessedEvent{}, &OutboxEvent{}}
}
