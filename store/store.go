package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/gpay-escrow/escrow"
	"github.com/yourusername/gpay-escrow/models"
	"gorm.io/gorm"
)

// ErrDuplicateKey is returned when an insert collides with a unique index.
var ErrDuplicateKey = errors.New("duplicate key")

// Store persists contracts, payment records, processed gateway events and the
// outbox. Every method runs against the transaction the Store was bound to by Tx.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Tx runs fn inside one database transaction. Nothing fn wrote survives an error.
func (s *Store) Tx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) LoadContract(ctx context.Context, id string) (*escrow.Contract, error) {
	var row models.Contract
	err := s.db.WithContext(ctx).
		Preload("Milestones", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: contract %s", escrow.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load contract %s: %w", id, err)
	}
	return contractFromRow(row)
}

// CreateContract inserts a new contract at version 1.
func (s *Store) CreateContract(ctx context.Context, c *escrow.Contract) error {
	c.Version = 1
	row, err := contractRow(c)
	if err != nil {
		return err
	}
	db := s.db.WithContext(ctx)
	if err := db.Omit("Milestones").Create(&row).Error; err != nil {
		return translate(err, "create contract")
	}
	if err := db.Create(&row.Milestones).Error; err != nil {
		return translate(err, "create milestones")
	}
	return nil
}

// SaveContract writes c only if the stored version still equals c.Version,
// then bumps the version. A stale version yields ErrConcurrentModification.
func (s *Store) SaveContract(ctx context.Context, c *escrow.Contract) error {
	if err := c.Ledger.Check(); err != nil {
		return err
	}
	row, err := contractRow(c)
	if err != nil {
		return err
	}
	db := s.db.WithContext(ctx)
	res := db.Model(&models.Contract{}).
		Where("id = ? AND version = ?", c.ID, c.Version).
		Updates(map[string]any{
			"status":                string(c.Status),
			"payout_account":        row.PayoutAccount,
			"total_escrowed":        row.TotalEscrowed,
			"available_for_release": row.AvailableForRelease,
			"released":              row.Released,
			"refunded":              row.Refunded,
			"pending_funding":       row.PendingFunding,
			"pending_modification":  row.PendingModification,
			"cancellation_reason":   row.CancellationReason,
			"dispute_reason":        row.DisputeReason,
			"completed_at":          row.CompletedAt,
			"cancelled_at":          row.CancelledAt,
			"updated_at":            row.UpdatedAt,
			"version":               c.Version + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("save contract %s: %w", c.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: contract %s changed since version %d", escrow.ErrConcurrentModification, c.ID, c.Version)
	}
	for i := range row.Milestones {
		if err := db.Save(&row.Milestones[i]).Error; err != nil {
			return fmt.Errorf("save milestone %d of %s: %w", row.Milestones[i].Position, c.ID, err)
		}
	}
	c.Version++
	return nil
}

func translate(err error, op string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%s: %w", op, ErrDuplicateKey)
	}
	return fmt.Errorf("%s: %w", op, err)
}
