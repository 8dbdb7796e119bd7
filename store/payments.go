package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/gpay-escrow/escrow"
	"github.com/yourusername/gpay-escrow/models"
	"github.com/yourusername/gpay-escrow/money"
	"gorm.io/gorm"
)

var openStatuses = []string{string(escrow.PaymentPending), string(escrow.PaymentProcessing)}

func (s *Store) CreatePayment(ctx context.Context, p escrow.Payment) error {
	row := paymentRow(p)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return translate(err, "create payment")
	}
	return nil
}

// UpdatePayment writes the mutable fields of p only while the stored record
// is still in one of the from statuses.
func (s *Store) UpdatePayment(ctx context.Context, p escrow.Payment, from ...escrow.PaymentStatus) error {
	statuses := make([]string, 0, len(from))
	for _, st := range from {
		statuses = append(statuses, string(st))
	}
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status IN ?", p.ID, statuses).
		Updates(map[string]any{
			"status":         string(p.Status),
			"gateway_ref":    p.GatewayRef,
			"failure_reason": p.FailureReason,
			"updated_at":     p.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("update payment %s: %w", p.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: payment %s is no longer %v", escrow.ErrConcurrentModification, p.ID, statuses)
	}
	return nil
}

func (s *Store) PaymentByID(ctx context.Context, id string) (escrow.Payment, error) {
	return s.findPayment(ctx, "id = ?", id)
}

func (s *Store) PaymentByGatewayRef(ctx context.Context, ref string) (escrow.Payment, error) {
	if ref == "" {
		return escrow.Payment{}, fmt.Errorf("%w: empty gateway reference", escrow.ErrNotFound)
	}
	return s.findPayment(ctx, "gateway_ref = ?", ref)
}

func (s *Store) PaymentByIdempotencyKey(ctx context.Context, key string) (escrow.Payment, error) {
	return s.findPayment(ctx, "idempotency_key = ?", key)
}

func (s *Store) findPayment(ctx context.Context, query string, arg string) (escrow.Payment, error) {
	var row models.Payment
	err := s.db.WithContext(ctx).Where(query, arg).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return escrow.Payment{}, fmt.Errorf("%w: payment %s", escrow.ErrNotFound, arg)
	}
	if err != nil {
		return escrow.Payment{}, fmt.Errorf("find payment: %w", err)
	}
	return paymentFromRow(row), nil
}

// ListPayments returns the payment history of a contract, oldest first.
func (s *Store) ListPayments(ctx context.Context, contractID string) ([]escrow.Payment, error) {
	var rows []models.Payment
	if err := s.db.WithContext(ctx).Where("contract_id = ?", contractID).Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list payments of %s: %w", contractID, err)
	}
	out := make([]escrow.Payment, 0, len(rows))
	for _, row := range rows {
		out = append(out, paymentFromRow(row))
	}
	return out, nil
}

// StaleFunding lists funding charges still awaiting the gateway that were created before the cutoff.
func (s *Store) StaleFunding(ctx context.Context, before time.Time, limit int) ([]escrow.Payment, error) {
	return s.listPayments(ctx, limit,
		"type = ? AND status IN ? AND created_at < ?", string(escrow.PaymentEscrowFunding), openStatuses, before)
}

// Undispatched lists outgoing payments committed locally that never reached the gateway.
func (s *Store) Undispatched(ctx context.Context, before time.Time, limit int) ([]escrow.Payment, error) {
	return s.listPayments(ctx, limit,
		"type <> ? AND status = ? AND gateway_ref = ? AND created_at < ?",
		string(escrow.PaymentEscrowFunding), string(escrow.PaymentPending), "", before)
}

// OpenPayouts counts outgoing transfers of a contract still awaiting a gateway outcome.
func (s *Store) OpenPayouts(ctx context.Context, contractID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("contract_id = ? AND type IN ? AND status IN ?", contractID,
			[]string{string(escrow.PaymentMilestoneRelease), string(escrow.PaymentDisputeSettlement)}, openStatuses).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count open payouts of %s: %w", contractID, err)
	}
	return n, nil
}

func (s *Store) listPayments(ctx context.Context, limit int, query string, args ...any) ([]escrow.Payment, error) {
	var rows []models.Payment
	if err := s.db.WithContext(ctx).Where(query, args...).Order("created_at asc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	out := make([]escrow.Payment, 0, len(rows))
	for _, row := range rows {
		out = append(out, paymentFromRow(row))
	}
	return out, nil
}

// RefundSources returns the succeeded funding charges of a contract, oldest
// first, each with the amount not yet claimed by a live or succeeded refund.
func (s *Store) RefundSources(ctx context.Context, contractID string) ([]escrow.RefundSource, error) {
	payments, err := s.ListPayments(ctx, contractID)
	if err != nil {
		return nil, err
	}
	claimed := map[string]int64{}
	for _, p := range payments {
		if p.Type == escrow.PaymentRefund && (p.Open() || p.Status == escrow.PaymentSucceeded) {
			claimed[p.SourcePaymentID] += p.Amount.Minor
		}
	}
	var out []escrow.RefundSource
	for _, p := range payments {
		if p.Type != escrow.PaymentEscrowFunding || p.Status != escrow.PaymentSucceeded {
			continue
		}
		left := p.Amount.Minor - claimed[p.ID]
		if left <= 0 {
			continue
		}
		out = append(out, escrow.RefundSource{
			PaymentID:  p.ID,
			GatewayRef: p.GatewayRef,
			Refundable: money.New(left, p.Amount.Currency),
		})
	}
	return out, nil
}
