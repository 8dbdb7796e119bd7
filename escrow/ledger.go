package escrow

import (
	"fmt"

	"github.com/yourusername/gpay-escrow/money"
)

// Ledger tracks escrowed funds for one contract in minor units of Currency.
//
// Invariant: TotalEscrowed == AvailableForRelease + Released + Refunded, all counters >= 0.
// PendingFunding sits outside the invariant until the gateway confirms the charge.
type Ledger struct {
	Currency            string      `json:"currency"`
	TotalEscrowed       int64       `json:"total_escrowed"`
	AvailableForRelease int64       `json:"available_for_release"`
	Released            int64       `json:"released"`
	Refunded            int64       `json:"refunded"`
	PendingFunding      int64       `json:"pending_funding"`
	Fees                FeeSchedule `json:"fees"`
}

func NewLedger(currency string, fees FeeSchedule) Ledger {
	return Ledger{Currency: currency, Fees: fees}
}

func (l Ledger) Check() error {
	if l.TotalEscrowed < 0 || l.AvailableForRelease < 0 || l.Released < 0 || l.Refunded < 0 || l.PendingFunding < 0 {
		return fmt.Errorf("%w: negative counter in %+v", ErrLedgerCorruption, l)
	}
	if l.TotalEscrowed != l.AvailableForRelease+l.Released+l.Refunded {
		return fmt.Errorf("%w: total %d != available %d + released %d + refunded %d",
			ErrLedgerCorruption, l.TotalEscrowed, l.AvailableForRelease, l.Released, l.Refunded)
	}
	return nil
}

func (l Ledger) Available() money.Money { return money.New(l.AvailableForRelease, l.Currency) }
func (l Ledger) Total() money.Money     { return money.New(l.TotalEscrowed, l.Currency) }

// RequestFunding records an amount awaiting gateway confirmation.
func (l *Ledger) RequestFunding(amount money.Money) error {
	return l.apply(amount, func(next *Ledger, v int64) error {
		next.PendingFunding += v
		return nil
	})
}

// ConfirmFunding moves a confirmed charge into escrow.
func (l *Ledger) ConfirmFunding(amount money.Money) error {
	return l.apply(amount, func(next *Ledger, v int64) error {
		if next.PendingFunding < v {
			return fmt.Errorf("%w: confirming %d with only %d pending", ErrLedgerCorruption, v, next.PendingFunding)
		}
		next.PendingFunding -= v
		next.TotalEscrowed += v
		next.AvailableForRelease += v
		return nil
	})
}

// CancelFunding drops a charge that failed or timed out.
func (l *Ledger) CancelFunding(amount money.Money) error {
	return l.apply(amount, func(next *Ledger, v int64) error {
		if next.PendingFunding < v {
			return fmt.Errorf("%w: cancelling %d with only %d pending", ErrLedgerCorruption, v, next.PendingFunding)
		}
		next.PendingFunding -= v
		return nil
	})
}

// Release provisionally moves funds to released. RollbackRelease undoes it.
func (l *Ledger) Release(amount money.Money) error {
	return l.apply(amount, func(next *Ledger, v int64) error {
		if v > next.AvailableForRelease {
			return fmt.Errorf("%w: release %s exceeds available %s",
				ErrInsufficientFunds, money.New(v, l.Currency), next.Available())
		}
		next.AvailableForRelease -= v
		next.Released += v
		return nil
	})
}

func (l *Ledger) RollbackRelease(amount money.Money) error {
	return l.apply(amount, func(next *Ledger, v int64) error {
		if next.Released < v {
			return fmt.Errorf("%w: rolling back %d with only %d released", ErrLedgerCorruption, v, next.Released)
		}
		next.Released -= v
		next.AvailableForRelease += v
		return nil
	})
}

// Refund provisionally moves funds to refunded. RollbackRefund undoes it.
func (l *Ledger) Refund(amount money.Money) error {
	return l.apply(amount, func(next *Ledger, v int64) error {
		if v > next.AvailableForRelease {
			return fmt.Errorf("%w: refund %s exceeds available %s",
				ErrInsufficientFunds, money.New(v, l.Currency), next.Available())
		}
		next.AvailableForRelease -= v
		next.Refunded += v
		return nil
	})
}

func (l *Ledger) RollbackRefund(amount money.Money) error {
	return l.apply(amount, func(next *Ledger, v int64) error {
		if next.Refunded < v {
			return fmt.Errorf("%w: rolling back %d with only %d refunded", ErrLedgerCorruption, v, next.Refunded)
		}
		next.Refunded -= v
		next.AvailableForRelease += v
		return nil
	})
}

// Allocation splits the available balance when a dispute is settled.
type Allocation struct {
	ToFreelancer money.Money `json:"to_freelancer"`
	ToClient     money.Money `json:"to_client"`
}

// Settle releases and refunds in a single step. Either side may be zero but not both.
func (l *Ledger) Settle(a Allocation) error {
	for _, m := range []money.Money{a.ToFreelancer, a.ToClient} {
		if m.Currency != l.Currency || m.IsNegative() || m.Minor > money.MaxMinor {
			return fmt.Errorf("%w: %s", ErrInvalidAmount, m)
		}
	}
	if a.ToFreelancer.IsZero() && a.ToClient.IsZero() {
		return fmt.Errorf("%w: empty allocation", ErrInvalidAmount)
	}
	next := *l
	if total := a.ToFreelancer.Minor + a.ToClient.Minor; total > next.AvailableForRelease {
		return fmt.Errorf("%w: allocation %s exceeds available %s",
			ErrInsufficientFunds, money.New(total, l.Currency), next.Available())
	}
	next.AvailableForRelease -= a.ToFreelancer.Minor + a.ToClient.Minor
	next.Released += a.ToFreelancer.Minor
	next.Refunded += a.ToClient.Minor
	if err := next.Check(); err != nil {
		return err
	}
	*l = next
	return nil
}

// bounded keeps every counter within money.MaxMinor, so a further bounded
// amount can never wrap a counter negative.
func (l Ledger) bounded() error {
	for _, v := range []int64{l.TotalEscrowed, l.AvailableForRelease, l.Released, l.Refunded, l.PendingFunding} {
		if v > money.MaxMinor {
			return fmt.Errorf("%w: escrow balance would exceed %s", ErrInvalidAmount, money.New(money.MaxMinor, l.Currency))
		}
	}
	return nil
}

// apply validates amount, runs fn on a copy and only commits a copy that
// still satisfies the conservation law.
func (l *Ledger) apply(amount money.Money, fn func(next *Ledger, v int64) error) error {
	if amount.Currency != l.Currency {
		return fmt.Errorf("%w: %s amount on %s ledger", ErrInvalidAmount, amount.Currency, l.Currency)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	if amount.Minor > money.MaxMinor {
		return fmt.Errorf("%w: %s exceeds the largest amount", ErrInvalidAmount, amount)
	}
	next := *l
	if err := fn(&next, amount.Minor); err != nil {
		return err
	}
	if err := next.bounded(); err != nil {
		return err
	}
	if err := next.Check(); err != nil {
		return err
	}
	*l = next
	return nil
}
