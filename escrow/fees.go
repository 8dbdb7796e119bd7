package escrow

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/yourusername/gpay-escrow/money"
)

// FeeSchedule is the single source of truth for what the platform and the
// gateway keep out of a released amount.
type FeeSchedule struct {
	PlatformRate decimal.Decimal `json:"platform_rate"`
	GatewayRate  decimal.Decimal `json:"gateway_rate"`
	// GatewayFixedMinor is charged once per release, in minor units of the ledger currency.
	GatewayFixedMinor int64 `json:"gateway_fixed_minor"`
}

// DefaultFeeSchedule is 5% platform plus 2.9% + 0.30 gateway.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		PlatformRate:      decimal.RequireFromString("0.05"),
		GatewayRate:       decimal.RequireFromString("0.029"),
		GatewayFixedMinor: 30,
	}
}

func (f FeeSchedule) Validate() error {
	if f.PlatformRate.IsNegative() || f.GatewayRate.IsNegative() || f.GatewayFixedMinor < 0 {
		return fmt.Errorf("%w: fee rates must be non-negative", ErrInvalidInput)
	}
	if f.PlatformRate.Add(f.GatewayRate).GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: combined fee rate must be below 100%%", ErrInvalidInput)
	}
	return nil
}

// FeeBreakdown splits a gross release amount.
type FeeBreakdown struct {
	Gross            money.Money `json:"gross"`
	PlatformFee      money.Money `json:"platform_fee"`
	GatewayFee       money.Money `json:"gateway_fee"`
	FreelancerAmount money.Money `json:"freelancer_amount"`
}

// Breakdown computes
//
//	freelancer = amount - round(amount*platform) - round(amount*gateway + fixed)
//
// with banker's rounding to the minor unit. The freelancer amount never goes negative;
// fees on tiny amounts are capped at the gross.
func (f FeeSchedule) Breakdown(amount money.Money) FeeBreakdown {
	platform := amount.MulRate(f.PlatformRate)
	gatewayMinor := decimal.NewFromInt(amount.Minor).Mul(f.GatewayRate).
		Add(decimal.NewFromInt(f.GatewayFixedMinor)).RoundBank(0).IntPart()
	gateway := money.New(gatewayMinor, amount.Currency)

	net := amount.Minor - platform.Minor - gateway.Minor
	if net < 0 {
		net = 0
		if platform.Minor > amount.Minor {
			platform = amount
		}
		gateway = money.New(amount.Minor-platform.Minor, amount.Currency)
	}
	return FeeBreakdown{
		Gross:            amount,
		PlatformFee:      platform,
		GatewayFee:       gateway,
		FreelancerAmount: money.New(net, amount.Currency),
	}
}
