package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/yourusername/gpay-escrow/escrow"
	"gopkg.in/yaml.v3"
)

// FeeSchedules resolves the fee schedule applied to new contracts per currency.
type FeeSchedules struct {
	Default    escrow.FeeSchedule
	ByCurrency map[string]escrow.FeeSchedule
}

func (f FeeSchedules) For(currency string) escrow.FeeSchedule {
	if s, ok := f.ByCurrency[strings.ToUpper(currency)]; ok {
		return s
	}
	return f.Default
}

type feeFile struct {
	Default    *feeEntry           `yaml:"default"`
	Currencies map[string]feeEntry `yaml:"currencies"`
}

// rates are strings so that yaml never rounds them through float64
type feeEntry struct {
	PlatformRate      string `yaml:"platform_rate"`
	GatewayRate       string `yaml:"gateway_rate"`
	GatewayFixedMinor int64  `yaml:"gateway_fixed_minor"`
}

func (e feeEntry) schedule() (escrow.FeeSchedule, error) {
	platform, err := decimal.NewFromString(e.PlatformRate)
	if err != nil {
		return escrow.FeeSchedule{}, fmt.Errorf("platform_rate %q: %w", e.PlatformRate, err)
	}
	gw, err := decimal.NewFromString(e.GatewayRate)
	if err != nil {
		return escrow.FeeSchedule{}, fmt.Errorf("gateway_rate %q: %w", e.GatewayRate, err)
	}
	s := escrow.FeeSchedule{PlatformRate: platform, GatewayRate: gw, GatewayFixedMinor: e.GatewayFixedMinor}
	return s, s.Validate()
}

// LoadFeeSchedules reads the YAML fee file at path. An empty path yields the built-in defaults.
func LoadFeeSchedules(path string) (FeeSchedules, error) {
	out := FeeSchedules{Default: escrow.DefaultFeeSchedule(), ByCurrency: map[string]escrow.FeeSchedule{}}
	if path == "" {
		return out, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return FeeSchedules{}, fmt.Errorf("read fee schedule: %w", err)
	}
	var file feeFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return FeeSchedules{}, fmt.Errorf("parse fee schedule: %w", err)
	}
	if file.Default != nil {
		if out.Default, err = file.Default.schedule(); err != nil {
			return FeeSchedules{}, fmt.Errorf("default fee schedule: %w", err)
		}
	}
	for currency, entry := range file.Currencies {
		s, err := entry.schedule()
		if err != nil {
			return FeeSchedules{}, fmt.Errorf("fee schedule for %s: %w", currency, err)
		}
		out.ByCurrency[strings.ToUpper(currency)] = s
	}
	return out, nil
}
