package execution

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/optiqlabs/tradecore/internal/config"
	"github.com/optiqlabs/tradecore/internal/types"
)

// StakeFor sizes the stake for a signal: base, optionally scaled by
// confidence (never below half), clamped to [min, max] and rounded to
// 2 decimals.
func StakeFor(cfg config.StakeConfig, signal types.Signal) float64 {
	stake := cfg.Base
	if cfg.ConfidenceMult && signal.Confidence > 0 {
		mult := signal.Confidence
		if mult < 0.5 {
			mult = 0.5
		}
		stake *= mult
	}
	if signal.StakeMult > 0 {
		stake *= signal.StakeMult
	}
	if stake < cfg.Min {
		stake = cfg.Min
	}
	if stake > cfg.Max {
		stake = cfg.Max
	}
	out, _ := decimal.NewFromFloat(stake).Round(2).Float64()
	return out
}

// DurationFor picks the contract duration. A duration carried by the
// signal wins; otherwise the market heuristic applies: fast synthetic
// indices get 1 minute, major forex 5, everything else the default.
func DurationFor(cfg config.DurationConfig, signal types.Signal) types.ContractDuration {
	if signal.Duration != nil && signal.Duration.Value > 0 {
		return *signal.Duration
	}

	market := signal.Market
	switch {
	case strings.HasPrefix(market, "R_"), strings.HasPrefix(market, "1HZ"):
		return types.ContractDuration{Value: 1, Unit: "m"}
	case strings.Contains(market, "USD"), strings.Contains(market, "EUR"):
		return types.ContractDuration{Value: 5, Unit: "m"}
	}

	if cfg.Value > 0 {
		return types.ContractDuration{Value: cfg.Value, Unit: cfg.Unit}
	}
	return types.ContractDuration{Value: 3, Unit: "m"}
}
