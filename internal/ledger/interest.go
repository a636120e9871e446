// Package ledger posts append-only ledger entries for allocated payments:
// charges, payments, statutory interest, dunning fees and credits.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"billing-pipeline/internal/config"
	"billing-pipeline/internal/money"
)

var (
	daysPerYear = decimal.NewFromInt(365)
	hundred     = decimal.NewFromInt(100)
)

// DefaultAnnualRate is the statutory default interest rate.
var DefaultAnnualRate = decimal.RequireFromString("0.04")

// Policy holds the interest rate and fee table applied by Sync.
type Policy struct {
	AnnualRate decimal.Decimal
	Fees       FeeSchedule
}

// DefaultPolicy is 4% p.a. with fees 0 / 5 / 10.
func DefaultPolicy() Policy {
	return Policy{
		AnnualRate: DefaultAnnualRate,
		Fees:       FeeSchedule{Tier1: 0, Tier2: money.Cents(500), Tier3: money.Cents(1000)},
	}
}

// PolicyFromConfig parses the rate and fee settings.
func PolicyFromConfig(cfg config.Config) (Policy, error) {
	rate, err := decimal.NewFromString(cfg.InterestRateAnnual)
	if err != nil {
		return Policy{}, fmt.Errorf("parse INTEREST_RATE_ANNUAL: %w", err)
	}
	if rate.IsNegative() {
		return Policy{}, fmt.Errorf("INTEREST_RATE_ANNUAL must not be negative: %s", rate)
	}
	var fees [3]money.Amount
	for i, raw := range []string{cfg.DunningFeeTier1, cfg.DunningFeeTier2, cfg.DunningFeeTier3} {
		a, err := money.Parse(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("parse DUNNING_FEE_TIER%d: %w", i+1, err)
		}
		fees[i] = a
	}
	return Policy{AnnualRate: rate, Fees: FeeSchedule{Tier1: fees[0], Tier2: fees[1], Tier3: fees[2]}}, nil
}

// CalculateInterest returns principal × rate / 365 × days without rounding.
// It is zero for days <= 0 and strictly increasing in days for a positive
// principal and rate.
func CalculateInterest(principal money.Amount, days int, annualRate decimal.Decimal) decimal.Decimal {
	if days <= 0 || !principal.IsPositive() {
		return decimal.Zero
	}
	// Multiply before dividing so the only inexact step is the final division.
	num := principal.Decimal().Mul(annualRate).Mul(decimal.NewFromInt(int64(days)))
	return num.DivRound(daysPerYear, 12)
}

// InterestAmount is CalculateInterest rounded to cents for posting.
func (p Policy) InterestAmount(principal money.Amount, days int) money.Amount {
	return money.FromDecimal(CalculateInterest(principal, days, p.AnnualRate))
}
