package ledger

import "billing-pipeline/internal/money"

// FeeSchedule maps dunning tiers to a flat fee.
type FeeSchedule struct {
	Tier1 money.Amount `json:"tier1"`
	Tier2 money.Amount `json:"tier2"`
	Tier3 money.Amount `json:"tier3"`
}

// FeeTier returns 3 from 45 days overdue, 2 from 30, 1 from 14, else 0.
func FeeTier(daysOverdue int) int {
	switch {
	case daysOverdue >= 45:
		return 3
	case daysOverdue >= 30:
		return 2
	case daysOverdue >= 14:
		return 1
	default:
		return 0
	}
}

// Fee returns the flat fee for a tier; unknown tiers cost nothing.
func (f FeeSchedule) Fee(tier int) money.Amount {
	switch tier {
	case 1:
		return f.Tier1
	case 2:
		return f.Tier2
	case 3:
		return f.Tier3
	default:
		return 0
	}
}
