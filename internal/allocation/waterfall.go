// Package allocation splits tenant payments across cost buckets and invoices
// and classifies the resulting SOLL/IST balance.
package allocation

import "billing-pipeline/internal/money"

// Split is the result of one waterfall run.
type Split struct {
	IstBK        money.Amount `json:"ist_bk"`
	IstHK        money.Amount `json:"ist_hk"`
	IstMiete     money.Amount `json:"ist_miete"`
	Ueberzahlung money.Amount `json:"ueberzahlung"`
	Unterzahlung money.Amount `json:"unterzahlung"`
}

// Applied is the part of the payment that landed in a bucket.
func (s Split) Applied() money.Amount {
	return s.IstBK + s.IstHK + s.IstMiete
}

// Allocate applies totalIst to the buckets in the fixed order BK, HK, Miete.
// Each bucket takes min(remaining, soll); whatever is left is overpayment.
// Amounts are whole cents, so the per-step rounding to two decimals is exact.
func Allocate(sollBK, sollHK, sollMiete, totalIst money.Amount) Split {
	remaining := totalIst.ClampZero()
	take := func(soll money.Amount) money.Amount {
		ist := remaining.Min(soll.ClampZero())
		remaining -= ist
		return ist
	}

	var s Split
	s.IstBK = take(sollBK)
	s.IstHK = take(sollHK)
	s.IstMiete = take(sollMiete)
	s.Ueberzahlung = remaining.ClampZero()
	s.Unterzahlung = (sollBK.ClampZero() - s.IstBK) +
		(sollHK.ClampZero() - s.IstHK) +
		(sollMiete.ClampZero() - s.IstMiete)
	return s
}
