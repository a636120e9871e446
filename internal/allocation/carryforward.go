package allocation

import (
	"time"

	"billing-pipeline/internal/models"
	"billing-pipeline/internal/money"
)

// CarryForward holds the prior year's unpaid buckets and any overpayment.
type CarryForward struct {
	BK     money.Amount `json:"bk"`
	HK     money.Amount `json:"hk"`
	Miete  money.Amount `json:"miete"`
	Credit money.Amount `json:"credit"`
}

// Net is the signed amount carried into the new year.
func (c CarryForward) Net() money.Amount {
	return c.BK + c.HK + c.Miete - c.Credit
}

// CarryForwardFrom derives the carry-forward from a prior-year balance using
// the same BK, HK, Miete waterfall.
func CarryForwardFrom(prior Balance) CarryForward {
	s := Allocate(prior.SollBK, prior.SollHK, prior.SollMiete, prior.Ist)
	return CarryForward{
		BK:     prior.SollBK - s.IstBK,
		HK:     prior.SollHK - s.IstHK,
		Miete:  prior.SollMiete - s.IstMiete,
		Credit: s.Ueberzahlung,
	}
}

// ApplyCarryForward adds the prior-year buckets to the January SOLL. A prior
// overpayment reduces the new buckets in waterfall order; credit beyond the
// new SOLL lowers the saldo below zero.
func ApplyCarryForward(b Balance, t models.Tenancy, cf CarryForward, asOf time.Time) Balance {
	b.VortragBK = cf.BK
	b.VortragHK = cf.HK
	b.VortragMiete = cf.Miete
	b.VortragCredit = cf.Credit.Negate()

	bk := b.SollBK + cf.BK
	hk := b.SollHK + cf.HK
	miete := b.SollMiete + cf.Miete
	var leftover money.Amount
	if cf.Credit.IsPositive() {
		red := Allocate(bk, hk, miete, cf.Credit)
		bk -= red.IstBK
		hk -= red.IstHK
		miete -= red.IstMiete
		leftover = red.Ueberzahlung
	}
	b.SollBK, b.SollHK, b.SollMiete = bk, hk, miete

	b.finish(t, activeMonths(t, b.Period), asOf)
	if leftover.IsPositive() {
		b.Saldo -= leftover
		b.Status = ClassifyStatus(b.Saldo, b.Ist)
		if !b.Saldo.IsPositive() {
			b.DaysOverdue = 0
			b.Mahnstatus = Mahnstatus(0)
		}
	}
	return b
}
