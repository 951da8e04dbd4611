// Package amortization prices weekly loans and lays out their installment
// schedules. Everything here is pure: no storage, no clock.
package amortization

import (
	"math"
	"time"

	"github.com/mcclellann/microcredit/pkg/apperr"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/shopspring/decimal"
)

const weeksPerYear = 52

var (
	hundred = decimal.NewFromInt(100)
	weeks   = decimal.NewFromInt(weeksPerYear)
)

// Terms are the inputs fixed when a loan is applied for.
type Terms struct {
	Principal  decimal.Decimal
	AnnualRate decimal.Decimal // percent, e.g. 15 for 15%
	Weeks      int
	Method     models.InterestMethod
}

// Result is the precomputed pricing of a loan.
type Result struct {
	TotalInterest       decimal.Decimal
	TotalPayable        decimal.Decimal
	PeriodicInstallment decimal.Decimal
}

// WeeklyRate converts an annual percentage rate into a weekly fraction.
func WeeklyRate(annualRate decimal.Decimal) decimal.Decimal {
	return annualRate.Div(hundred).Div(weeks)
}

// Validate rejects terms no method can price.
func (t Terms) Validate() error {
	const op = "amortization.Validate"
	if t.Weeks <= 0 {
		return apperr.Validation(op, "duration must be at least one week, got %d", t.Weeks)
	}
	if !t.Principal.IsPositive() {
		return apperr.Validation(op, "principal must be positive, got %s", t.Principal)
	}
	if t.AnnualRate.IsNegative() {
		return apperr.Validation(op, "interest rate must not be negative, got %s", t.AnnualRate)
	}
	if !t.Method.Valid() {
		return apperr.Validation(op, "unknown interest method %q", t.Method)
	}
	return nil
}

// Calculate prices a loan.
//
// Flat charges rate% of the principal once and spreads principal plus interest
// evenly. ReducingBalance repays principal evenly; its interest is only known
// once the schedule is laid out, so TotalPayable here is the principal alone.
// DecliningBalanceEMI uses the annuity formula and falls back to an even split
// when the rate is zero.
func Calculate(t Terms) (Result, error) {
	if err := t.Validate(); err != nil {
		return Result{}, err
	}
	n := decimal.NewFromInt(int64(t.Weeks))

	switch t.Method {
	case models.InterestFlat:
		interest := t.Principal.Mul(t.AnnualRate).Div(hundred)
		payable := t.Principal.Add(interest)
		return Result{
			TotalInterest:       interest,
			TotalPayable:        payable,
			PeriodicInstallment: payable.Div(n).Round(2),
		}, nil

	case models.InterestReducingBalance:
		return Result{
			TotalInterest:       decimal.Zero,
			TotalPayable:        t.Principal,
			PeriodicInstallment: t.Principal.Div(n).Round(2),
		}, nil

	default:
		emi := annuityPayment(t.Principal, WeeklyRate(t.AnnualRate), t.Weeks)
		payable := emi.Mul(n)
		return Result{
			TotalInterest:       payable.Sub(t.Principal),
			TotalPayable:        payable,
			PeriodicInstallment: emi,
		}, nil
	}
}

// annuityPayment returns P*i*(1+i)^n / ((1+i)^n - 1) rounded to cents, or P/n
// when i is zero.
func annuityPayment(principal, rate decimal.Decimal, n int) decimal.Decimal {
	if rate.IsZero() {
		return principal.Div(decimal.NewFromInt(int64(n))).Round(2)
	}
	i := rate.InexactFloat64()
	factor := math.Pow(1+i, float64(n))
	emi := principal.InexactFloat64() * i * factor / (factor - 1)
	return decimal.NewFromFloat(emi).Round(2)
}

// Period is one row of a schedule.
type Period struct {
	Number    int
	DueDate   time.Time
	Principal decimal.Decimal
	Interest  decimal.Decimal
	Total     decimal.Decimal
}

// Schedule lays out t.Weeks weekly periods due 7, 14, ... days after disbursedAt.
// Components are rounded to cents and never negative. Principal always sums to
// t.Principal exactly; Flat interest sums to r.TotalInterest rounded to cents.
func Schedule(t Terms, r Result, disbursedAt time.Time) ([]Period, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	periods := make([]Period, 0, t.Weeks)
	rate := WeeklyRate(t.AnnualRate)

	remaining := t.Principal
	flatInterest := r.TotalInterest.Round(2)

	for k := 1; k <= t.Weeks; k++ {
		last := k == t.Weeks
		var principal, interest decimal.Decimal

		switch t.Method {
		case models.InterestFlat:
			principal = spread(t.Principal, k, t.Weeks)
			interest = spread(flatInterest, k, t.Weeks)
		case models.InterestReducingBalance:
			interest = remaining.Mul(rate).Round(2)
			principal = r.PeriodicInstallment
		default:
			interest = remaining.Mul(rate).Round(2)
			principal = r.PeriodicInstallment.Sub(interest)
		}

		if last || principal.GreaterThan(remaining) {
			principal = remaining
		}
		if principal.IsNegative() {
			principal = decimal.Zero
		}

		remaining = remaining.Sub(principal)

		periods = append(periods, Period{
			Number:    k,
			DueDate:   disbursedAt.AddDate(0, 0, 7*k),
			Principal: principal,
			Interest:  interest,
			Total:     principal.Add(interest),
		})
	}
	return periods, nil
}

// spread returns period k's share of total over n periods as the difference of
// cumulative rounded shares, so shares are never negative and sum to total.
func spread(total decimal.Decimal, k, n int) decimal.Decimal {
	nd := decimal.NewFromInt(int64(n))
	upTo := func(j int) decimal.Decimal {
		return total.Mul(decimal.NewFromInt(int64(j))).Div(nd).Round(2)
	}
	return upTo(k).Sub(upTo(k - 1))
}

// Totals sums the interest and amount payable over a schedule.
func Totals(periods []Period) (interest, payable decimal.Decimal) {
	interest, payable = decimal.Zero, decimal.Zero
	for _, p := range periods {
		interest = interest.Add(p.Interest)
		payable = payable.Add(p.Total)
	}
	return interest, payable
}
