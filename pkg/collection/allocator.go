// Package collection splits repayments across what an installment owes and
// carries the result into installment and loan running totals.
package collection

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microcredit/pkg/apperr"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/shopspring/decimal"
)

// Due is what one installment still owes, by component.
type Due struct {
	Fine      decimal.Decimal
	Interest  decimal.Decimal
	Principal decimal.Decimal
}

func (d Due) Total() decimal.Decimal {
	return d.Fine.Add(d.Interest).Add(d.Principal)
}

// DueOf reads the outstanding components of an installment.
func DueOf(inst *models.Installment) Due {
	return Due{Fine: inst.FineDue(), Interest: inst.InterestDue(), Principal: inst.PrincipalDue()}
}

// Allocation is the split of one cash amount.
type Allocation struct {
	Fine      decimal.Decimal
	Interest  decimal.Decimal
	Principal decimal.Decimal
	Unapplied decimal.Decimal
}

// Applied is the part of the cash that went to the installment.
func (a Allocation) Applied() decimal.Decimal {
	return a.Fine.Add(a.Interest).Add(a.Principal)
}

// Allocate applies cash to fine, then interest, then principal. No component
// exceeds its due amount; whatever is left over is reported as Unapplied.
func Allocate(cash decimal.Decimal, due Due) Allocation {
	remaining := cash
	take := func(owed decimal.Decimal) decimal.Decimal {
		if !remaining.IsPositive() || !owed.IsPositive() {
			return decimal.Zero
		}
		paid := decimal.Min(remaining, owed)
		remaining = remaining.Sub(paid)
		return paid
	}

	a := Allocation{}
	a.Fine = take(due.Fine)
	a.Interest = take(due.Interest)
	a.Principal = take(due.Principal)
	a.Unapplied = remaining
	return a
}

// RefreshFine recomputes late days and accrued fine for an open installment.
func RefreshFine(inst *models.Installment, fines FineCalculator, now time.Time) {
	if !inst.Open() {
		return
	}
	inst.LateDays, inst.FineAmount = fines.Fine(inst.DueDate, now)
}

// SelectInstallment returns the installment a payment goes to: the one named by
// id, or the lowest-numbered open one. It returns nil when nothing is open.
func SelectInstallment(installments []*models.Installment, id *uuid.UUID) (*models.Installment, error) {
	if id != nil {
		for _, inst := range installments {
			if inst.ID == *id {
				return inst, nil
			}
		}
		return nil, apperr.NotFound("collection.SelectInstallment", "installment %s not found on loan", *id)
	}
	var next *models.Installment
	for _, inst := range installments {
		if !inst.Open() {
			continue
		}
		if next == nil || inst.Number < next.Number {
			next = inst
		}
	}
	return next, nil
}

// ApplyToInstallment books an allocation on the installment. Fine paid is kept
// out of PaidAmount, which tracks interest and principal only.
func ApplyToInstallment(inst *models.Installment, a Allocation, now time.Time) {
	inst.FinePaid = inst.FinePaid.Add(a.Fine)
	inst.InterestPaid = inst.InterestPaid.Add(a.Interest)
	inst.PrincipalPaid = inst.PrincipalPaid.Add(a.Principal)
	inst.PaidAmount = inst.PaidAmount.Add(a.Interest).Add(a.Principal)
	inst.RemainingAmount = inst.TotalAmount.Sub(inst.PaidAmount)

	if inst.RemainingAmount.LessThanOrEqual(decimal.Zero) {
		inst.Status = models.InstallmentPaid
		paidAt := now
		inst.PaymentDate = &paidAt
	} else {
		inst.Status = models.InstallmentPartial
	}
}

// ApplyToLoan rolls an allocation into the loan's running totals and moves the
// loan to Active, or Closed once nothing remains. installments must be the
// loan's full schedule, already updated.
func ApplyToLoan(loan *models.Loan, a Allocation, installments []*models.Installment, now time.Time) {
	loan.PaidAmount = loan.PaidAmount.Add(a.Interest).Add(a.Principal)
	loan.RemainingBalance = loan.TotalPayable.Sub(loan.PaidAmount)
	paidAt := now
	loan.LastPaymentDate = &paidAt

	paid := 0
	for _, inst := range installments {
		if inst.Status == models.InstallmentPaid {
			paid++
		}
	}
	loan.PaidInstallments = paid

	if loan.RemainingBalance.LessThanOrEqual(decimal.Zero) {
		loan.Status = models.LoanClosed
		loan.ClosedDate = &paidAt
	} else {
		loan.Status = models.LoanActive
	}
}

// MarkOverdue flags an open, unpaid-past-due installment as Overdue and
// refreshes its fine. It reports whether the installment changed.
func MarkOverdue(inst *models.Installment, fines FineCalculator, now time.Time) bool {
	if !inst.Open() || !now.After(inst.DueDate) {
		return false
	}
	before := inst.Status
	days, fine := inst.LateDays, inst.FineAmount
	RefreshFine(inst, fines, now)
	inst.Status = models.InstallmentOverdue
	return before != inst.Status || days != inst.LateDays || !fine.Equal(inst.FineAmount)
}
