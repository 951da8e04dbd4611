package collection

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultFinePerDay is charged for every whole day an installment is late.
var DefaultFinePerDay = decimal.NewFromInt(5)

// FineCalculator derives late fees from a due date and a clock reading. It keeps
// no state, so the same due date and now always give the same fine.
type FineCalculator struct {
	PerDay decimal.Decimal
}

func NewFineCalculator(perDay decimal.Decimal) FineCalculator {
	if perDay.IsNegative() {
		perDay = decimal.Zero
	}
	return FineCalculator{PerDay: perDay}
}

// LateDays counts whole days elapsed since due, zero when not yet late.
func (f FineCalculator) LateDays(due, now time.Time) int {
	if !now.After(due) {
		return 0
	}
	return int(now.Sub(due) / (24 * time.Hour))
}

// Fine returns the late days and the fine accrued for them.
func (f FineCalculator) Fine(due, now time.Time) (int, decimal.Decimal) {
	days := f.LateDays(due, now)
	return days, f.PerDay.Mul(decimal.NewFromInt(int64(days)))
}
