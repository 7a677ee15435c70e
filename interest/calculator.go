// Package interest computes simple interest for an elapsed accrual period. It does no I/O.
package interest

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultScale is the number of decimal places of the currency's minor unit (the won has none).
const DefaultScale int32 = 0

var daysPerYear = decimal.NewFromInt(365)

// Calculator rounds accrued interest to a fixed minor unit.
type Calculator struct {
	Scale int32
}

// Accrue returns round(principal * annualRate * elapsedDays / 365) using DefaultScale.
func Accrue(principal, annualRate decimal.Decimal, elapsedDays int) decimal.Decimal {
	return Calculator{Scale: DefaultScale}.Accrue(principal, annualRate, elapsedDays)
}

// Accrue returns the simple interest for elapsedDays, rounded half-up to c.Scale places.
// A zero result means nothing is due: elapsedDays < 1, principal <= 0 or annualRate <= 0.
func (c Calculator) Accrue(principal, annualRate decimal.Decimal, elapsedDays int) decimal.Decimal {
	if elapsedDays < 1 || !principal.IsPositive() || !annualRate.IsPositive() {
		return decimal.Zero
	}
	raw := principal.Mul(annualRate).Mul(decimal.NewFromInt(int64(elapsedDays)))
	// Divide with enough headroom that the half-up decision is taken on the exact quotient.
	q := raw.DivRound(daysPerYear, c.Scale+16)
	// Amounts are non-negative here, so rounding half away from zero is rounding half up.
	return q.Round(c.Scale)
}

// ElapsedDays counts whole calendar days from the date of from to the date of to, both read in loc.
// Time of day is ignored. A nil loc means UTC; spans that go backwards report 0.
func ElapsedDays(from, to time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	fy, fm, fd := from.In(loc).Date()
	ty, tm, td := to.In(loc).Date()
	start := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	end := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	days := int(end.Sub(start).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
