// Package schedule holds the fixed degree-based commission table.
//
// Position 1 (closest to the buyer) earns the largest slice and the
// six slices always sum to 100% of the pool. Slices for unfilled
// positions are never reallocated to filled ones; they fall through to
// the charity fund at settlement time, so no referrer ever benefits
// from another's absence.
package schedule

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MaxDegrees is the deepest position a referral chain can reach.
const MaxDegrees = 6

// ErrInvalidPosition is returned for positions outside [1, MaxDegrees]
// or beyond the listing's own degree cap.
var ErrInvalidPosition = errors.New("invalid degree position")

// fractions maps degree position (index+1) to its share of the pool:
// 50%, 25%, 10%, 7.5%, 5%, 2.5%.
var fractions = [MaxDegrees]decimal.Decimal{
	decimal.New(500, -3),
	decimal.New(250, -3),
	decimal.New(100, -3),
	decimal.New(75, -3),
	decimal.New(50, -3),
	decimal.New(25, -3),
}

// Fraction returns the pool fraction for a degree position.
func Fraction(position int) (decimal.Decimal, error) {
	if position < 1 || position > MaxDegrees {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrInvalidPosition, position)
	}
	return fractions[position-1], nil
}

// ShareOf returns the commission for the given position, rounded to
// cents. The position must be within the listing's degree cap; the
// share is independent of how many degrees eventually filled.
func ShareOf(position, maxDegrees int, pool decimal.Decimal) (decimal.Decimal, error) {
	if maxDegrees < 1 || maxDegrees > MaxDegrees {
		return decimal.Zero, fmt.Errorf("%w: max degrees %d out of range", ErrInvalidPosition, maxDegrees)
	}
	if position > maxDegrees {
		return decimal.Zero, fmt.Errorf("%w: %d exceeds listing cap %d", ErrInvalidPosition, position, maxDegrees)
	}
	frac, err := Fraction(position)
	if err != nil {
		return decimal.Zero, err
	}
	return pool.Mul(frac).Round(2), nil
}

// UnclaimedFraction sums the fractions of every unfilled position
// (filled+1 .. maxDegrees). It returns zero when the chain is full.
func UnclaimedFraction(filled, maxDegrees int) (decimal.Decimal, error) {
	if maxDegrees < 1 || maxDegrees > MaxDegrees {
		return decimal.Zero, fmt.Errorf("%w: max degrees %d out of range", ErrInvalidPosition, maxDegrees)
	}
	if filled < 0 || filled > maxDegrees {
		return decimal.Zero, fmt.Errorf("%w: filled count %d out of range", ErrInvalidPosition, filled)
	}
	sum := decimal.Zero
	for pos := filled + 1; pos <= maxDegrees; pos++ {
		sum = sum.Add(fractions[pos-1])
	}
	return sum, nil
}
