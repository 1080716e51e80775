package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/chain"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/schedule"
)

// allocation is the charity fund's claim on a settled pool: the slices
// of degrees nobody filled (plus any unconfirmed ones).
type allocation struct {
	unfilledDegrees int
	amount          decimal.Decimal
}

// splitPool divides the pool between confirmed referrers and charity.
// Each confirmed position gets its schedule share rounded to cents;
// charity takes pool minus the payout total, which both covers the
// unfilled tail and pins all rounding drift onto the charity amount
// exactly once. No slice is ever reallocated to another referrer:
// nobody gains from a neighbor's absence.
//
// When every degree is filled there is no charity claim, so the cent
// residue (either sign) folds into the degree-1 payout instead.
func splitPool(pool decimal.Decimal, confirmed []chain.ChainLink, maxDegrees int) ([]Payout, allocation, error) {
	payouts := make([]Payout, 0, len(confirmed))
	total := decimal.Zero
	for _, link := range confirmed {
		share, err := schedule.ShareOf(link.DegreePosition, maxDegrees, pool)
		if err != nil {
			return nil, allocation{}, err
		}
		payouts = append(payouts, Payout{
			ReferrerID:     link.ReferrerID,
			DegreePosition: link.DegreePosition,
			Amount:         share,
		})
		total = total.Add(share)
	}

	remainder := pool.Sub(total)
	unfilled := maxDegrees - len(confirmed)

	if unfilled == 0 || (remainder.IsNegative() && len(payouts) > 0) {
		// The lowest confirmed degree carries the largest share; it
		// absorbs the residue.
		payouts[0].Amount = payouts[0].Amount.Add(remainder)
		return payouts, allocation{}, nil
	}

	return payouts, allocation{unfilledDegrees: unfilled, amount: remainder}, nil
}
