package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/schedule"
)

// DegreeBreakdown is the referral-dashboard read model: one row per
// degree position up to the listing's cap, filled or not, with the
// schedule fraction that position carries.
type DegreeBreakdown struct {
	ChainID            uuid.UUID
	ListingID          uuid.UUID
	Status             Status
	CurrentDegreeCount int
	MaxDegrees         int
	PoolAmount         string
	ExpiresAt          time.Time
	Degrees            []DegreeRow
}

type DegreeRow struct {
	Position   int
	Fraction   string
	Filled     bool
	ReferrerID string
	LinkStatus LinkStatus
	JoinedAt   *time.Time
}

// Breakdown assembles the per-degree view for a chain.
func (s *Store) Breakdown(ctx context.Context, chainID uuid.UUID) (DegreeBreakdown, error) {
	c, err := s.Get(ctx, chainID)
	if err != nil {
		return DegreeBreakdown{}, err
	}

	var maxDegrees int
	if err := s.db.QueryRow(ctx, `SELECT max_degrees FROM listings WHERE id = $1`, c.ListingID).Scan(&maxDegrees); err != nil {
		return DegreeBreakdown{}, fmt.Errorf("failed to load listing cap: %w", err)
	}

	links, err := s.Links(ctx, chainID)
	if err != nil {
		return DegreeBreakdown{}, err
	}
	byPosition := make(map[int]ChainLink, len(links))
	for _, l := range links {
		byPosition[l.DegreePosition] = l
	}

	out := DegreeBreakdown{
		ChainID:            c.ID,
		ListingID:          c.ListingID,
		Status:             c.Status,
		CurrentDegreeCount: c.CurrentDegreeCount,
		MaxDegrees:         maxDegrees,
		PoolAmount:         c.PoolAmount.StringFixed(2),
		ExpiresAt:          c.ExpiresAt,
	}
	for pos := 1; pos <= maxDegrees; pos++ {
		frac, err := schedule.Fraction(pos)
		if err != nil {
			return DegreeBreakdown{}, err
		}
		row := DegreeRow{Position: pos, Fraction: frac.String()}
		if l, ok := byPosition[pos]; ok {
			joined := l.CreatedAt
			row.Filled = true
			row.ReferrerID = l.ReferrerID
			row.LinkStatus = l.Status
			row.JoinedAt = &joined
		}
		out.Degrees = append(out.Degrees, row)
	}
	return out, nil
}
