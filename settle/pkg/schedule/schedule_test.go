package schedule

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSettle_Schedule_FractionsSumToOne(t *testing.T) {
	t.Parallel()

	sum := decimal.Zero
	for pos := 1; pos <= MaxDegrees; pos++ {
		frac, err := Fraction(pos)
		require.NoError(t, err)
		sum = sum.Add(frac)
	}
	require.True(t, sum.Equal(decimal.NewFromInt(1)), "fractions sum to %s, want 1", sum)
}

func TestSettle_Schedule_Fraction_RejectsOutOfRange(t *testing.T) {
	t.Parallel()

	for _, pos := range []int{0, -1, 7, 100} {
		_, err := Fraction(pos)
		require.ErrorIs(t, err, ErrInvalidPosition, "position %d", pos)
	}
}

func TestSettle_Schedule_ShareOf_Pool200(t *testing.T) {
	t.Parallel()

	pool := decimal.NewFromInt(200)
	want := []string{"100", "50", "20", "15", "10", "5"}

	for pos := 1; pos <= MaxDegrees; pos++ {
		share, err := ShareOf(pos, MaxDegrees, pool)
		require.NoError(t, err)
		require.True(t, share.Equal(decimal.RequireFromString(want[pos-1])),
			"position %d: got %s, want %s", pos, share, want[pos-1])
	}
}

func TestSettle_Schedule_ShareOf_RespectsListingCap(t *testing.T) {
	t.Parallel()

	pool := decimal.NewFromInt(200)

	_, err := ShareOf(4, 3, pool)
	require.ErrorIs(t, err, ErrInvalidPosition)

	share, err := ShareOf(3, 3, pool)
	require.NoError(t, err)
	require.True(t, share.Equal(decimal.NewFromInt(20)))

	_, err = ShareOf(1, 0, pool)
	require.ErrorIs(t, err, ErrInvalidPosition)
	_, err = ShareOf(1, 7, pool)
	require.ErrorIs(t, err, ErrInvalidPosition)
}

func TestSettle_Schedule_ShareOf_RoundsToCents(t *testing.T) {
	t.Parallel()

	// 7.5% of 33.33 is 2.49975, which rounds to 2.50.
	share, err := ShareOf(4, 6, decimal.RequireFromString("33.33"))
	require.NoError(t, err)
	require.True(t, share.Equal(decimal.RequireFromString("2.50")), "got %s", share)
}

func TestSettle_Schedule_UnclaimedFraction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		filled int
		max    int
		want   string
	}{
		{"full chain", 6, 6, "0"},
		{"three of six", 3, 6, "0.15"}, // 7.5% + 5% + 2.5%
		{"empty chain", 0, 6, "1"},
		{"one of two", 1, 2, "0.25"},
		{"full short chain", 3, 3, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := UnclaimedFraction(tt.filled, tt.max)
			require.NoError(t, err)
			require.True(t, got.Equal(decimal.RequireFromString(tt.want)),
				"got %s, want %s", got, tt.want)
		})
	}

	_, err := UnclaimedFraction(4, 3)
	require.ErrorIs(t, err, ErrInvalidPosition)
	_, err = UnclaimedFraction(-1, 6)
	require.ErrorIs(t, err, ErrInvalidPosition)
}
