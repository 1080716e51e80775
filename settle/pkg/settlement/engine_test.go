package settlement_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/chain"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/ledger"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/listing"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/settlement"
	settletesting "github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/testing"
	usenaritesting "github.com/usenari-hub/zero-to-one-tool-sub000/utils/pkg/testing"
)

type fixture struct {
	clock    *clockwork.FakeClock
	listings *listing.Store
	chains   *chain.Store
	ledger   *ledger.Store
	engine   *settlement.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pool := settletesting.NewTestPool(t, testDB)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := usenaritesting.NewLogger()

	listings, err := listing.NewStore(listing.StoreConfig{Logger: log, DB: pool, Clock: clock})
	require.NoError(t, err)

	chains, err := chain.NewStore(chain.StoreConfig{Logger: log, DB: pool, Clock: clock})
	require.NoError(t, err)

	ledgerStore, err := ledger.NewStore(ledger.StoreConfig{Logger: log, DB: pool, Clock: clock})
	require.NoError(t, err)

	engine, err := settlement.NewEngine(settlement.EngineConfig{
		Logger: log,
		DB:     pool,
		Clock:  clock,
		Ledger: ledgerStore,
	})
	require.NoError(t, err)

	return &fixture{
		clock:    clock,
		listings: listings,
		chains:   chains,
		ledger:   ledgerStore,
		engine:   engine,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedChain creates an open listing, starts its chain, and appends
// `confirmed` confirmed links. Referrer ids come back in degree order.
func (f *fixture) seedChain(t *testing.T, confirmed int) (listing.Listing, chain.ReferralChain, []string) {
	t.Helper()
	ctx := context.Background()

	l, err := f.listings.Create(ctx, uuid.NewString(), "vintage road bike", dec("1000.00"), dec("20"), 6)
	require.NoError(t, err)

	c, err := f.chains.StartChain(ctx, l.ID)
	require.NoError(t, err)

	referrers := make([]string, 0, confirmed)
	for i := 0; i < confirmed; i++ {
		referrerID := fmt.Sprintf("referrer-%s-%d", c.ID.String()[:8], i+1)
		link, err := f.chains.AppendLink(ctx, c.ID, referrerID, uuid.NewString())
		require.NoError(t, err)
		require.NoError(t, f.chains.ConfirmLink(ctx, link.ID))
		referrers = append(referrers, referrerID)
	}
	return l, c, referrers
}

func TestSettle_Settlement_Settle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("partial chain pays three degrees and donates the rest", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		l, c, referrers := f.seedChain(t, 3)

		// Sale at asking price: pool = 1000 * 20% = 200.
		res, err := f.engine.Settle(ctx, c.ID, uuid.NewString(), dec("1000.00"))
		require.NoError(t, err)
		require.False(t, res.AlreadySettled)
		require.True(t, res.PoolAmount.Equal(dec("200.00")))
		require.True(t, res.CharityAmount.Equal(dec("30.00")))

		require.Len(t, res.Payouts, 3)
		for i, want := range []string{"100.00", "50.00", "20.00"} {
			require.Equal(t, i+1, res.Payouts[i].DegreePosition)
			require.Equal(t, referrers[i], res.Payouts[i].ReferrerID)
			require.True(t, res.Payouts[i].Amount.Equal(dec(want)),
				"degree %d: got %s want %s", i+1, res.Payouts[i].Amount, want)
		}

		// Money landed in the ledger.
		for i, want := range []string{"100.00", "50.00", "20.00"} {
			balance, err := f.ledger.BalanceOf(ctx, referrers[i])
			require.NoError(t, err)
			require.True(t, balance.Equal(dec(want)))
			require.NoError(t, f.ledger.VerifyUser(ctx, referrers[i]))
		}

		// Chain sealed, links paid, listing closed.
		sealed, err := f.chains.Get(ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, chain.StatusCompleted, sealed.Status)

		links, err := f.chains.Links(ctx, c.ID)
		require.NoError(t, err)
		for _, link := range links {
			require.Equal(t, chain.LinkPaid, link.Status)
		}

		closed, err := f.listings.Get(ctx, l.ID)
		require.NoError(t, err)
		require.Equal(t, listing.StatusClosed, closed.Status)
	})

	t.Run("full chain leaves nothing for charity", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, c, referrers := f.seedChain(t, 6)

		res, err := f.engine.Settle(ctx, c.ID, uuid.NewString(), dec("1000.00"))
		require.NoError(t, err)
		require.True(t, res.CharityAmount.IsZero())
		require.Len(t, res.Payouts, 6)

		total := decimal.Zero
		for i, want := range []string{"100.00", "50.00", "20.00", "15.00", "10.00", "5.00"} {
			require.Equal(t, referrers[i], res.Payouts[i].ReferrerID)
			require.True(t, res.Payouts[i].Amount.Equal(dec(want)))
			total = total.Add(res.Payouts[i].Amount)
		}
		require.True(t, total.Equal(res.PoolAmount))

		charity, err := f.ledger.BalanceOf(ctx, settlement.DefaultCharityAccountID)
		require.NoError(t, err)
		require.True(t, charity.IsZero())
	})

	t.Run("empty chain donates the whole pool", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, c, _ := f.seedChain(t, 0)

		res, err := f.engine.Settle(ctx, c.ID, uuid.NewString(), dec("1000.00"))
		require.NoError(t, err)
		require.Empty(t, res.Payouts)
		require.True(t, res.CharityAmount.Equal(dec("200.00")))
	})

	t.Run("negotiated sale recomputes the pool from the final price", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, c, referrers := f.seedChain(t, 2)

		// Haggled down from 1000 to 850: pool = 850 * 20% = 170.
		res, err := f.engine.Settle(ctx, c.ID, uuid.NewString(), dec("850.00"))
		require.NoError(t, err)
		require.True(t, res.PoolAmount.Equal(dec("170.00")))
		require.True(t, res.Payouts[0].Amount.Equal(dec("85.00")))
		require.True(t, res.Payouts[1].Amount.Equal(dec("42.50")))
		require.True(t, res.CharityAmount.Equal(dec("42.50")))

		balance, err := f.ledger.BalanceOf(ctx, referrers[0])
		require.NoError(t, err)
		require.True(t, balance.Equal(dec("85.00")))
	})

	t.Run("pending links are skipped and their slices donated", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, c, referrers := f.seedChain(t, 1)

		// Second referrer joined but was never confirmed.
		pending, err := f.chains.AppendLink(ctx, c.ID, "pending-"+uuid.NewString(), uuid.NewString())
		require.NoError(t, err)

		res, err := f.engine.Settle(ctx, c.ID, uuid.NewString(), dec("1000.00"))
		require.NoError(t, err)
		require.Len(t, res.Payouts, 1)
		require.Equal(t, referrers[0], res.Payouts[0].ReferrerID)
		require.True(t, res.Payouts[0].Amount.Equal(dec("100.00")))
		require.True(t, res.CharityAmount.Equal(dec("100.00")))

		balance, err := f.ledger.BalanceOf(ctx, pending.ReferrerID)
		require.NoError(t, err)
		require.True(t, balance.IsZero())

		// Only the payout snapshot is marked paid; the unpaid link
		// stays pending and cannot be confirmed after the chain
		// completed, so paid always means a ledger entry exists.
		links, err := f.chains.Links(ctx, c.ID)
		require.NoError(t, err)
		for _, link := range links {
			if link.ID == pending.ID {
				require.Equal(t, chain.LinkPending, link.Status)
				continue
			}
			require.Equal(t, chain.LinkPaid, link.Status)
		}
		err = f.chains.ConfirmLink(ctx, pending.ID)
		require.ErrorIs(t, err, chain.ErrChainNotActive)
	})

	t.Run("payouts plus charity always equal the pool", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		// Awkward prices whose degree slices do not round cleanly.
		for _, price := range []string{"33.33", "99.99", "123.45", "0.01", "777.77"} {
			for confirmed := 0; confirmed <= 6; confirmed += 3 {
				_, c, _ := f.seedChain(t, confirmed)

				res, err := f.engine.Settle(ctx, c.ID, uuid.NewString(), dec(price))
				require.NoError(t, err)

				total := res.CharityAmount
				for _, p := range res.Payouts {
					require.False(t, p.Amount.IsNegative())
					total = total.Add(p.Amount)
				}
				require.True(t, total.Equal(res.PoolAmount),
					"price %s with %d confirmed: payouts+charity %s != pool %s",
					price, confirmed, total, res.PoolAmount)
			}
		}
	})
}

func TestSettle_Settlement_Idempotency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("redelivered purchase returns the stored result and pays once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, c, referrers := f.seedChain(t, 3)
		purchaseID := uuid.NewString()

		first, err := f.engine.Settle(ctx, c.ID, purchaseID, dec("1000.00"))
		require.NoError(t, err)

		f.clock.Advance(time.Minute)
		second, err := f.engine.Settle(ctx, c.ID, purchaseID, dec("1000.00"))
		require.NoError(t, err)
		require.True(t, second.AlreadySettled)
		require.Equal(t, first.ChainID, second.ChainID)
		require.True(t, second.PoolAmount.Equal(first.PoolAmount))
		require.True(t, second.CharityAmount.Equal(first.CharityAmount))
		require.Len(t, second.Payouts, len(first.Payouts))
		for i := range first.Payouts {
			require.Equal(t, first.Payouts[i].ReferrerID, second.Payouts[i].ReferrerID)
			require.True(t, second.Payouts[i].Amount.Equal(first.Payouts[i].Amount))
		}

		// No double payout.
		balance, err := f.ledger.BalanceOf(ctx, referrers[0])
		require.NoError(t, err)
		require.True(t, balance.Equal(dec("100.00")))
	})

	t.Run("same chain under a different purchase id conflicts", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, c, _ := f.seedChain(t, 2)

		_, err := f.engine.Settle(ctx, c.ID, uuid.NewString(), dec("1000.00"))
		require.NoError(t, err)

		_, err = f.engine.Settle(ctx, c.ID, uuid.NewString(), dec("1000.00"))
		require.ErrorIs(t, err, settlement.ErrAlreadySettled)
	})

	t.Run("concurrent deliveries settle exactly once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, c, referrers := f.seedChain(t, 3)
		purchaseID := uuid.NewString()

		var wg sync.WaitGroup
		results := make([]settlement.Result, 4)
		errs := make([]error, 4)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = f.engine.Settle(ctx, c.ID, purchaseID, dec("1000.00"))
			}(i)
		}
		wg.Wait()

		settled := 0
		for i := range errs {
			require.NoError(t, errs[i])
			require.True(t, results[i].PoolAmount.Equal(dec("200.00")))
			if !results[i].AlreadySettled {
				settled++
			}
		}
		require.Equal(t, 1, settled)

		balance, err := f.ledger.BalanceOf(ctx, referrers[0])
		require.NoError(t, err)
		require.True(t, balance.Equal(dec("100.00")))
	})
}

func TestSettle_Settlement_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("unknown chain", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.engine.Settle(ctx, uuid.New(), uuid.NewString(), dec("100.00"))
		require.ErrorIs(t, err, chain.ErrChainNotFound)
	})

	t.Run("expired chain is not settleable", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, c, _ := f.seedChain(t, 2)
		require.NoError(t, f.chains.ExpireChain(ctx, c.ID))

		_, err := f.engine.Settle(ctx, c.ID, uuid.NewString(), dec("1000.00"))
		require.ErrorIs(t, err, chain.ErrChainNotActive)
	})

	t.Run("non-positive sale price", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, c, _ := f.seedChain(t, 1)

		_, err := f.engine.Settle(ctx, c.ID, uuid.NewString(), decimal.Zero)
		require.ErrorIs(t, err, settlement.ErrInvalidSalePrice)

		_, err = f.engine.Settle(ctx, c.ID, uuid.NewString(), dec("-10.00"))
		require.ErrorIs(t, err, settlement.ErrInvalidSalePrice)
	})

	t.Run("missing purchase id", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, c, _ := f.seedChain(t, 1)

		_, err := f.engine.Settle(ctx, c.ID, "", dec("100.00"))
		require.Error(t, err)
	})
}
