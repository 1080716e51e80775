package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/chain"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/ledger"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/listing"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/server"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/settlement"
	settletesting "github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/testing"
	usenaritesting "github.com/usenari-hub/zero-to-one-tool-sub000/utils/pkg/testing"
)

type fixture struct {
	clock   *clockwork.FakeClock
	handler http.Handler
}

func newFixture(t *testing.T, opts ...func(*server.Config)) *fixture {
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
	engine, err := settlement.NewEngine(settlement.EngineConfig{Logger: log, DB: pool, Clock: clock, Ledger: ledgerStore})
	require.NoError(t, err)

	cfg := server.Config{
		Logger:   log,
		DB:       pool,
		Listings: listings,
		Chains:   chains,
		Ledger:   ledgerStore,
		Engine:   engine,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, err := server.New(cfg)
	require.NoError(t, err)

	return &fixture{clock: clock, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func (f *fixture) createListing(t *testing.T) uuid.UUID {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/listings", map[string]any{
		"sellerId":         uuid.NewString(),
		"title":            "vintage road bike",
		"askingPrice":      "1000.00",
		"rewardPercentage": "20",
		"maxDegrees":       6,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		ID uuid.UUID `json:"id"`
	}
	decodeBody(t, rec, &resp)
	return resp.ID
}

func (f *fixture) startChain(t *testing.T, listingID uuid.UUID) uuid.UUID {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/chains", map[string]any{"listingId": listingID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		ID uuid.UUID `json:"id"`
	}
	decodeBody(t, rec, &resp)
	return resp.ID
}

func (f *fixture) appendConfirmedLink(t *testing.T, chainID uuid.UUID, referrerID string) uuid.UUID {
	t.Helper()
	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/chains/%s/links", chainID), map[string]any{
		"referrerId":  referrerID,
		"contactHash": uuid.NewString(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		ID uuid.UUID `json:"id"`
	}
	decodeBody(t, rec, &resp)

	confirm := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/links/%s/confirm", resp.ID), nil)
	require.Equal(t, http.StatusNoContent, confirm.Code)
	return resp.ID
}

func TestSettle_Server_Health(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", nil).Code)

	rec := f.do(t, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var version struct {
		Version string `json:"version"`
	}
	decodeBody(t, rec, &version)
	require.Equal(t, "dev", version.Version)
}

func TestSettle_Server_ChainFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	listingID := f.createListing(t)
	chainID := f.startChain(t, listingID)

	alice, bob, carol := uuid.NewString(), uuid.NewString(), uuid.NewString()
	for _, referrer := range []string{alice, bob, carol} {
		f.appendConfirmedLink(t, chainID, referrer)
	}

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/chains/%s/degrees", chainID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var breakdown struct {
		CurrentDegreeCount int `json:"currentDegreeCount"`
		MaxDegrees         int `json:"maxDegrees"`
		Degrees            []struct {
			Position   int    `json:"position"`
			Fraction   string `json:"fraction"`
			Filled     bool   `json:"filled"`
			ReferrerID string `json:"referrerId"`
		} `json:"degrees"`
	}
	decodeBody(t, rec, &breakdown)
	require.Equal(t, 3, breakdown.CurrentDegreeCount)
	require.Equal(t, 6, breakdown.MaxDegrees)
	require.Len(t, breakdown.Degrees, 6)
	require.True(t, breakdown.Degrees[0].Filled)
	require.Equal(t, alice, breakdown.Degrees[0].ReferrerID)
	require.False(t, breakdown.Degrees[3].Filled)

	// Settle at a negotiated price and check the money trail end to end.
	purchaseID := uuid.NewString()
	rec = f.do(t, http.MethodPost, "/api/v1/settlements", map[string]any{
		"chainId":        chainID,
		"purchaseId":     purchaseID,
		"finalSalePrice": "1000.00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var settled struct {
		PoolAmount    decimal.Decimal `json:"poolAmount"`
		CharityAmount decimal.Decimal `json:"charityAmount"`
		Payouts       []struct {
			ReferrerID string          `json:"referrerId"`
			Amount     decimal.Decimal `json:"amount"`
		} `json:"payouts"`
		AlreadySettled bool `json:"alreadySettled"`
	}
	decodeBody(t, rec, &settled)
	require.True(t, settled.PoolAmount.Equal(decimal.RequireFromString("200")))
	require.True(t, settled.CharityAmount.Equal(decimal.RequireFromString("30")))
	require.Len(t, settled.Payouts, 3)
	require.False(t, settled.AlreadySettled)

	// Redelivery returns 200 with the stored result.
	rec = f.do(t, http.MethodPost, "/api/v1/settlements", map[string]any{
		"chainId":        chainID,
		"purchaseId":     purchaseID,
		"finalSalePrice": "1000.00",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &settled)
	require.True(t, settled.AlreadySettled)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/users/%s/balance", alice), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balance struct {
		Balance decimal.Decimal `json:"balance"`
	}
	decodeBody(t, rec, &balance)
	require.True(t, balance.Balance.Equal(decimal.RequireFromString("100")))

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/users/%s/ledger", alice), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []struct {
		SourceType string `json:"sourceType"`
		SourceID   string `json:"sourceId"`
	}
	decodeBody(t, rec, &history)
	require.Len(t, history, 1)
	require.Equal(t, "referral_payout", history[0].SourceType)
	require.Equal(t, purchaseID, history[0].SourceID)

	// Out-of-range limits are rejected, not silently clamped.
	for _, raw := range []string{"0", "-5", "1001", "abc"} {
		rec = f.do(t, http.MethodGet,
			fmt.Sprintf("/api/v1/users/%s/ledger?limit=%s", alice, raw), nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", raw)
	}
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/users/%s/ledger?limit=1", alice), nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSettle_Server_ErrorMapping(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	t.Run("unknown chain is 404", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/chains/%s/degrees", uuid.New()), nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("duplicate chain is 409", func(t *testing.T) {
		listingID := f.createListing(t)
		f.startChain(t, listingID)
		rec := f.do(t, http.MethodPost, "/api/v1/chains", map[string]any{"listingId": listingID})
		require.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("invalid listing input is 422", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/listings", map[string]any{
			"sellerId":         uuid.NewString(),
			"title":            "free bike",
			"askingPrice":      "-5",
			"rewardPercentage": "20",
			"maxDegrees":       6,
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("zero sale price is 422", func(t *testing.T) {
		listingID := f.createListing(t)
		chainID := f.startChain(t, listingID)
		rec := f.do(t, http.MethodPost, "/api/v1/settlements", map[string]any{
			"chainId":        chainID,
			"purchaseId":     uuid.NewString(),
			"finalSalePrice": "0",
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chains", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("repeated contact on a chain is 409", func(t *testing.T) {
		listingID := f.createListing(t)
		chainID := f.startChain(t, listingID)
		contactHash := uuid.NewString()

		rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/chains/%s/links", chainID), map[string]any{
			"referrerId":  uuid.NewString(),
			"contactHash": contactHash,
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/chains/%s/links", chainID), map[string]any{
			"referrerId":  uuid.NewString(),
			"contactHash": contactHash,
		})
		require.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestSettle_Server_AdminEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	listingID := f.createListing(t)
	chainID := f.startChain(t, listingID)
	fraudster := uuid.NewString()
	f.appendConfirmedLink(t, chainID, fraudster)

	rec := f.do(t, http.MethodPost, "/api/v1/settlements", map[string]any{
		"chainId":        chainID,
		"purchaseId":     uuid.NewString(),
		"finalSalePrice": "1000.00",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	t.Run("forfeit caps at the balance", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/users/%s/forfeit", fraudster), map[string]any{
			"amount":      "500.00",
			"referenceId": "fraud-case-1",
			"actor":       "admin",
			"reason":      "self-referral ring",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp struct {
			Forfeited decimal.Decimal `json:"forfeited"`
			Capped    bool            `json:"capped"`
		}
		decodeBody(t, rec, &resp)
		require.True(t, resp.Forfeited.Equal(decimal.RequireFromString("100")))
		require.True(t, resp.Capped)

		// Nothing left to take.
		rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/users/%s/forfeit", fraudster), map[string]any{
			"amount":      "10.00",
			"referenceId": "fraud-case-1",
			"actor":       "admin",
			"reason":      "self-referral ring",
		})
		require.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("expire on a completed chain is 409", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/chains/%s/expire", chainID), nil)
		require.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestSettle_Server_RateLimit(t *testing.T) {
	t.Parallel()

	// Admin endpoints share one tiny bucket: two requests pass, the
	// third is throttled.
	f := newFixture(t, func(cfg *server.Config) {
		cfg.AdminRateLimit = rate.Every(time.Hour)
		cfg.AdminBurst = 2
	})

	codes := make([]int, 3)
	for i := range codes {
		rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/chains/%s/expire", uuid.New()), nil)
		codes[i] = rec.Code
	}
	require.Equal(t, http.StatusNotFound, codes[0])
	require.Equal(t, http.StatusNotFound, codes[1])
	require.Equal(t, http.StatusTooManyRequests, codes[2])
}
