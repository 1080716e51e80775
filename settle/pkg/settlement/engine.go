// Package settlement seals a referral chain when a purchase completes
// and splits the reward pool across its degrees: confirmed referrers
// are paid per the degree schedule, the unclaimed remainder goes to
// the charity fund, and every movement lands in the ledger atomically.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/chain"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/ledger"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/metrics"
)

// DefaultCharityAccountID is the ledger account credited with
// unclaimed degree slices.
const DefaultCharityAccountID = "charity"

var (
	// ErrAlreadySettled is returned when the chain was completed under
	// a different purchase id.
	ErrAlreadySettled = errors.New("chain already settled")

	// ErrInvalidSalePrice is returned for a non-positive sale price.
	ErrInvalidSalePrice = errors.New("sale price must be positive")
)

type EngineConfig struct {
	Logger           *slog.Logger
	DB               *pgxpool.Pool
	Clock            clockwork.Clock
	Ledger           *ledger.Store
	CharityAccountID string
}

func (cfg *EngineConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db pool is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CharityAccountID == "" {
		cfg.CharityAccountID = DefaultCharityAccountID
	}
	return nil
}

type Engine struct {
	log    *slog.Logger
	db     *pgxpool.Pool
	clock  clockwork.Clock
	ledger *ledger.Store
	cfg    EngineConfig
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, db: cfg.DB, clock: cfg.Clock, ledger: cfg.Ledger, cfg: cfg}, nil
}

// Payout is one referrer's cut of a settled pool.
type Payout struct {
	ReferrerID     string
	DegreePosition int
	Amount         decimal.Decimal
}

// Result summarizes a settlement. Redelivered purchase events get the
// stored result back with AlreadySettled set.
type Result struct {
	PurchaseID     string
	ChainID        uuid.UUID
	SalePrice      decimal.Decimal
	PoolAmount     decimal.Decimal
	CharityAmount  decimal.Decimal
	Payouts        []Payout
	AlreadySettled bool
}

// Settle runs settlement for a purchase exactly once. The pool is
// recomputed from the actual sale price (asking and final price can
// differ on negotiated sales); payouts plus charity always equal the
// pool to the cent. Everything commits in one transaction: a failure
// anywhere rolls back entirely and leaves the chain active for retry.
func (en *Engine) Settle(ctx context.Context, chainID uuid.UUID, purchaseID string, salePrice decimal.Decimal) (res Result, err error) {
	start := en.clock.Now()
	defer func() {
		metrics.SettlementDuration.Observe(en.clock.Since(start).Seconds())
	}()

	if purchaseID == "" {
		metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
		return Result{}, errors.New("purchase id is required")
	}
	if !salePrice.IsPositive() {
		metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidSalePrice, salePrice)
	}

	// Fast path for redelivered purchase events.
	if prior, ok, err := en.loadResult(ctx, en.db, purchaseID); err != nil {
		return Result{}, err
	} else if ok {
		metrics.SettlementsTotal.WithLabelValues("duplicate").Inc()
		return prior, nil
	}

	tx, err := en.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			if !isConflict(err) {
				metrics.SettlementsTotal.WithLabelValues("error").Inc()
			}
		}
	}()

	var (
		status     chain.Status
		listingID  uuid.UUID
		rewardPct  decimal.Decimal
		maxDegrees int
	)
	err = tx.QueryRow(ctx, `
		SELECT c.status, c.listing_id, l.reward_percentage, l.max_degrees
		FROM referral_chains c
		JOIN listings l ON l.id = c.listing_id
		WHERE c.id = $1
		FOR UPDATE OF c
	`, chainID).Scan(&status, &listingID, &rewardPct, &maxDegrees)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.SettlementsTotal.WithLabelValues("conflict").Inc()
		return Result{}, fmt.Errorf("%w: %s", chain.ErrChainNotFound, chainID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to lock chain: %w", err)
	}

	// Re-check under the chain lock: a concurrent delivery of the same
	// purchase may have won the race since the fast path.
	if prior, ok, err := en.loadResult(ctx, tx, purchaseID); err != nil {
		return Result{}, err
	} else if ok {
		_ = tx.Rollback(ctx)
		metrics.SettlementsTotal.WithLabelValues("duplicate").Inc()
		return prior, nil
	}

	switch status {
	case chain.StatusActive:
	case chain.StatusCompleted:
		metrics.SettlementsTotal.WithLabelValues("conflict").Inc()
		return Result{}, fmt.Errorf("%w: chain %s", ErrAlreadySettled, chainID)
	default:
		metrics.SettlementsTotal.WithLabelValues("conflict").Inc()
		return Result{}, fmt.Errorf("%w: status %s", chain.ErrChainNotActive, status)
	}

	pool := salePrice.Mul(rewardPct).Div(decimal.NewFromInt(100)).Round(2)

	confirmed, err := en.confirmedLinks(ctx, tx, chainID)
	if err != nil {
		return Result{}, err
	}

	payouts, charity, err := splitPool(pool, confirmed, maxDegrees)
	if err != nil {
		return Result{}, err
	}

	now := en.clock.Now().UTC()
	entries := make([]ledger.Entry, 0, len(payouts)+1)
	for _, p := range payouts {
		if p.Amount.IsZero() {
			continue
		}
		entries = append(entries, ledger.Entry{
			UserID:     p.ReferrerID,
			Amount:     p.Amount,
			SourceType: ledger.SourceReferralPayout,
			SourceID:   purchaseID,
			CreatedAt:  now,
		})
	}
	if charity.amount.IsPositive() {
		entries = append(entries, ledger.Entry{
			UserID:     en.cfg.CharityAccountID,
			Amount:     charity.amount,
			SourceType: ledger.SourceCharityAllocation,
			SourceID:   purchaseID,
			CreatedAt:  now,
		})
	}

	if _, err = en.ledger.PostTx(ctx, tx, entries); err != nil {
		return Result{}, fmt.Errorf("failed to post settlement entries: %w", err)
	}

	paidIDs := make([]uuid.UUID, len(confirmed))
	for i, l := range confirmed {
		paidIDs[i] = l.ID
	}

	if err = en.seal(ctx, tx, chainID, listingID, purchaseID, salePrice, pool, charity, payouts, paidIDs, now); err != nil {
		return Result{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to commit settlement: %w", err)
	}

	metrics.SettlementsTotal.WithLabelValues("settled").Inc()
	if charity.amount.IsPositive() {
		metrics.CharityAllocatedTotal.Add(charity.amount.Mul(decimal.NewFromInt(100)).InexactFloat64())
	}
	en.log.Info("settlement: settled",
		"chain_id", chainID, "purchase_id", purchaseID,
		"pool", pool.String(), "payouts", len(payouts), "charity", charity.amount.String())

	return Result{
		PurchaseID:    purchaseID,
		ChainID:       chainID,
		SalePrice:     salePrice,
		PoolAmount:    pool,
		CharityAmount: charity.amount,
		Payouts:       payouts,
	}, nil
}

// confirmedLinks loads the links eligible for payout, ordered by
// degree position. Pending links are not paid; their slices fall
// through to charity with the unfilled tail.
func (en *Engine) confirmedLinks(ctx context.Context, tx pgx.Tx, chainID uuid.UUID) ([]chain.ChainLink, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, degree_position, referrer_id
		FROM chain_links
		WHERE chain_id = $1 AND status = 'confirmed'
		ORDER BY degree_position
	`, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to query confirmed links: %w", err)
	}
	defer rows.Close()

	var links []chain.ChainLink
	for rows.Next() {
		var l chain.ChainLink
		if err := rows.Scan(&l.ID, &l.DegreePosition, &l.ReferrerID); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// seal marks the chain completed, pays its links, closes the listing,
// and persists the settlement record with its payouts and charity
// allocation, all inside the settlement transaction.
func (en *Engine) seal(ctx context.Context, tx pgx.Tx, chainID, listingID uuid.UUID, purchaseID string, salePrice, pool decimal.Decimal, charity allocation, payouts []Payout, paidIDs []uuid.UUID, now time.Time) error {
	if _, err := tx.Exec(ctx, `UPDATE referral_chains SET status = 'completed' WHERE id = $1`, chainID); err != nil {
		return fmt.Errorf("failed to complete chain: %w", err)
	}
	// Only the links in the payout snapshot are paid. A broader
	// status-based update could sweep up a link confirmed after the
	// snapshot was taken.
	if _, err := tx.Exec(ctx, `UPDATE chain_links SET status = 'paid' WHERE id = ANY($1)`, paidIDs); err != nil {
		return fmt.Errorf("failed to mark links paid: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE listings SET status = 'closed' WHERE id = $1`, listingID); err != nil {
		return fmt.Errorf("failed to close listing: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO settlements (purchase_id, chain_id, sale_price, pool_amount, charity_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, purchaseID, chainID, salePrice, pool, charity.amount, now); err != nil {
		return fmt.Errorf("failed to insert settlement: %w", err)
	}

	for _, p := range payouts {
		if _, err := tx.Exec(ctx, `
			INSERT INTO settlement_payouts (id, purchase_id, referrer_id, degree_position, amount)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.New(), purchaseID, p.ReferrerID, p.DegreePosition, p.Amount); err != nil {
			return fmt.Errorf("failed to insert payout: %w", err)
		}
	}

	if charity.amount.IsPositive() {
		if _, err := tx.Exec(ctx, `
			INSERT INTO charity_allocations (id, purchase_id, listing_id, unfilled_degrees, unclaimed_amount, disbursed, created_at)
			VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		`, uuid.New(), purchaseID, listingID, charity.unfilledDegrees, charity.amount, now); err != nil {
			return fmt.Errorf("failed to insert charity allocation: %w", err)
		}
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// loadResult reconstructs a prior settlement's result from its stored
// record, so redelivered events return byte-identical summaries.
func (en *Engine) loadResult(ctx context.Context, q querier, purchaseID string) (Result, bool, error) {
	res := Result{PurchaseID: purchaseID, AlreadySettled: true}
	err := q.QueryRow(ctx, `
		SELECT chain_id, sale_price, pool_amount, charity_amount
		FROM settlements WHERE purchase_id = $1
	`, purchaseID).Scan(&res.ChainID, &res.SalePrice, &res.PoolAmount, &res.CharityAmount)
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("failed to load settlement: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT referrer_id, degree_position, amount
		FROM settlement_payouts WHERE purchase_id = $1
		ORDER BY degree_position
	`, purchaseID)
	if err != nil {
		return Result{}, false, fmt.Errorf("failed to load payouts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p Payout
		if err := rows.Scan(&p.ReferrerID, &p.DegreePosition, &p.Amount); err != nil {
			return Result{}, false, fmt.Errorf("failed to scan payout: %w", err)
		}
		res.Payouts = append(res.Payouts, p)
	}
	return res, true, rows.Err()
}

func isConflict(err error) bool {
	return errors.Is(err, chain.ErrChainNotFound) ||
		errors.Is(err, chain.ErrChainNotActive) ||
		errors.Is(err, ErrAlreadySettled)
}
