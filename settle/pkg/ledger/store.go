package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/metrics"
)

type StoreConfig struct {
	Logger *slog.Logger
	DB     *pgxpool.Pool
	Clock  clockwork.Clock
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store is the append-only money ledger. Every earning, forfeiture,
// reversal, and withdrawal passes through Post; balances are the fold
// of a user's history, with a cached running balance per account that
// must always equal the fold.
type Store struct {
	log   *slog.Logger
	db    *pgxpool.Pool
	clock clockwork.Clock
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, db: cfg.DB, clock: cfg.Clock}, nil
}

// Post appends a batch of entries atomically in its own transaction.
func (s *Store) Post(ctx context.Context, entries []Entry) (posted []Entry, err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	posted, err = s.PostTx(ctx, tx, entries)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit post: %w", err)
	}
	return posted, nil
}

// PostTx appends a batch of entries inside the caller's transaction so
// settlement can make ledger writes atomic with chain sealing. All
// entries post or none do. Affected accounts are locked in sorted user
// order to keep concurrent batches deadlock-free; per user, entries
// apply in canonical order (source priority, then creation time) so
// running balances recompute reproducibly.
func (s *Store) PostTx(ctx context.Context, tx pgx.Tx, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	now := s.clock.Now().UTC()
	byUser := make(map[string][]int)
	for i := range entries {
		e := &entries[i]
		if e.UserID == "" {
			return nil, fmt.Errorf("%w: user id is required", ErrInvalidEntry)
		}
		if !e.SourceType.valid() {
			return nil, fmt.Errorf("%w: unknown source type %q", ErrInvalidEntry, e.SourceType)
		}
		if e.SourceID == "" {
			return nil, fmt.Errorf("%w: source id is required", ErrInvalidEntry)
		}
		if e.Amount.IsZero() {
			return nil, fmt.Errorf("%w: zero amount", ErrInvalidEntry)
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		byUser[e.UserID] = append(byUser[e.UserID], i)
	}

	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	for _, user := range users {
		balance, err := s.lockAccount(ctx, tx, user, now)
		if err != nil {
			return nil, err
		}

		idxs := byUser[user]
		sort.SliceStable(idxs, func(a, b int) bool {
			ea, eb := entries[idxs[a]], entries[idxs[b]]
			if pa, pb := ea.SourceType.priority(), eb.SourceType.priority(); pa != pb {
				return pa < pb
			}
			return ea.CreatedAt.Before(eb.CreatedAt)
		})

		for _, i := range idxs {
			e := &entries[i]
			next := balance.Add(e.Amount)
			if next.IsNegative() {
				switch e.SourceType {
				case SourceForfeiture, SourceReversal:
					// Compensations drive the balance toward zero but
					// never below; the excess is capped and logged.
					capped := balance.Neg()
					s.log.Warn("ledger: capping compensating entry at balance",
						"user_id", user, "source_type", e.SourceType,
						"requested", e.Amount.String(), "capped", capped.String())
					e.Amount = capped
					next = decimal.Zero
				default:
					return nil, fmt.Errorf("%w: user %s balance %s, entry %s",
						ErrInsufficientBalance, user, balance, e.Amount)
				}
			}
			e.RunningBalance = next
			balance = next

			_, err := tx.Exec(ctx, `
				INSERT INTO ledger_entries (id, user_id, amount, running_balance, source_type, source_id, actor, reason, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, e.ID, e.UserID, e.Amount, e.RunningBalance, e.SourceType, e.SourceID, e.Actor, e.Reason, e.CreatedAt)
			if err != nil {
				return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
			}
			metrics.LedgerEntriesTotal.WithLabelValues(string(e.SourceType)).Inc()
		}

		if _, err := tx.Exec(ctx, `
			UPDATE accounts SET balance = $2, updated_at = $3 WHERE user_id = $1
		`, user, balance, now); err != nil {
			return nil, fmt.Errorf("failed to update account balance: %w", err)
		}
	}

	return entries, nil
}

// lockAccount serializes balance updates per user: the accounts row is
// created on first touch and locked FOR UPDATE for the rest of the
// transaction.
func (s *Store) lockAccount(ctx context.Context, tx pgx.Tx, userID string, now time.Time) (decimal.Decimal, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO accounts (user_id, balance, updated_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, now); err != nil {
		return decimal.Zero, fmt.Errorf("failed to ensure account: %w", err)
	}

	var balance decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to lock account: %w", err)
	}
	return balance, nil
}

// BalanceOf returns the user's cached balance; unknown users have zero.
func (s *Store) BalanceOf(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// History returns the user's statement, newest first. A limit outside
// (0, 1000] is replaced with the default page size of 100.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, amount, running_balance, source_type, source_id, actor, reason, created_at
		FROM ledger_entries WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Forfeit takes up to amount from the user as an administrative
// penalty. Over-asking is not an error: the forfeiture caps at the
// current balance and the result reports the amount actually taken.
func (s *Store) Forfeit(ctx context.Context, userID string, amount decimal.Decimal, refID, actor, reason string) (res ForfeitResult, err error) {
	if userID == "" {
		return ForfeitResult{}, fmt.Errorf("%w: user id is required", ErrInvalidEntry)
	}
	if !amount.IsPositive() {
		return ForfeitResult{}, fmt.Errorf("%w: forfeit amount must be positive", ErrInvalidEntry)
	}
	if refID == "" {
		return ForfeitResult{}, fmt.Errorf("%w: forfeiture reference id is required", ErrInvalidEntry)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ForfeitResult{}, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := s.clock.Now().UTC()
	balance, err := s.lockAccount(ctx, tx, userID, now)
	if err != nil {
		return ForfeitResult{}, err
	}
	if !balance.IsPositive() {
		return ForfeitResult{}, fmt.Errorf("%w: user %s", ErrNothingToForfeit, userID)
	}

	forfeited := decimal.Min(amount, balance)
	entries, err := s.PostTx(ctx, tx, []Entry{{
		UserID:     userID,
		Amount:     forfeited.Neg(),
		SourceType: SourceForfeiture,
		SourceID:   refID,
		Actor:      actor,
		Reason:     reason,
		CreatedAt:  now,
	}})
	if err != nil {
		return ForfeitResult{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return ForfeitResult{}, fmt.Errorf("failed to commit forfeiture: %w", err)
	}

	capped := amount.GreaterThan(balance)
	if capped {
		s.log.Info("ledger: forfeiture capped at balance",
			"user_id", userID, "requested", amount.String(), "forfeited", forfeited.String(), "ref_id", refID)
	}
	return ForfeitResult{
		Entry:     entries[0],
		Requested: amount,
		Forfeited: forfeited,
		Capped:    capped,
	}, nil
}

// Reverse posts an equal-and-opposite entry compensating a payout,
// preserving the original line and the full audit trail. A payout can
// be reversed at most once.
func (s *Store) Reverse(ctx context.Context, entryID uuid.UUID, actor, reason string) (rev Entry, err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var orig Entry
	err = tx.QueryRow(ctx, `
		SELECT id, user_id, amount, source_type FROM ledger_entries WHERE id = $1
	`, entryID).Scan(&orig.ID, &orig.UserID, &orig.Amount, &orig.SourceType)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to load entry: %w", err)
	}

	if orig.SourceType != SourceReferralPayout && orig.SourceType != SourceCharityAllocation {
		return Entry{}, fmt.Errorf("%w: source type %s", ErrNotReversible, orig.SourceType)
	}

	var reversed bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE source_type = 'reversal' AND source_id = $1)
	`, entryID.String()).Scan(&reversed)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to check for prior reversal: %w", err)
	}
	if reversed {
		return Entry{}, fmt.Errorf("%w: %s", ErrAlreadyReversed, entryID)
	}

	entries, err := s.PostTx(ctx, tx, []Entry{{
		UserID:     orig.UserID,
		Amount:     orig.Amount.Neg(),
		SourceType: SourceReversal,
		SourceID:   entryID.String(),
		Actor:      actor,
		Reason:     reason,
	}})
	if err != nil {
		return Entry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("failed to commit reversal: %w", err)
	}

	s.log.Info("ledger: entry reversed", "entry_id", entryID, "user_id", orig.UserID, "amount", entries[0].Amount.String())
	return entries[0], nil
}

// VerifyUser replays the user's full history in canonical order and
// checks that every cached running balance, and the account's cached
// balance, equals the fold. It is the round-trip law behind BalanceOf.
func (s *Store) VerifyUser(ctx context.Context, userID string) error {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, amount, running_balance, source_type, source_id, actor, reason, created_at
		FROM ledger_entries WHERE user_id = $1
		ORDER BY created_at ASC, seq ASC
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return err
	}

	fold := decimal.Zero
	for _, e := range entries {
		fold = fold.Add(e.Amount)
		if !fold.Equal(e.RunningBalance) {
			return fmt.Errorf("ledger fold mismatch for user %s at entry %s: fold %s, stored %s",
				userID, e.ID, fold, e.RunningBalance)
		}
	}

	cached, err := s.BalanceOf(ctx, userID)
	if err != nil {
		return err
	}
	if !fold.Equal(cached) {
		return fmt.Errorf("ledger cache mismatch for user %s: fold %s, cached %s", userID, fold, cached)
	}
	return nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.RunningBalance, &e.SourceType, &e.SourceID, &e.Actor, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
