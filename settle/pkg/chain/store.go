package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/listing"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/metrics"
)

const (
	// DefaultContactLockTTL bounds how long a buyer-contact identity
	// stays claimed by a chain link.
	DefaultContactLockTTL = 30 * 24 * time.Hour

	// DefaultChainTTL bounds how long a chain may wait for a purchase
	// before the sweep expires it.
	DefaultChainTTL = 30 * 24 * time.Hour
)

type StoreConfig struct {
	Logger         *slog.Logger
	DB             *pgxpool.Pool
	Clock          clockwork.Clock
	ContactLockTTL time.Duration
	ChainTTL       time.Duration
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
	if cfg.ContactLockTTL == 0 {
		cfg.ContactLockTTL = DefaultContactLockTTL
	}
	if cfg.ChainTTL == 0 {
		cfg.ChainTTL = DefaultChainTTL
	}
	return nil
}

// Store builds and seals referral chains. Chain mutation is serialized
// per chain with a row-level lock so appends, expiry, and settlement
// never interleave on the same chain.
type Store struct {
	log   *slog.Logger
	db    *pgxpool.Pool
	clock clockwork.Clock
	cfg   StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, db: cfg.DB, clock: cfg.Clock, cfg: cfg}, nil
}

// StartChain creates the canonical active chain for a listing. The
// partial unique index on (listing_id) WHERE status='active' enforces
// one-active-chain-per-listing at the persistence layer.
func (s *Store) StartChain(ctx context.Context, listingID uuid.UUID) (ReferralChain, error) {
	var (
		lstStatus listing.Status
		l         listing.Listing
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, asking_price, reward_percentage, max_degrees, status
		FROM listings WHERE id = $1
	`, listingID).Scan(&l.ID, &l.AskingPrice, &l.RewardPercentage, &l.MaxDegrees, &lstStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReferralChain{}, fmt.Errorf("%w: listing %s", listing.ErrNotFound, listingID)
	}
	if err != nil {
		return ReferralChain{}, fmt.Errorf("failed to load listing: %w", err)
	}
	if lstStatus != listing.StatusOpen {
		return ReferralChain{}, fmt.Errorf("%w: status %s", ErrListingNotOpen, lstStatus)
	}

	now := s.clock.Now().UTC()
	c := ReferralChain{
		ID:         uuid.New(),
		ListingID:  listingID,
		Status:     StatusActive,
		PoolAmount: l.Pool(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.ChainTTL),
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO referral_chains (id, listing_id, status, current_degree_count, pool_amount, created_at, expires_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6)
	`, c.ID, c.ListingID, c.Status, c.PoolAmount, c.CreatedAt, c.ExpiresAt)
	if isUniqueViolation(err) {
		return ReferralChain{}, fmt.Errorf("%w: listing %s", ErrDuplicateChain, listingID)
	}
	if err != nil {
		return ReferralChain{}, fmt.Errorf("failed to insert chain: %w", err)
	}

	metrics.ChainsStartedTotal.Inc()
	s.log.Info("chain: started", "chain_id", c.ID, "listing_id", listingID, "pool", c.PoolAmount.String())
	return c, nil
}

// AppendLink adds the next referrer at degree position
// current_degree_count+1. It is the only mutator of the degree count.
func (s *Store) AppendLink(ctx context.Context, chainID uuid.UUID, referrerID, contactHash string) (link ChainLink, err error) {
	if referrerID == "" || contactHash == "" {
		return ChainLink{}, errors.New("referrer id and contact hash are required")
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ChainLink{}, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var (
		status     Status
		count      int
		maxDegrees int
	)
	err = tx.QueryRow(ctx, `
		SELECT c.status, c.current_degree_count, l.max_degrees
		FROM referral_chains c
		JOIN listings l ON l.id = c.listing_id
		WHERE c.id = $1
		FOR UPDATE OF c
	`, chainID).Scan(&status, &count, &maxDegrees)
	if errors.Is(err, pgx.ErrNoRows) {
		return ChainLink{}, fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	if err != nil {
		return ChainLink{}, fmt.Errorf("failed to lock chain: %w", err)
	}

	if status != StatusActive {
		return ChainLink{}, fmt.Errorf("%w: status %s", ErrChainNotActive, status)
	}
	if count >= maxDegrees {
		return ChainLink{}, fmt.Errorf("%w: %d degrees", ErrChainFull, maxDegrees)
	}

	now := s.clock.Now().UTC()
	if err = s.checkContact(ctx, tx, chainID, referrerID, contactHash, now); err != nil {
		return ChainLink{}, err
	}

	link = ChainLink{
		ID:                   uuid.New(),
		ChainID:              chainID,
		DegreePosition:       count + 1,
		ReferrerID:           referrerID,
		ContactHash:          contactHash,
		ContactLockExpiresAt: now.Add(s.cfg.ContactLockTTL),
		Status:               LinkPending,
		CreatedAt:            now,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO chain_links (id, chain_id, degree_position, referrer_id, contact_hash, contact_lock_expires_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, link.ID, link.ChainID, link.DegreePosition, link.ReferrerID, link.ContactHash, link.ContactLockExpiresAt, link.Status, link.CreatedAt)
	if err != nil {
		return ChainLink{}, fmt.Errorf("failed to insert link: %w", err)
	}

	if _, err = tx.Exec(ctx, `
		UPDATE referral_chains SET current_degree_count = current_degree_count + 1 WHERE id = $1
	`, chainID); err != nil {
		return ChainLink{}, fmt.Errorf("failed to bump degree count: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return ChainLink{}, fmt.Errorf("failed to commit append: %w", err)
	}

	metrics.LinksAppendedTotal.Inc()
	s.log.Info("chain: link appended", "chain_id", chainID, "position", link.DegreePosition, "referrer_id", referrerID)
	return link, nil
}

// checkContact enforces the contact-lock contract: the same contact
// identity cannot join this chain twice nor seed a second chain while
// an earlier lock is unexpired.
func (s *Store) checkContact(ctx context.Context, tx pgx.Tx, chainID uuid.UUID, referrerID, contactHash string, now time.Time) error {
	// The chain row lock only serializes appends within one chain. The
	// cross-chain lock check below needs its own serialization, or two
	// chains can admit the same contact concurrently.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, contactHash); err != nil {
		return fmt.Errorf("failed to lock contact hash: %w", err)
	}

	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM chain_links WHERE chain_id = $1 AND contact_hash = $2)
	`, chainID, contactHash).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check chain contacts: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: chain %s", ErrAlreadyJoined, chainID)
	}

	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM chain_links WHERE chain_id = $1 AND referrer_id = $2)
	`, chainID, referrerID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check chain referrers: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: referrer %s", ErrReferrerRepeated, referrerID)
	}

	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM chain_links
			WHERE contact_hash = $1 AND chain_id <> $2 AND contact_lock_expires_at > $3
		)
	`, contactHash, chainID, now).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check contact locks: %w", err)
	}
	if exists {
		return ErrContactLocked
	}
	return nil
}

// ConfirmLink records the identity collaborator's acknowledgement that
// the referral edge is genuine. Confirming twice is a no-op; settled
// links cannot be re-confirmed, and a link on a chain that is no
// longer active cannot be confirmed at all. Taking the chain row lock
// here orders confirmation against a concurrent settlement: either the
// confirmation lands before the payout snapshot and is paid, or it
// fails because the chain has completed.
func (s *Store) ConfirmLink(ctx context.Context, linkID uuid.UUID) (err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var (
		linkStatus  LinkStatus
		chainStatus Status
	)
	err = tx.QueryRow(ctx, `
		SELECT l.status, c.status
		FROM chain_links l
		JOIN referral_chains c ON c.id = l.chain_id
		WHERE l.id = $1
		FOR UPDATE OF c
	`, linkID).Scan(&linkStatus, &chainStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrLinkNotFound, linkID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock link chain: %w", err)
	}

	switch linkStatus {
	case LinkPaid:
		return fmt.Errorf("%w: %s", ErrLinkPaid, linkID)
	case LinkConfirmed:
		return tx.Commit(ctx)
	}
	if chainStatus != StatusActive {
		return fmt.Errorf("%w: status %s", ErrChainNotActive, chainStatus)
	}

	if _, err = tx.Exec(ctx, `UPDATE chain_links SET status = 'confirmed' WHERE id = $1`, linkID); err != nil {
		return fmt.Errorf("failed to confirm link: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit confirmation: %w", err)
	}

	s.log.Debug("chain: link confirmed", "link_id", linkID)
	return nil
}

// ExpireChain transitions an active chain to expired, under the same
// per-chain lock as append and settle.
func (s *Store) ExpireChain(ctx context.Context, chainID uuid.UUID) (err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var status Status
	err = tx.QueryRow(ctx, `
		SELECT status FROM referral_chains WHERE id = $1 FOR UPDATE
	`, chainID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock chain: %w", err)
	}
	if status != StatusActive {
		return fmt.Errorf("%w: status %s", ErrChainNotActive, status)
	}

	if _, err = tx.Exec(ctx, `UPDATE referral_chains SET status = 'expired' WHERE id = $1`, chainID); err != nil {
		return fmt.Errorf("failed to expire chain: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit expiry: %w", err)
	}

	metrics.ChainsExpiredTotal.Inc()
	s.log.Info("chain: expired", "chain_id", chainID)
	return nil
}

// ExpireDue expires every active chain whose deadline has passed.
// Driven by the sweeper; returns the number of chains expired.
func (s *Store) ExpireDue(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE referral_chains SET status = 'expired'
		WHERE status = 'active' AND expires_at <= $1
	`, s.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire due chains: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		metrics.ChainsExpiredTotal.Add(float64(n))
		s.log.Info("chain: sweep expired chains", "count", n)
	}
	return n, nil
}

// Get fetches a chain by id.
func (s *Store) Get(ctx context.Context, chainID uuid.UUID) (ReferralChain, error) {
	var c ReferralChain
	err := s.db.QueryRow(ctx, `
		SELECT id, listing_id, status, current_degree_count, pool_amount, created_at, expires_at
		FROM referral_chains WHERE id = $1
	`, chainID).Scan(&c.ID, &c.ListingID, &c.Status, &c.CurrentDegreeCount, &c.PoolAmount, &c.CreatedAt, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReferralChain{}, fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	if err != nil {
		return ReferralChain{}, fmt.Errorf("failed to get chain: %w", err)
	}
	return c, nil
}

// Links returns a chain's links ordered by degree position.
func (s *Store) Links(ctx context.Context, chainID uuid.UUID) ([]ChainLink, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, chain_id, degree_position, referrer_id, contact_hash, contact_lock_expires_at, status, created_at
		FROM chain_links WHERE chain_id = $1
		ORDER BY degree_position
	`, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var links []ChainLink
	for rows.Next() {
		var l ChainLink
		if err := rows.Scan(&l.ID, &l.ChainID, &l.DegreePosition, &l.ReferrerID, &l.ContactHash, &l.ContactLockExpiresAt, &l.Status, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
