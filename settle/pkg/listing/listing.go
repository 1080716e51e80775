// Package listing is the marketplace-listing collaborator surface. The
// settlement core only reads listings; creation and closing live here
// so integration tests and the HTTP layer have something to drive.
package listing

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

	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/schedule"
)

type Status string

const (
	StatusOpen            Status = "open"
	StatusPurchasePending Status = "purchase_pending"
	StatusClosed          Status = "closed"
	StatusExpired         Status = "expired"
)

var (
	ErrNotFound     = errors.New("listing not found")
	ErrInvalidInput = errors.New("invalid listing input")
)

type Listing struct {
	ID               uuid.UUID
	SellerID         string
	Title            string
	AskingPrice      decimal.Decimal
	RewardPercentage decimal.Decimal
	MaxDegrees       int
	Status           Status
	CreatedAt        time.Time
}

// Pool derives the nominal reward pool from the asking price. The
// settlement engine recomputes this against the actual sale price.
func (l Listing) Pool() decimal.Decimal {
	return l.AskingPrice.Mul(l.RewardPercentage).Div(decimal.NewFromInt(100)).Round(2)
}

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

// Create inserts a new open listing.
func (s *Store) Create(ctx context.Context, sellerID, title string, askingPrice, rewardPct decimal.Decimal, maxDegrees int) (Listing, error) {
	if sellerID == "" {
		return Listing{}, fmt.Errorf("%w: seller id is required", ErrInvalidInput)
	}
	if !askingPrice.IsPositive() {
		return Listing{}, fmt.Errorf("%w: asking price must be positive", ErrInvalidInput)
	}
	if rewardPct.IsNegative() || rewardPct.GreaterThan(decimal.NewFromInt(100)) {
		return Listing{}, fmt.Errorf("%w: reward percentage must be in [0,100]", ErrInvalidInput)
	}
	if maxDegrees < 1 || maxDegrees > schedule.MaxDegrees {
		return Listing{}, fmt.Errorf("%w: max degrees must be in [1,%d]", ErrInvalidInput, schedule.MaxDegrees)
	}

	l := Listing{
		ID:               uuid.New(),
		SellerID:         sellerID,
		Title:            title,
		AskingPrice:      askingPrice,
		RewardPercentage: rewardPct,
		MaxDegrees:       maxDegrees,
		Status:           StatusOpen,
		CreatedAt:        s.clock.Now().UTC(),
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO listings (id, seller_id, title, asking_price, reward_percentage, max_degrees, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, l.ID, l.SellerID, l.Title, l.AskingPrice, l.RewardPercentage, l.MaxDegrees, l.Status, l.CreatedAt)
	if err != nil {
		return Listing{}, fmt.Errorf("failed to insert listing: %w", err)
	}

	s.log.Debug("listing: created", "listing_id", l.ID, "asking_price", l.AskingPrice.String(), "max_degrees", l.MaxDegrees)
	return l, nil
}

// Get fetches a listing by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Listing, error) {
	var l Listing
	err := s.db.QueryRow(ctx, `
		SELECT id, seller_id, title, asking_price, reward_percentage, max_degrees, status, created_at
		FROM listings WHERE id = $1
	`, id).Scan(&l.ID, &l.SellerID, &l.Title, &l.AskingPrice, &l.RewardPercentage, &l.MaxDegrees, &l.Status, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Listing{}, ErrNotFound
	}
	if err != nil {
		return Listing{}, fmt.Errorf("failed to get listing: %w", err)
	}
	return l, nil
}

// SetStatus moves a listing to the given status.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := s.db.Exec(ctx, `UPDATE listings SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update listing status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
