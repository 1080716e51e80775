package chain

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

type LinkStatus string

const (
	LinkPending   LinkStatus = "pending"
	LinkConfirmed LinkStatus = "confirmed"
	LinkPaid      LinkStatus = "paid"
)

var (
	// ErrChainNotFound is returned when no chain exists for the id.
	ErrChainNotFound = errors.New("chain not found")

	// ErrDuplicateChain is returned when the listing already has an
	// active chain; only one chain settles per listing at a time.
	ErrDuplicateChain = errors.New("listing already has an active chain")

	// ErrChainFull is returned when every degree position is taken.
	ErrChainFull = errors.New("chain is full")

	// ErrChainNotActive is returned when the chain is already sealed
	// (completed) or expired.
	ErrChainNotActive = errors.New("chain is not active")

	// ErrAlreadyJoined is returned for a redelivered append with a
	// contact hash already on this chain. Deliberately distinct from
	// ErrContactLocked so callers can tell "already joined" from a
	// farming attempt.
	ErrAlreadyJoined = errors.New("contact already joined this chain")

	// ErrReferrerRepeated is returned when a referrer appears twice on
	// one chain; chains are simple ordered lists, never graphs.
	ErrReferrerRepeated = errors.New("referrer already on this chain")

	// ErrContactLocked is returned when the contact hash is held by an
	// unexpired lock on a different chain.
	ErrContactLocked = errors.New("contact identity is locked by another chain")

	// ErrListingNotOpen is returned when starting a chain against a
	// listing that is not open for sale.
	ErrListingNotOpen = errors.New("listing is not open")

	// ErrLinkNotFound is returned when no link exists for the id.
	ErrLinkNotFound = errors.New("chain link not found")

	// ErrLinkPaid is returned when confirming a link that has already
	// been paid out.
	ErrLinkPaid = errors.New("chain link already paid")
)

// ReferralChain is the ordered run of referrers between a listing and
// its eventual buyer.
type ReferralChain struct {
	ID                 uuid.UUID
	ListingID          uuid.UUID
	Status             Status
	CurrentDegreeCount int
	PoolAmount         decimal.Decimal
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

// ChainLink is one referrer's slot on a chain. Degree position 1 is
// closest to the buyer; positions are unique and contiguous from 1.
type ChainLink struct {
	ID                   uuid.UUID
	ChainID              uuid.UUID
	DegreePosition       int
	ReferrerID           string
	ContactHash          string
	ContactLockExpiresAt time.Time
	Status               LinkStatus
	CreatedAt            time.Time
}
