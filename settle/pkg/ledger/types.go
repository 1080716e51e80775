package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SourceType classifies what moved the money.
type SourceType string

const (
	SourceReferralPayout    SourceType = "referral_payout"
	SourceCharityAllocation SourceType = "charity_allocation"
	SourceReversal          SourceType = "reversal"
	SourceForfeiture        SourceType = "forfeiture"
	SourcePayoutWithdrawal  SourceType = "payout_withdrawal"
)

// priority fixes the deterministic order entries apply within a batch
// for one user: credits first, then reversals, then forfeitures, then
// withdrawals. Ties break on creation time.
func (s SourceType) priority() int {
	switch s {
	case SourceReferralPayout, SourceCharityAllocation:
		return 0
	case SourceReversal:
		return 1
	case SourceForfeiture:
		return 2
	case SourcePayoutWithdrawal:
		return 3
	default:
		return 4
	}
}

func (s SourceType) valid() bool {
	switch s {
	case SourceReferralPayout, SourceCharityAllocation, SourceReversal, SourceForfeiture, SourcePayoutWithdrawal:
		return true
	}
	return false
}

var (
	// ErrInvalidEntry is returned before any mutation when a staged
	// entry is malformed.
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrInsufficientBalance is returned when a withdrawal would drive
	// a balance negative; the batch posts nothing.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNothingToForfeit is returned when forfeiting against an empty
	// balance.
	ErrNothingToForfeit = errors.New("nothing to forfeit")

	// ErrEntryNotFound is returned when no entry exists for the id.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrAlreadyReversed is returned when an entry already has a
	// compensating reversal.
	ErrAlreadyReversed = errors.New("ledger entry already reversed")

	// ErrNotReversible is returned when reversing anything other than
	// a payout entry; compensations are never themselves compensated.
	ErrNotReversible = errors.New("ledger entry is not reversible")
)

// Entry is one immutable ledger line. History is never edited or
// deleted; corrections are compensating entries.
type Entry struct {
	ID             uuid.UUID
	UserID         string
	Amount         decimal.Decimal
	RunningBalance decimal.Decimal
	SourceType     SourceType
	SourceID       string
	Actor          string
	Reason         string
	CreatedAt      time.Time
}

// ForfeitResult reports what a forfeiture actually took. The forfeited
// amount is capped at the balance, never producing a negative balance.
type ForfeitResult struct {
	Entry     Entry
	Requested decimal.Decimal
	Forfeited decimal.Decimal
	Capped    bool
}
