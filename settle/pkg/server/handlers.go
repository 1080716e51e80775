package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/chain"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/ledger"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/listing"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/settlement"
	"github.com/usenari-hub/zero-to-one-tool-sub000/utils/pkg/retry"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses: missing resources
// are 404, state conflicts 409, malformed input 422, everything else
// 500 with the detail kept out of the response body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, chain.ErrChainNotFound),
		errors.Is(err, chain.ErrLinkNotFound),
		errors.Is(err, listing.ErrNotFound),
		errors.Is(err, ledger.ErrEntryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chain.ErrDuplicateChain),
		errors.Is(err, chain.ErrChainFull),
		errors.Is(err, chain.ErrChainNotActive),
		errors.Is(err, chain.ErrAlreadyJoined),
		errors.Is(err, chain.ErrReferrerRepeated),
		errors.Is(err, chain.ErrContactLocked),
		errors.Is(err, chain.ErrListingNotOpen),
		errors.Is(err, chain.ErrLinkPaid),
		errors.Is(err, settlement.ErrAlreadySettled),
		errors.Is(err, ledger.ErrAlreadyReversed),
		errors.Is(err, ledger.ErrNotReversible),
		errors.Is(err, ledger.ErrNothingToForfeit),
		errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusConflict
	case errors.Is(err, listing.ErrInvalidInput),
		errors.Is(err, ledger.ErrInvalidEntry),
		errors.Is(err, settlement.ErrInvalidSalePrice):
		status = http.StatusUnprocessableEntity
	default:
		s.log.Error("server: request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

type listingResponse struct {
	ID               uuid.UUID       `json:"id"`
	SellerID         string          `json:"sellerId"`
	Title            string          `json:"title"`
	AskingPrice      decimal.Decimal `json:"askingPrice"`
	RewardPercentage decimal.Decimal `json:"rewardPercentage"`
	MaxDegrees       int             `json:"maxDegrees"`
	Status           listing.Status  `json:"status"`
	Pool             decimal.Decimal `json:"pool"`
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SellerID         string          `json:"sellerId"`
		Title            string          `json:"title"`
		AskingPrice      decimal.Decimal `json:"askingPrice"`
		RewardPercentage decimal.Decimal `json:"rewardPercentage"`
		MaxDegrees       int             `json:"maxDegrees"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	l, err := s.cfg.Listings.Create(r.Context(), req.SellerID, req.Title, req.AskingPrice, req.RewardPercentage, req.MaxDegrees)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, listingResponse{
		ID:               l.ID,
		SellerID:         l.SellerID,
		Title:            l.Title,
		AskingPrice:      l.AskingPrice,
		RewardPercentage: l.RewardPercentage,
		MaxDegrees:       l.MaxDegrees,
		Status:           l.Status,
		Pool:             l.Pool(),
	})
}

type chainResponse struct {
	ID                 uuid.UUID       `json:"id"`
	ListingID          uuid.UUID       `json:"listingId"`
	Status             chain.Status    `json:"status"`
	CurrentDegreeCount int             `json:"currentDegreeCount"`
	PoolAmount         decimal.Decimal `json:"poolAmount"`
	ExpiresAt          time.Time       `json:"expiresAt"`
}

func chainToResponse(c chain.ReferralChain) chainResponse {
	return chainResponse{
		ID:                 c.ID,
		ListingID:          c.ListingID,
		Status:             c.Status,
		CurrentDegreeCount: c.CurrentDegreeCount,
		PoolAmount:         c.PoolAmount,
		ExpiresAt:          c.ExpiresAt,
	}
}

func (s *Server) handleStartChain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ListingID uuid.UUID `json:"listingId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	c, err := s.cfg.Chains.StartChain(r.Context(), req.ListingID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, chainToResponse(c))
}

type linkResponse struct {
	ID             uuid.UUID        `json:"id"`
	ChainID        uuid.UUID        `json:"chainId"`
	DegreePosition int              `json:"degreePosition"`
	ReferrerID     string           `json:"referrerId"`
	Status         chain.LinkStatus `json:"status"`
	LockExpiresAt  time.Time        `json:"lockExpiresAt"`
}

func (s *Server) handleAppendLink(w http.ResponseWriter, r *http.Request) {
	chainID, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req struct {
		ReferrerID  string `json:"referrerId"`
		ContactHash string `json:"contactHash"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ReferrerID == "" || req.ContactHash == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "referrerId and contactHash are required"})
		return
	}

	link, err := s.cfg.Chains.AppendLink(r.Context(), chainID, req.ReferrerID, req.ContactHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, linkResponse{
		ID:             link.ID,
		ChainID:        link.ChainID,
		DegreePosition: link.DegreePosition,
		ReferrerID:     link.ReferrerID,
		Status:         link.Status,
		LockExpiresAt:  link.ContactLockExpiresAt,
	})
}

func (s *Server) handleConfirmLink(w http.ResponseWriter, r *http.Request) {
	linkID, ok := pathUUID(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Chains.ConfirmLink(r.Context(), linkID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExpireChain(w http.ResponseWriter, r *http.Request) {
	chainID, ok := pathUUID(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Chains.ExpireChain(r.Context(), chainID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDegreeBreakdown(w http.ResponseWriter, r *http.Request) {
	chainID, ok := pathUUID(w, r)
	if !ok {
		return
	}
	breakdown, err := s.cfg.Chains.Breakdown(r.Context(), chainID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	type degreeRow struct {
		Position   int              `json:"position"`
		Fraction   string           `json:"fraction"`
		Filled     bool             `json:"filled"`
		ReferrerID string           `json:"referrerId,omitempty"`
		LinkStatus chain.LinkStatus `json:"linkStatus,omitempty"`
		JoinedAt   *time.Time       `json:"joinedAt,omitempty"`
	}
	resp := struct {
		ChainID            uuid.UUID    `json:"chainId"`
		ListingID          uuid.UUID    `json:"listingId"`
		Status             chain.Status `json:"status"`
		CurrentDegreeCount int          `json:"currentDegreeCount"`
		MaxDegrees         int          `json:"maxDegrees"`
		PoolAmount         string       `json:"poolAmount"`
		ExpiresAt          time.Time    `json:"expiresAt"`
		Degrees            []degreeRow  `json:"degrees"`
	}{
		ChainID:            breakdown.ChainID,
		ListingID:          breakdown.ListingID,
		Status:             breakdown.Status,
		CurrentDegreeCount: breakdown.CurrentDegreeCount,
		MaxDegrees:         breakdown.MaxDegrees,
		PoolAmount:         breakdown.PoolAmount,
		ExpiresAt:          breakdown.ExpiresAt,
	}
	for _, d := range breakdown.Degrees {
		resp.Degrees = append(resp.Degrees, degreeRow{
			Position:   d.Position,
			Fraction:   d.Fraction,
			Filled:     d.Filled,
			ReferrerID: d.ReferrerID,
			LinkStatus: d.LinkStatus,
			JoinedAt:   d.JoinedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type payoutResponse struct {
	ReferrerID     string          `json:"referrerId"`
	DegreePosition int             `json:"degreePosition"`
	Amount         decimal.Decimal `json:"amount"`
}

type settlementResponse struct {
	PurchaseID     string           `json:"purchaseId"`
	ChainID        uuid.UUID        `json:"chainId"`
	SalePrice      decimal.Decimal  `json:"salePrice"`
	PoolAmount     decimal.Decimal  `json:"poolAmount"`
	CharityAmount  decimal.Decimal  `json:"charityAmount"`
	Payouts        []payoutResponse `json:"payouts"`
	AlreadySettled bool             `json:"alreadySettled"`
}

// handleSettle runs the settlement under the retry helper: transient
// database failures retry with backoff, domain conflicts surface
// immediately.
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChainID        uuid.UUID       `json:"chainId"`
		PurchaseID     string          `json:"purchaseId"`
		FinalSalePrice decimal.Decimal `json:"finalSalePrice"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PurchaseID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "purchaseId is required"})
		return
	}

	var res settlement.Result
	err := retry.Do(r.Context(), s.cfg.Retry, func() error {
		var settleErr error
		res, settleErr = s.cfg.Engine.Settle(r.Context(), req.ChainID, req.PurchaseID, req.FinalSalePrice)
		return settleErr
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := settlementResponse{
		PurchaseID:     res.PurchaseID,
		ChainID:        res.ChainID,
		SalePrice:      res.SalePrice,
		PoolAmount:     res.PoolAmount,
		CharityAmount:  res.CharityAmount,
		AlreadySettled: res.AlreadySettled,
		Payouts:        make([]payoutResponse, 0, len(res.Payouts)),
	}
	for _, p := range res.Payouts {
		resp.Payouts = append(resp.Payouts, payoutResponse{
			ReferrerID:     p.ReferrerID,
			DegreePosition: p.DegreePosition,
			Amount:         p.Amount,
		})
	}
	status := http.StatusCreated
	if res.AlreadySettled {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	balance, err := s.cfg.Ledger.BalanceOf(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		UserID  string          `json:"userId"`
		Balance decimal.Decimal `json:"balance"`
	}{UserID: userID, Balance: balance})
}

type entryResponse struct {
	ID             uuid.UUID         `json:"id"`
	UserID         string            `json:"userId"`
	Amount         decimal.Decimal   `json:"amount"`
	RunningBalance decimal.Decimal   `json:"runningBalance"`
	SourceType     ledger.SourceType `json:"sourceType"`
	SourceID       string            `json:"sourceId"`
	Actor          string            `json:"actor,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

func entryToResponse(e ledger.Entry) entryResponse {
	return entryResponse{
		ID:             e.ID,
		UserID:         e.UserID,
		Amount:         e.Amount,
		RunningBalance: e.RunningBalance,
		SourceType:     e.SourceType,
		SourceID:       e.SourceID,
		Actor:          e.Actor,
		Reason:         e.Reason,
		CreatedAt:      e.CreatedAt,
	}
}

func (s *Server) handleLedgerHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	entries, err := s.cfg.Ledger.History(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, entryToResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleForfeit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	var req struct {
		Amount      decimal.Decimal `json:"amount"`
		ReferenceID string          `json:"referenceId"`
		Actor       string          `json:"actor"`
		Reason      string          `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := s.cfg.Ledger.Forfeit(r.Context(), userID, req.Amount, req.ReferenceID, req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Entry     entryResponse   `json:"entry"`
		Requested decimal.Decimal `json:"requested"`
		Forfeited decimal.Decimal `json:"forfeited"`
		Capped    bool            `json:"capped"`
	}{
		Entry:     entryToResponse(res.Entry),
		Requested: res.Requested,
		Forfeited: res.Forfeited,
		Capped:    res.Capped,
	})
}

func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) {
	entryID, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	rev, err := s.cfg.Ledger.Reverse(r.Context(), entryID, req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entryToResponse(rev))
}
