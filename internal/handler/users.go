package handler

import (
	"net/http"
	"time"

	"github.com/mmeshcher/earnings-ledger/internal/model"
)

type userResponse struct {
	ID            int64            `json:"id"`
	Tier          string           `json:"tier"`
	ReferrerID    *int64           `json:"referrer_id,omitempty"`
	Status        model.UserStatus `json:"status"`
	Flagged       bool             `json:"flagged"`
	FlaggedReason string           `json:"flagged_reason,omitempty"`
	ExpiresAt     string           `json:"membership_expires_at,omitempty"`
	CreatedAt     string           `json:"created_at"`
}

func toUserResponse(u model.User) userResponse {
	resp := userResponse{
		ID:            u.ID,
		Tier:          u.Tier,
		ReferrerID:    u.ReferrerID,
		Status:        u.Status,
		Flagged:       u.FlaggedReason != "",
		FlaggedReason: u.FlaggedReason,
		CreatedAt:     u.CreatedAt.Format(time.RFC3339),
	}
	if u.MembershipExpiresAt != nil {
		resp.ExpiresAt = u.MembershipExpiresAt.Format(time.RFC3339)
	}
	return resp
}

type createUserRequest struct {
	Tier       string `json:"tier"`
	ReferrerID *int64 `json:"referrer_id"`
}

// CreateUser регистрирует участника.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(r, &req) || req.Tier == "" {
		badRequest(w)
		return
	}

	u, err := h.service.CreateUser(r.Context(), req.Tier, req.ReferrerID)
	if err != nil {
		h.writeError(w, r, "create user", err)
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

// GetUser возвращает участника.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w)
		return
	}

	u, err := h.service.User(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "get user", err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(u))
}

type referrerRequest struct {
	ReferrerID int64 `json:"referrer_id"`
}

// AssignReferrer связывает участника с пригласившим.
func (h *Handler) AssignReferrer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	var req referrerRequest
	if !ok || !decodeJSON(r, &req) || req.ReferrerID <= 0 {
		badRequest(w)
		return
	}

	u, err := h.service.AssignReferrer(r.Context(), id, req.ReferrerID)
	if err != nil {
		h.writeError(w, r, "assign referrer", err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(u))
}

type tierRequest struct {
	Tier      string     `json:"tier"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// SetTier меняет уровень членства участника.
func (h *Handler) SetTier(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	var req tierRequest
	if !ok || !decodeJSON(r, &req) || req.Tier == "" {
		badRequest(w)
		return
	}

	u, err := h.service.SetTier(r.Context(), id, req.Tier, req.ExpiresAt)
	if err != nil {
		h.writeError(w, r, "set tier", err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(u))
}

type statusRequest struct {
	Status model.UserStatus `json:"status"`
}

// SetStatus приостанавливает или восстанавливает участника.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	var req statusRequest
	if !ok || !decodeJSON(r, &req) {
		badRequest(w)
		return
	}

	u, err := h.service.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		h.writeError(w, r, "set status", err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// GetTiers возвращает справочник уровней членства.
func (h *Handler) GetTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Tiers())
}

type balanceResponse struct {
	UserID   int64  `json:"user_id"`
	Balance  int64  `json:"balance"`
	Currency string `json:"currency"`
	Version  int64  `json:"version"`
	LastSeq  int64  `json:"last_seq"`
}

// GetBalance возвращает баланс участника.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w)
		return
	}

	snap, err := h.service.Balance(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{
		UserID:   snap.UserID,
		Balance:  snap.Balance,
		Currency: model.CurrencyKES,
		Version:  snap.Version,
		LastSeq:  snap.LastSeq,
	})
}

type eventsResponse struct {
	Events     []model.LedgerEvent `json:"events"`
	NextCursor int64               `json:"next_cursor"`
}

// GetUserEvents возвращает страницу журнала участника после курсора seq.
func (h *Handler) GetUserEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	cursor, okCursor := queryInt(r, "cursor")
	limit, okLimit := queryInt(r, "limit")
	if !ok || !okCursor || !okLimit {
		badRequest(w)
		return
	}

	events, err := h.service.Events(r.Context(), id, cursor, int(limit))
	if err != nil {
		h.writeError(w, r, "get events", err)
		return
	}

	next := cursor
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events, NextCursor: next})
}

// GetFeed возвращает страницу общего журнала после курсора id.
func (h *Handler) GetFeed(w http.ResponseWriter, r *http.Request) {
	cursor, okCursor := queryInt(r, "cursor")
	limit, okLimit := queryInt(r, "limit")
	if !okCursor || !okLimit {
		badRequest(w)
		return
	}

	events, err := h.service.Feed(r.Context(), cursor, int(limit))
	if err != nil {
		h.writeError(w, r, "get feed", err)
		return
	}

	next := cursor
	if len(events) > 0 {
		next = events[len(events)-1].ID
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events, NextCursor: next})
}
