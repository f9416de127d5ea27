package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/earnings-ledger/internal/model"
	"github.com/mmeshcher/earnings-ledger/internal/repository"
)

type withdrawRequest struct {
	UserID      int64      `json:"user_id"`
	Amount      int64      `json:"amount"`
	Rail        model.Rail `json:"rail"`
	Destination string     `json:"destination"`
}

type withdrawalResponse struct {
	ID              string                 `json:"id"`
	UserID          int64                  `json:"user_id"`
	Amount          int64                  `json:"amount"`
	Currency        string                 `json:"currency"`
	Rail            model.Rail             `json:"rail"`
	Destination     string                 `json:"destination"`
	Status          model.WithdrawalStatus `json:"status"`
	DebitEventID    *int64                 `json:"debit_event_id,omitempty"`
	ReversalEventID *int64                 `json:"reversal_event_id,omitempty"`
	Submitted       bool                   `json:"submitted"`
	CreatedAt       string                 `json:"created_at"`
	UpdatedAt       string                 `json:"updated_at"`
}

func toWithdrawalResponse(req model.WithdrawalRequest) withdrawalResponse {
	return withdrawalResponse{
		ID:              req.ID,
		UserID:          req.UserID,
		Amount:          req.Amount,
		Currency:        model.CurrencyKES,
		Rail:            req.Rail,
		Destination:     req.Destination,
		Status:          req.Status,
		DebitEventID:    req.DebitEventID,
		ReversalEventID: req.ReversalEventID,
		Submitted:       req.SubmittedAt != nil,
		CreatedAt:       req.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       req.UpdatedAt.Format(time.RFC3339),
	}
}

// Withdraw создаёт заявку на вывод и резервирует средства.
// Если резерв не удалось записать из-за временной ошибки, отвечает 503 с телом заявки в статусе pending.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !decodeJSON(r, &req) || req.UserID <= 0 {
		badRequest(w)
		return
	}

	wr, err := h.service.RequestWithdrawal(r.Context(), req.UserID, req.Amount, req.Rail, req.Destination)
	if err != nil {
		if wr.ID != "" && errors.Is(err, repository.ErrTransient) {
			h.logger.Warn("withdrawal left pending", zap.String("request_id", wr.ID), zap.Error(err))
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusServiceUnavailable, toWithdrawalResponse(wr))
			return
		}
		h.writeError(w, r, "withdraw", err)
		return
	}

	writeJSON(w, http.StatusCreated, toWithdrawalResponse(wr))
}

// GetWithdrawal возвращает заявку на вывод.
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wr, err := h.service.Withdrawal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "get withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalResponse(wr))
}

// GetWithdrawals возвращает историю заявок участника.
func (h *Handler) GetWithdrawals(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w)
		return
	}

	withdrawals, err := h.service.Withdrawals(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "get withdrawals", err)
		return
	}

	if len(withdrawals) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]withdrawalResponse, 0, len(withdrawals))
	for _, wr := range withdrawals {
		resp = append(resp, toWithdrawalResponse(wr))
	}
	writeJSON(w, http.StatusOK, resp)
}

// transition выполняет переход заявки, идентификатор которой передан в пути.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, id string) (model.WithdrawalRequest, error)) {
	id := chi.URLParam(r, "id")
	if id == "" {
		badRequest(w)
		return
	}

	wr, err := fn(r.Context(), id)
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalResponse(wr))
}

// ReserveWithdrawal повторяет резервирование заявки.
func (h *Handler) ReserveWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "reserve withdrawal", h.service.ReserveWithdrawal)
}

// CancelWithdrawal отменяет заявку в статусе pending.
func (h *Handler) CancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel withdrawal", h.service.CancelWithdrawal)
}

// PayoutSettled принимает подписанное уведомление об успешной выплате.
func (h *Handler) PayoutSettled(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "payout settled", h.service.ConfirmPayout)
}

// PayoutFailed принимает подписанное уведомление о неудачной выплате.
func (h *Handler) PayoutFailed(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "payout failed", h.service.FailPayout)
}
