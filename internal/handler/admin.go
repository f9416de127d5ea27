package handler

import (
	"net/http"

	"github.com/mmeshcher/earnings-ledger/internal/model"
)

// GetSettings возвращает административные настройки.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.service.Settings(r.Context())
	if err != nil {
		h.writeError(w, r, "get settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type settingsRequest struct {
	MinWithdrawal *int64 `json:"min_withdrawal"`
	Version       int64  `json:"version"`
}

// UpdateSettings меняет минимальную сумму вывода. Версия должна совпадать с текущей.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decodeJSON(r, &req) || req.MinWithdrawal == nil || req.Version <= 0 {
		badRequest(w)
		return
	}

	settings, err := h.service.UpdateSettings(r.Context(), *req.MinWithdrawal, req.Version)
	if err != nil {
		h.writeError(w, r, "update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type adjustmentRequest struct {
	UserID    int64  `json:"user_id"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

type adjustmentResponse struct {
	Event    model.LedgerEvent `json:"event"`
	Replayed bool              `json:"replayed"`
}

// Adjust записывает административную корректировку баланса.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if !decodeJSON(r, &req) || req.UserID <= 0 {
		badRequest(w)
		return
	}

	ev, replayed, err := h.service.Adjust(r.Context(), req.UserID, req.Amount, req.Reference)
	if err != nil {
		h.writeError(w, r, "adjust balance", err)
		return
	}

	code := http.StatusCreated
	if replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, adjustmentResponse{Event: ev, Replayed: replayed})
}

// Reconcile сверяет счёт участника с журналом; расхождение блокирует счёт.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w)
		return
	}

	snap, err := h.service.Reconcile(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "reconcile", err)
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

// ClearFlag снимает блокировку счёта после ручной сверки.
func (h *Handler) ClearFlag(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w)
		return
	}

	if err := h.service.ClearFlag(r.Context(), id); err != nil {
		h.writeError(w, r, "clear flag", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
