package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/earnings-ledger/internal/mission"
	"github.com/mmeshcher/earnings-ledger/internal/model"
)

const dateLayout = "2006-01-02"

type templateRequest struct {
	Title           string            `json:"title"`
	Type            model.MissionType `json:"type"`
	Reward          int64             `json:"reward"`
	DurationSeconds int               `json:"duration_seconds"`
	Active          *bool             `json:"active"`
}

type templateResponse struct {
	ID              int64             `json:"id"`
	Title           string            `json:"title"`
	Type            model.MissionType `json:"type"`
	Reward          int64             `json:"reward"`
	DurationSeconds int               `json:"duration_seconds"`
	Active          bool              `json:"active"`
}

// CreateTemplate добавляет шаблон задания.
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !decodeJSON(r, &req) {
		badRequest(w)
		return
	}

	active := req.Active == nil || *req.Active
	tpl, err := h.service.CreateTemplate(r.Context(), model.MissionTemplate{
		Title:           req.Title,
		Type:            req.Type,
		Reward:          req.Reward,
		DurationSeconds: req.DurationSeconds,
		Active:          active,
	})
	if err != nil {
		h.writeError(w, r, "create template", err)
		return
	}

	writeJSON(w, http.StatusCreated, templateResponse{
		ID:              tpl.ID,
		Title:           tpl.Title,
		Type:            tpl.Type,
		Reward:          tpl.Reward,
		DurationSeconds: tpl.DurationSeconds,
		Active:          tpl.Active,
	})
}

type assignRequest struct {
	UserID     int64  `json:"user_id"`
	TemplateID int64  `json:"template_id"`
	Date       string `json:"date"`
}

type instanceResponse struct {
	ID            string              `json:"id"`
	UserID        int64               `json:"user_id"`
	TemplateID    int64               `json:"template_id"`
	AssignedDate  string              `json:"assigned_date"`
	Quota         int                 `json:"quota"`
	Status        model.MissionStatus `json:"status"`
	CreditEventID *int64              `json:"credit_event_id,omitempty"`
}

// AssignMission назначает участнику задание на дату.
func (h *Handler) AssignMission(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !decodeJSON(r, &req) || req.UserID <= 0 || req.TemplateID <= 0 {
		badRequest(w)
		return
	}

	var date time.Time
	if req.Date != "" {
		d, err := time.Parse(dateLayout, req.Date)
		if err != nil {
			badRequest(w)
			return
		}
		date = d
	}

	inst, err := h.service.AssignMission(r.Context(), req.UserID, req.TemplateID, date)
	if err != nil {
		h.writeError(w, r, "assign mission", err)
		return
	}

	writeJSON(w, http.StatusCreated, instanceResponse{
		ID:            inst.ID,
		UserID:        inst.UserID,
		TemplateID:    inst.TemplateID,
		AssignedDate:  inst.AssignedDate.Format(dateLayout),
		Quota:         inst.Quota,
		Status:        inst.Status,
		CreditEventID: inst.CreditEventID,
	})
}

type completeRequest struct {
	UserID      int64         `json:"user_id"`
	CompletedAt *time.Time    `json:"completed_at"`
	Proof       mission.Proof `json:"proof"`
}

type creditResponse struct {
	Event    model.LedgerEvent `json:"event"`
	Replayed bool              `json:"replayed"`
}

// CompleteMission засчитывает выполнение задания. Повтор возвращает ранее записанное начисление.
func (h *Handler) CompleteMission(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	var req completeRequest
	if instanceID == "" || !decodeJSON(r, &req) || req.UserID <= 0 {
		badRequest(w)
		return
	}

	c := mission.Completion{UserID: req.UserID, InstanceID: instanceID, Proof: req.Proof}
	if req.CompletedAt != nil {
		c.CompletedAt = *req.CompletedAt
	}

	res, err := h.service.CompleteMission(r.Context(), c)
	if err != nil {
		h.writeError(w, r, "complete mission", err)
		return
	}

	writeJSON(w, http.StatusOK, creditResponse{Event: res.Event, Replayed: res.Replayed})
}
