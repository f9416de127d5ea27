// Package handler содержит HTTP-обработчики API сервиса журнала начислений.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/earnings-ledger/internal/ledger"
	"github.com/mmeshcher/earnings-ledger/internal/metrics"
	"github.com/mmeshcher/earnings-ledger/internal/middleware"
	"github.com/mmeshcher/earnings-ledger/internal/mission"
	"github.com/mmeshcher/earnings-ledger/internal/model"
	"github.com/mmeshcher/earnings-ledger/internal/repository"
	"github.com/mmeshcher/earnings-ledger/internal/service"
	"github.com/mmeshcher/earnings-ledger/internal/tier"
	"github.com/mmeshcher/earnings-ledger/internal/wallet"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateUser(ctx context.Context, tierName string, referrerID *int64) (model.User, error)
	User(ctx context.Context, id int64) (model.User, error)
	AssignReferrer(ctx context.Context, userID, referrerID int64) (model.User, error)
	SetTier(ctx context.Context, userID int64, tierName string, expiresAt *time.Time) (model.User, error)
	SetStatus(ctx context.Context, userID int64, status model.UserStatus) (model.User, error)
	Tiers() []model.Tier

	CreateTemplate(ctx context.Context, tpl model.MissionTemplate) (model.MissionTemplate, error)
	AssignMission(ctx context.Context, userID, templateID int64, date time.Time) (model.MissionInstance, error)
	CompleteMission(ctx context.Context, c mission.Completion) (mission.Result, error)

	Balance(ctx context.Context, userID int64) (model.WalletSnapshot, error)
	Events(ctx context.Context, userID, cursor int64, limit int) ([]model.LedgerEvent, error)
	Feed(ctx context.Context, cursor int64, limit int) ([]model.LedgerEvent, error)

	RequestWithdrawal(ctx context.Context, userID, amount int64, rail model.Rail, destination string) (model.WithdrawalRequest, error)
	Withdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error)
	Withdrawals(ctx context.Context, userID int64) ([]model.WithdrawalRequest, error)
	ReserveWithdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error)
	CancelWithdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error)
	ConfirmPayout(ctx context.Context, id string) (model.WithdrawalRequest, error)
	FailPayout(ctx context.Context, id string) (model.WithdrawalRequest, error)

	Settings(ctx context.Context) (model.Settings, error)
	UpdateSettings(ctx context.Context, minWithdrawal, expectedVersion int64) (model.Settings, error)
	Adjust(ctx context.Context, userID, amount int64, ref string) (model.LedgerEvent, bool, error)
	Reconcile(ctx context.Context, userID int64) (model.WalletSnapshot, error)
	ClearFlag(ctx context.Context, userID int64) error
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service   Service
	logger    *zap.Logger
	signature *middleware.CallbackSignature
	limiter   *middleware.RateLimiter
	metrics   *metrics.Metrics
}

// Options задаёт необязательные компоненты обработчика.
type Options struct {
	Signature *middleware.CallbackSignature
	Limiter   *middleware.RateLimiter
	Metrics   *metrics.Metrics
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, opts Options) *Handler {
	if opts.Signature == nil {
		opts.Signature = middleware.NewCallbackSignature("")
	}
	return &Handler{
		service:   s,
		logger:    logger,
		signature: opts.Signature,
		limiter:   opts.Limiter,
		metrics:   opts.Metrics,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v) == nil
}

func badRequest(w http.ResponseWriter) {
	http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string) (int64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// statusFor сопоставляет доменную ошибку HTTP-статусу.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrInvariantViolation):
		return http.StatusLocked
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, mission.ErrUserSuspended),
		errors.Is(err, mission.ErrMembershipExpired),
		errors.Is(err, wallet.ErrUserSuspended):
		return http.StatusForbidden
	case errors.Is(err, mission.ErrInstanceNotEligible),
		errors.Is(err, mission.ErrTemplateInactive),
		errors.Is(err, wallet.ErrBelowMinimum):
		return http.StatusUnprocessableEntity
	case errors.Is(err, mission.ErrQuotaExceeded),
		errors.Is(err, mission.ErrAlreadyCredited),
		errors.Is(err, mission.ErrDuplicateAssignment),
		errors.Is(err, wallet.ErrInvalidTransition),
		errors.Is(err, repository.ErrVersionConflict),
		errors.Is(err, repository.ErrReferrerAssigned),
		errors.Is(err, repository.ErrReferralCycle),
		errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, wallet.ErrInvalidDestination),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, tier.ErrUnknownTier),
		errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrInvalidAdjustment),
		errors.Is(err, mission.ErrInvalidTemplate),
		errors.Is(err, ledger.ErrInvalidEvent):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeError отвечает статусом, соответствующим ошибке; непредвиденные ошибки логируются.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := statusFor(err)

	switch code {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		h.logger.Warn(op+" temporarily unavailable", zap.Error(err))
	case http.StatusLocked:
		h.logger.Warn(op+" on flagged account", zap.Error(err))
	case http.StatusInternalServerError:
		h.logger.Error(op+" error", zap.Error(err), zap.String("uri", r.RequestURI))
	}

	http.Error(w, http.StatusText(code), code)
}
