package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

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

type stubService struct {
	userResp model.User
	userErr  error

	assignResp model.MissionInstance
	assignErr  error
	assignDate time.Time

	creditResp mission.Result
	creditErr  error

	balanceResp model.WalletSnapshot
	balanceErr  error

	eventsResp []model.LedgerEvent
	eventsErr  error

	withdrawalResp  model.WithdrawalRequest
	withdrawalErr   error
	withdrawalsResp []model.WithdrawalRequest

	settingsResp model.Settings
	settingsErr  error

	adjustReplayed bool
	adjustErr      error

	clearErr error

	confirmedID string
}

func (s *stubService) CreateUser(ctx context.Context, tierName string, referrerID *int64) (model.User, error) {
	return s.userResp, s.userErr
}

func (s *stubService) User(ctx context.Context, id int64) (model.User, error) {
	return s.userResp, s.userErr
}

func (s *stubService) AssignReferrer(ctx context.Context, userID, referrerID int64) (model.User, error) {
	return s.userResp, s.userErr
}

func (s *stubService) SetTier(ctx context.Context, userID int64, tierName string, expiresAt *time.Time) (model.User, error) {
	return s.userResp, s.userErr
}

func (s *stubService) SetStatus(ctx context.Context, userID int64, status model.UserStatus) (model.User, error) {
	return s.userResp, s.userErr
}

func (s *stubService) Tiers() []model.Tier {
	return tier.Default()
}

func (s *stubService) CreateTemplate(ctx context.Context, tpl model.MissionTemplate) (model.MissionTemplate, error) {
	tpl.ID = 1
	return tpl, nil
}

func (s *stubService) AssignMission(ctx context.Context, userID, templateID int64, date time.Time) (model.MissionInstance, error) {
	s.assignDate = date
	return s.assignResp, s.assignErr
}

func (s *stubService) CompleteMission(ctx context.Context, c mission.Completion) (mission.Result, error) {
	return s.creditResp, s.creditErr
}

func (s *stubService) Balance(ctx context.Context, userID int64) (model.WalletSnapshot, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) Events(ctx context.Context, userID, cursor int64, limit int) ([]model.LedgerEvent, error) {
	return s.eventsResp, s.eventsErr
}

func (s *stubService) Feed(ctx context.Context, cursor int64, limit int) ([]model.LedgerEvent, error) {
	return s.eventsResp, s.eventsErr
}

func (s *stubService) RequestWithdrawal(ctx context.Context, userID, amount int64, rail model.Rail, destination string) (model.WithdrawalRequest, error) {
	return s.withdrawalResp, s.withdrawalErr
}

func (s *stubService) Withdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	return s.withdrawalResp, s.withdrawalErr
}

func (s *stubService) Withdrawals(ctx context.Context, userID int64) ([]model.WithdrawalRequest, error) {
	return s.withdrawalsResp, s.withdrawalErr
}

func (s *stubService) ReserveWithdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	return s.withdrawalResp, s.withdrawalErr
}

func (s *stubService) CancelWithdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	return s.withdrawalResp, s.withdrawalErr
}

func (s *stubService) ConfirmPayout(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	s.confirmedID = id
	return s.withdrawalResp, s.withdrawalErr
}

func (s *stubService) FailPayout(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	return s.withdrawalResp, s.withdrawalErr
}

func (s *stubService) Settings(ctx context.Context) (model.Settings, error) {
	return s.settingsResp, s.settingsErr
}

func (s *stubService) UpdateSettings(ctx context.Context, minWithdrawal, expectedVersion int64) (model.Settings, error) {
	return s.settingsResp, s.settingsErr
}

func (s *stubService) Adjust(ctx context.Context, userID, amount int64, ref string) (model.LedgerEvent, bool, error) {
	return model.LedgerEvent{ID: 1, UserID: userID, Amount: amount}, s.adjustReplayed, s.adjustErr
}

func (s *stubService) Reconcile(ctx context.Context, userID int64) (model.WalletSnapshot, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) ClearFlag(ctx context.Context, userID int64) error {
	return s.clearErr
}

func newTestRouter(t *testing.T, svc Service, opts Options) http.Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	return NewHandler(svc, logger, opts).SetupRouter()
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateUser(t *testing.T) {
	svc := &stubService{userResp: model.User{ID: 7, Tier: "basic", Status: model.UserStatusActive}}
	h := newTestRouter(t, svc, Options{})

	rec := do(t, h, http.MethodPost, "/api/users", createUserRequest{Tier: "basic"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	var got userResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != 7 || got.Tier != "basic" || got.Flagged {
		t.Fatalf("unexpected response: %+v", got)
	}

	if rec := do(t, h, http.MethodPost, "/api/users", `{"tier":`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if rec := do(t, h, http.MethodPost, "/api/users", `{"tier":"basic","login":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	svc.userErr = fmt.Errorf("lookup: %w", tier.ErrUnknownTier)
	if rec := do(t, h, http.MethodPost, "/api/users", createUserRequest{Tier: "gold"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown tier status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetUser(t *testing.T) {
	svc := &stubService{userErr: fmt.Errorf("user 9: %w", repository.ErrNotFound)}
	h := newTestRouter(t, svc, Options{})

	if rec := do(t, h, http.MethodGet, "/api/users/9", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec := do(t, h, http.MethodGet, "/api/users/abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{mission.ErrInvalidProof, http.StatusUnprocessableEntity},
		{mission.ErrInstanceNotEligible, http.StatusUnprocessableEntity},
		{wallet.ErrBelowMinimum, http.StatusUnprocessableEntity},
		{mission.ErrQuotaExceeded, http.StatusConflict},
		{mission.ErrAlreadyCredited, http.StatusConflict},
		{mission.ErrDuplicateAssignment, http.StatusConflict},
		{wallet.ErrInvalidTransition, http.StatusConflict},
		{repository.ErrVersionConflict, http.StatusConflict},
		{repository.ErrReferralCycle, http.StatusConflict},
		{ledger.ErrInsufficientBalance, http.StatusPaymentRequired},
		{repository.ErrNotFound, http.StatusNotFound},
		{repository.ErrTransient, http.StatusServiceUnavailable},
		{ledger.ErrInvariantViolation, http.StatusLocked},
		{mission.ErrUserSuspended, http.StatusForbidden},
		{mission.ErrMembershipExpired, http.StatusForbidden},
		{wallet.ErrUserSuspended, http.StatusForbidden},
		{wallet.ErrInvalidDestination, http.StatusBadRequest},
		{service.ErrInvalidStatus, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		wrapped := fmt.Errorf("op: %w", tt.err)
		if got := statusFor(wrapped); got != tt.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestCompleteMission(t *testing.T) {
	svc := &stubService{creditResp: mission.Result{Event: model.LedgerEvent{ID: 3, Amount: 500}, Replayed: true}}
	h := newTestRouter(t, svc, Options{})

	body := completeRequest{UserID: 1, Proof: mission.Proof{WatchedSeconds: 30}}
	rec := do(t, h, http.MethodPost, "/api/missions/inst-1/complete", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got creditResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Replayed || got.Event.ID != 3 {
		t.Fatalf("unexpected response: %+v", got)
	}

	svc.creditErr = mission.ErrQuotaExceeded
	if rec := do(t, h, http.MethodPost, "/api/missions/inst-1/complete", body); rec.Code != http.StatusConflict {
		t.Fatalf("quota status = %d, want %d", rec.Code, http.StatusConflict)
	}

	svc.creditErr = mission.ErrInvalidProof
	if rec := do(t, h, http.MethodPost, "/api/missions/inst-1/complete", body); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("proof status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}

func TestAssignMissionParsesDate(t *testing.T) {
	svc := &stubService{assignResp: model.MissionInstance{ID: "i", AssignedDate: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)}}
	h := newTestRouter(t, svc, Options{})

	rec := do(t, h, http.MethodPost, "/api/missions/assign", assignRequest{UserID: 1, TemplateID: 2, Date: "2026-03-03"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if svc.assignDate.Format(dateLayout) != "2026-03-03" {
		t.Fatalf("date passed = %v", svc.assignDate)
	}

	rec = do(t, h, http.MethodPost, "/api/missions/assign", assignRequest{UserID: 1, TemplateID: 2, Date: "03/03/2026"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad date status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetBalanceFlaggedAccount(t *testing.T) {
	svc := &stubService{balanceErr: fmt.Errorf("user 1: %w", ledger.ErrInvariantViolation)}
	h := newTestRouter(t, svc, Options{})

	if rec := do(t, h, http.MethodGet, "/api/users/1/balance", nil); rec.Code != http.StatusLocked {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusLocked)
	}
}

func TestWithdraw(t *testing.T) {
	svc := &stubService{withdrawalErr: ledger.ErrInsufficientBalance}
	h := newTestRouter(t, svc, Options{})

	body := withdrawRequest{UserID: 1, Amount: 60000, Rail: model.RailMpesa, Destination: "0712345678"}
	if rec := do(t, h, http.MethodPost, "/api/withdrawals", body); rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusPaymentRequired)
	}

	svc.withdrawalResp = model.WithdrawalRequest{ID: "w-1", Status: model.WithdrawalPending}
	svc.withdrawalErr = fmt.Errorf("append: %w", repository.ErrTransient)

	rec := do(t, h, http.MethodPost, "/api/withdrawals", body)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}

	var got withdrawalResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "w-1" || got.Status != model.WithdrawalPending {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestGetWithdrawals_NoContent(t *testing.T) {
	h := newTestRouter(t, &stubService{}, Options{})

	if rec := do(t, h, http.MethodGet, "/api/users/1/withdrawals", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestPayoutCallbackRequiresSignature(t *testing.T) {
	svc := &stubService{withdrawalResp: model.WithdrawalRequest{ID: "w-1", Status: model.WithdrawalSettled}}
	sig := middleware.NewCallbackSignature("callback-secret")
	h := newTestRouter(t, svc, Options{Signature: sig})

	if rec := do(t, h, http.MethodPost, "/api/payouts/w-1/settled", "{}"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if svc.confirmedID != "" {
		t.Fatalf("unsigned callback reached service")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/payouts/w-1/settled", strings.NewReader("{}"))
	req.Header.Set(middleware.SignatureHeader, sig.Sign([]byte("{}")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("signed status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.confirmedID != "w-1" {
		t.Fatalf("confirmed id = %q, want w-1", svc.confirmedID)
	}
}

func TestInvalidTransitionConflict(t *testing.T) {
	svc := &stubService{withdrawalErr: fmt.Errorf("%w: cancel from reserved", wallet.ErrInvalidTransition)}
	h := newTestRouter(t, svc, Options{})

	if rec := do(t, h, http.MethodPost, "/api/withdrawals/w-1/cancel", nil); rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestFeedCursor(t *testing.T) {
	svc := &stubService{eventsResp: []model.LedgerEvent{{ID: 4, Seq: 1}, {ID: 9, Seq: 2}}}
	h := newTestRouter(t, svc, Options{})

	rec := do(t, h, http.MethodGet, "/api/events?cursor=3&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got eventsResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.NextCursor != 9 || len(got.Events) != 2 {
		t.Fatalf("unexpected response: %+v", got)
	}

	if rec := do(t, h, http.MethodGet, "/api/users/1/events?cursor=-1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative cursor status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestAdminEndpoints(t *testing.T) {
	svc := &stubService{settingsResp: model.Settings{MinWithdrawal: 50000, Version: 2}}
	h := newTestRouter(t, svc, Options{})

	if rec := do(t, h, http.MethodPut, "/api/admin/settings", `{"version":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing amount status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	svc.settingsErr = repository.ErrVersionConflict
	if rec := do(t, h, http.MethodPut, "/api/admin/settings", `{"min_withdrawal":1000,"version":1}`); rec.Code != http.StatusConflict {
		t.Fatalf("stale version status = %d, want %d", rec.Code, http.StatusConflict)
	}

	if rec := do(t, h, http.MethodPost, "/api/admin/adjustments", adjustmentRequest{UserID: 1, Amount: 100, Reference: "r"}); rec.Code != http.StatusCreated {
		t.Fatalf("adjust status = %d, want %d", rec.Code, http.StatusCreated)
	}
	svc.adjustReplayed = true
	if rec := do(t, h, http.MethodPost, "/api/admin/adjustments", adjustmentRequest{UserID: 1, Amount: 100, Reference: "r"}); rec.Code != http.StatusOK {
		t.Fatalf("replayed adjust status = %d, want %d", rec.Code, http.StatusOK)
	}

	if rec := do(t, h, http.MethodDelete, "/api/admin/users/1/flag", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("clear flag status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	h := newTestRouter(t, &stubService{}, Options{Metrics: m})

	_ = do(t, h, http.MethodGet, "/api/tiers", nil)

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "ledger_http_requests_total") {
		t.Fatalf("metrics output lacks request counter")
	}
}
