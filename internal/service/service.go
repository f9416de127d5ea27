// Package service объединяет журнал, задания, комиссии и кошелёк в API сервиса.
package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/earnings-ledger/internal/ledger"
	"github.com/mmeshcher/earnings-ledger/internal/metrics"
	"github.com/mmeshcher/earnings-ledger/internal/mission"
	"github.com/mmeshcher/earnings-ledger/internal/model"
	"github.com/mmeshcher/earnings-ledger/internal/payout"
	"github.com/mmeshcher/earnings-ledger/internal/repository"
	"github.com/mmeshcher/earnings-ledger/internal/tier"
	"github.com/mmeshcher/earnings-ledger/internal/wallet"
)

var (
	// ErrInvalidStatus возвращается для неизвестного статуса учётной записи.
	ErrInvalidStatus = errors.New("invalid user status")
	// ErrInvalidAdjustment возвращается для корректировки без суммы или ссылки.
	ErrInvalidAdjustment = errors.New("invalid adjustment")
)

const defaultPageLimit = 100

// Repository описывает контракт доступа к данным, используемый сервисом напрямую.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, tierName string, referrerID *int64, now time.Time) (model.User, error)
	User(ctx context.Context, id int64) (model.User, error)
	AssignReferrer(ctx context.Context, userID, referrerID int64) error
	SetTier(ctx context.Context, userID int64, tierName string, expiresAt *time.Time) error
	SetStatus(ctx context.Context, userID int64, status model.UserStatus) error
	UnsubmittedWithdrawals(ctx context.Context, limit int) ([]model.WithdrawalRequest, error)
	MarkSubmitted(ctx context.Context, id string, at time.Time) error
}

// PayoutClient передаёт поручения платёжной системе.
type PayoutClient interface {
	Submit(ctx context.Context, in payout.Instruction) (int, time.Duration, error)
}

// Deps перечисляет зависимости сервиса. Payouts может быть nil, тогда поручения не отправляются.
type Deps struct {
	Repo     Repository
	Ledger   *ledger.Ledger
	Missions *mission.Processor
	Wallet   *wallet.Service
	Tiers    *tier.Registry
	Payouts  PayoutClient
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Service содержит бизнес-логику сервиса журнала начислений.
type Service struct {
	repo     Repository
	ledger   *ledger.Ledger
	missions *mission.Processor
	wallet   *wallet.Service
	tiers    *tier.Registry
	payouts  PayoutClient
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewService создаёт сервис.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{
		repo:     d.Repo,
		ledger:   d.Ledger,
		missions: d.Missions,
		wallet:   d.Wallet,
		tiers:    d.Tiers,
		payouts:  d.Payouts,
		log:      d.Logger,
		metrics:  d.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateUser регистрирует участника с уровнем членства tierName и, при наличии, пригласившим.
func (s *Service) CreateUser(ctx context.Context, tierName string, referrerID *int64) (model.User, error) {
	if _, err := s.tiers.Lookup(tierName); err != nil {
		return model.User{}, err
	}

	u, err := s.repo.CreateUser(ctx, tierName, referrerID, s.now())
	if err != nil {
		return model.User{}, err
	}

	s.log.Info("user created", zap.Int64("user_id", u.ID), zap.String("tier", u.Tier))
	return u, nil
}

// User возвращает участника.
func (s *Service) User(ctx context.Context, id int64) (model.User, error) {
	return s.repo.User(ctx, id)
}

// AssignReferrer однократно связывает участника с пригласившим.
func (s *Service) AssignReferrer(ctx context.Context, userID, referrerID int64) (model.User, error) {
	if err := s.repo.AssignReferrer(ctx, userID, referrerID); err != nil {
		return model.User{}, err
	}
	return s.repo.User(ctx, userID)
}

// SetTier меняет уровень членства и срок его действия; nil означает бессрочное членство.
// Уже назначенные задания сохраняют прежнюю квоту.
func (s *Service) SetTier(ctx context.Context, userID int64, tierName string, expiresAt *time.Time) (model.User, error) {
	if _, err := s.tiers.Lookup(tierName); err != nil {
		return model.User{}, err
	}
	if err := s.repo.SetTier(ctx, userID, tierName, expiresAt); err != nil {
		return model.User{}, err
	}
	return s.repo.User(ctx, userID)
}

// SetStatus приостанавливает или восстанавливает учётную запись.
func (s *Service) SetStatus(ctx context.Context, userID int64, status model.UserStatus) (model.User, error) {
	if !status.Valid() {
		return model.User{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if err := s.repo.SetStatus(ctx, userID, status); err != nil {
		return model.User{}, err
	}
	return s.repo.User(ctx, userID)
}

// Tiers возвращает все уровни членства.
func (s *Service) Tiers() []model.Tier {
	return s.tiers.All()
}

// CreateTemplate добавляет шаблон задания.
func (s *Service) CreateTemplate(ctx context.Context, tpl model.MissionTemplate) (model.MissionTemplate, error) {
	return s.missions.CreateTemplate(ctx, tpl)
}

// AssignMission назначает задание на дату; нулевая дата означает сегодня.
func (s *Service) AssignMission(ctx context.Context, userID, templateID int64, date time.Time) (model.MissionInstance, error) {
	return s.missions.Assign(ctx, userID, templateID, date)
}

// CompleteMission засчитывает выполненное задание.
func (s *Service) CompleteMission(ctx context.Context, c mission.Completion) (mission.Result, error) {
	if c.CompletedAt.IsZero() {
		c.CompletedAt = s.now()
	}
	return s.missions.Credit(ctx, c)
}

// ExpireMissions переводит устаревшие задания в expired.
func (s *Service) ExpireMissions(ctx context.Context) (int64, error) {
	n, err := s.missions.ExpireStale(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("stale missions expired", zap.Int64("count", n))
	}
	return n, nil
}

// Balance возвращает снимок кошелька.
func (s *Service) Balance(ctx context.Context, userID int64) (model.WalletSnapshot, error) {
	return s.ledger.Snapshot(ctx, userID)
}

// Events возвращает не больше limit событий пользователя с порядковым номером больше cursor.
func (s *Service) Events(ctx context.Context, userID, cursor int64, limit int) ([]model.LedgerEvent, error) {
	if _, err := s.repo.User(ctx, userID); err != nil {
		return nil, err
	}
	return collect(s.ledger.EventsSince(ctx, userID, cursor), limit)
}

// Feed возвращает не больше limit событий всех пользователей с идентификатором больше cursor.
func (s *Service) Feed(ctx context.Context, cursor int64, limit int) ([]model.LedgerEvent, error) {
	return collect(s.ledger.Feed(ctx, cursor), limit)
}

func collect(seq iter.Seq2[model.LedgerEvent, error], limit int) ([]model.LedgerEvent, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}

	res := make([]model.LedgerEvent, 0, limit)
	for ev, err := range seq {
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

// Adjust записывает административную корректировку. Повтор с той же ссылкой возвращает прежнее событие.
func (s *Service) Adjust(ctx context.Context, userID, amount int64, ref string) (model.LedgerEvent, bool, error) {
	if amount == 0 || ref == "" {
		return model.LedgerEvent{}, false, ErrInvalidAdjustment
	}

	key := model.AdjustmentKey(ref)
	ev, err := s.ledger.Append(ctx, model.EventDraft{
		UserID:         userID,
		Kind:           model.KindAdjustment,
		Amount:         amount,
		CauseRef:       "admin:" + ref,
		IdempotencyKey: key,
	})
	if errors.Is(err, repository.ErrConflict) {
		ev, err = s.ledger.EventByKey(ctx, userID, key)
		if err != nil {
			return model.LedgerEvent{}, false, err
		}
		return ev, true, nil
	}
	if err != nil {
		return model.LedgerEvent{}, false, err
	}

	s.log.Info("balance adjusted", zap.Int64("user_id", userID), zap.Int64("amount", amount), zap.String("ref", ref))
	return ev, false, nil
}

// Reconcile сверяет счёт пользователя с журналом.
func (s *Service) Reconcile(ctx context.Context, userID int64) (model.WalletSnapshot, error) {
	return s.ledger.Reconcile(ctx, userID)
}

// ReconcileAll сверяет все счета.
func (s *Service) ReconcileAll(ctx context.Context) (ledger.AuditReport, error) {
	report, err := s.ledger.ReconcileAll(ctx)
	if err != nil {
		return report, err
	}
	if len(report.Flagged) > 0 {
		s.log.Error("audit found flagged accounts", zap.Int("checked", report.Checked), zap.Int64s("flagged", report.Flagged))
	} else {
		s.log.Info("audit passed", zap.Int("checked", report.Checked))
	}
	return report, nil
}

// ClearFlag снимает блокировку счёта после ручной сверки.
func (s *Service) ClearFlag(ctx context.Context, userID int64) error {
	if err := s.ledger.ClearFlag(ctx, userID); err != nil {
		return err
	}
	s.log.Warn("account flag cleared", zap.Int64("user_id", userID))
	return nil
}

// RequestWithdrawal создаёт и резервирует заявку на вывод.
func (s *Service) RequestWithdrawal(ctx context.Context, userID, amount int64, rail model.Rail, destination string) (model.WithdrawalRequest, error) {
	return s.wallet.Request(ctx, userID, amount, rail, destination)
}

// Withdrawal возвращает заявку на вывод.
func (s *Service) Withdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	return s.wallet.Get(ctx, id)
}

// Withdrawals возвращает заявки пользователя.
func (s *Service) Withdrawals(ctx context.Context, userID int64) ([]model.WithdrawalRequest, error) {
	if _, err := s.repo.User(ctx, userID); err != nil {
		return nil, err
	}
	return s.wallet.ListByUser(ctx, userID)
}

// ReserveWithdrawal повторяет резервирование заявки в статусе pending.
func (s *Service) ReserveWithdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	return s.wallet.Reserve(ctx, id)
}

// CancelWithdrawal отменяет заявку в статусе pending.
func (s *Service) CancelWithdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	return s.wallet.Cancel(ctx, id)
}

// ConfirmPayout обрабатывает уведомление платёжной системы об успешной выплате.
func (s *Service) ConfirmPayout(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	return s.wallet.ConfirmSettlement(ctx, id)
}

// FailPayout обрабатывает уведомление платёжной системы о неудачной выплате.
func (s *Service) FailPayout(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	return s.wallet.ReportFailure(ctx, id)
}

// Settings возвращает административные настройки.
func (s *Service) Settings(ctx context.Context) (model.Settings, error) {
	return s.wallet.Settings(ctx)
}

// UpdateSettings меняет минимальную сумму вывода при совпадении версии.
func (s *Service) UpdateSettings(ctx context.Context, minWithdrawal, expectedVersion int64) (model.Settings, error) {
	return s.wallet.UpdateMinWithdrawal(ctx, minWithdrawal, expectedVersion)
}
