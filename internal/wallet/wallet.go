// Package wallet управляет заявками на вывод средств поверх журнала событий.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/earnings-ledger/internal/ledger"
	"github.com/mmeshcher/earnings-ledger/internal/metrics"
	"github.com/mmeshcher/earnings-ledger/internal/model"
	"github.com/mmeshcher/earnings-ledger/internal/repository"
	"github.com/mmeshcher/earnings-ledger/internal/validation"
)

var (
	// ErrBelowMinimum возвращается для суммы меньше минимальной суммы вывода.
	ErrBelowMinimum = errors.New("amount below minimum withdrawal")
	// ErrInvalidTransition возвращается для перехода, недопустимого из текущего статуса заявки.
	ErrInvalidTransition = errors.New("invalid withdrawal transition")
	// ErrInvalidAmount возвращается для неположительной суммы.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidDestination возвращается для некорректных реквизитов выплаты.
	ErrInvalidDestination = validation.ErrInvalidDestination
	// ErrInsufficientBalance возвращается, если баланса не хватает на резерв.
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
	// ErrUserSuspended возвращается на заявку приостановленного участника.
	ErrUserSuspended = errors.New("withdrawals suspended for user")
)

// Store описывает хранилище заявок и настроек.
type Store interface {
	Settings(ctx context.Context) (model.Settings, error)
	UpdateSettings(ctx context.Context, minWithdrawal, expectedVersion int64, now time.Time) (model.Settings, error)
	CreateWithdrawal(ctx context.Context, req model.WithdrawalRequest) error
	Withdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error)
	WithdrawalsByUser(ctx context.Context, userID int64) ([]model.WithdrawalRequest, error)
	UpdateWithdrawal(ctx context.Context, id string, from model.WithdrawalStatus, upd repository.WithdrawalUpdate) error
}

// Ledger описывает часть журнала, нужную кошельку.
type Ledger interface {
	Exclusive(ctx context.Context, userID int64, fn func(w *ledger.Writer) error) error
}

// Service реализует конечный автомат заявки на вывод.
//
//	pending -> reserved -> settled
//	                    -> failed -> reversed
//	pending -> cancelled
type Service struct {
	store   Store
	ledger  Ledger
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Options настраивает кошелёк.
type Options struct {
	// StoreTimeout ограничивает каждый вызов хранилища. По умолчанию 2s.
	StoreTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// NewService создаёт кошелёк.
func NewService(store Store, l Ledger, opts Options) *Service {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		ledger:  l,
		timeout: opts.StoreTimeout,
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Request создаёт заявку и сразу резервирует средства списанием из журнала.
// Если списание не удалось записать из-за временной ошибки, заявка остаётся pending
// и возвращается вместе с ошибкой; её можно зарезервировать повторно или отменить.
func (s *Service) Request(ctx context.Context, userID, amount int64, rail model.Rail, destination string) (model.WithdrawalRequest, error) {
	if amount <= 0 {
		return model.WithdrawalRequest{}, ErrInvalidAmount
	}

	dest, err := validation.Destination(rail, destination)
	if err != nil {
		return model.WithdrawalRequest{}, err
	}

	settings, err := s.loadSettings(ctx)
	if err != nil {
		return model.WithdrawalRequest{}, fmt.Errorf("load settings: %w", err)
	}
	if amount < settings.MinWithdrawal {
		return model.WithdrawalRequest{}, fmt.Errorf("%w: %d < %d", ErrBelowMinimum, amount, settings.MinWithdrawal)
	}

	var req model.WithdrawalRequest
	err = s.ledger.Exclusive(ctx, userID, func(w *ledger.Writer) error {
		if w.User().Suspended() {
			return ErrUserSuspended
		}

		balance, err := w.Balance(ctx)
		if err != nil {
			return err
		}
		if balance < amount {
			return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, balance, amount)
		}

		now := s.now()
		pending := model.WithdrawalRequest{
			ID:          uuid.NewString(),
			UserID:      userID,
			Amount:      amount,
			Rail:        rail,
			Destination: dest,
			Status:      model.WithdrawalPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.createWithdrawal(ctx, pending); err != nil {
			return fmt.Errorf("create withdrawal: %w", err)
		}
		req = pending
		s.metrics.WithdrawalTransition(string(model.WithdrawalPending))

		req, err = s.reserveLocked(ctx, w, req)
		return err
	})
	if err != nil {
		if req.ID != "" {
			return req, err
		}
		return model.WithdrawalRequest{}, err
	}

	s.log.Info("withdrawal reserved",
		zap.String("request_id", req.ID),
		zap.Int64("user_id", userID),
		zap.Int64("amount", amount),
		zap.String("rail", string(rail)),
	)
	return req, nil
}

// Reserve повторяет резервирование заявки в статусе pending. Для зарезервированной заявки ничего не делает.
func (s *Service) Reserve(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	req, err := s.withdrawal(ctx, id)
	if err != nil {
		return model.WithdrawalRequest{}, err
	}

	err = s.ledger.Exclusive(ctx, req.UserID, func(w *ledger.Writer) error {
		// Статус перечитывается под блокировкой пользователя.
		req, err = s.withdrawal(ctx, id)
		if err != nil {
			return err
		}

		switch req.Status {
		case model.WithdrawalReserved:
			return nil
		case model.WithdrawalPending:
			req, err = s.reserveLocked(ctx, w, req)
			return err
		}
		return fmt.Errorf("%w: reserve from %s", ErrInvalidTransition, req.Status)
	})
	if err != nil {
		return model.WithdrawalRequest{}, err
	}
	return req, nil
}

func (s *Service) reserveLocked(ctx context.Context, w *ledger.Writer, req model.WithdrawalRequest) (model.WithdrawalRequest, error) {
	key := model.DebitKey(req.ID)

	ev, err := w.Append(ctx, model.EventDraft{
		UserID:         req.UserID,
		Kind:           model.KindWithdrawalDebit,
		Amount:         -req.Amount,
		CauseRef:       "withdrawal:" + req.ID,
		IdempotencyKey: key,
	})
	if errors.Is(err, repository.ErrConflict) {
		ev, err = w.EventByKey(ctx, key)
	}
	if err != nil {
		return req, err
	}

	upd := repository.WithdrawalUpdate{
		Status:       model.WithdrawalReserved,
		DebitEventID: &ev.ID,
		UpdatedAt:    s.now(),
	}
	if err := s.updateWithdrawal(ctx, req.ID, model.WithdrawalPending, upd); err != nil {
		return req, fmt.Errorf("mark withdrawal reserved: %w", err)
	}
	s.metrics.WithdrawalTransition(string(model.WithdrawalReserved))

	req.Status = upd.Status
	req.DebitEventID = upd.DebitEventID
	req.UpdatedAt = upd.UpdatedAt
	return req, nil
}

// ConfirmSettlement фиксирует успешную выплату. Повтор для выплаченной заявки ничего не делает.
func (s *Service) ConfirmSettlement(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	req, err := s.withdrawal(ctx, id)
	if err != nil {
		return model.WithdrawalRequest{}, err
	}

	switch req.Status {
	case model.WithdrawalSettled:
		return req, nil
	case model.WithdrawalReserved:
	default:
		return model.WithdrawalRequest{}, fmt.Errorf("%w: settle from %s", ErrInvalidTransition, req.Status)
	}

	if err := s.transition(ctx, req, model.WithdrawalSettled, repository.WithdrawalUpdate{}); err != nil {
		return model.WithdrawalRequest{}, err
	}

	s.log.Info("withdrawal settled", zap.String("request_id", id), zap.Int64("user_id", req.UserID))
	return s.withdrawal(ctx, id)
}

// ReportFailure фиксирует неудачную выплату и возвращает средства событием withdrawal_reversal.
// Операцию можно повторить из статуса failed; для возвращённой заявки она ничего не делает.
func (s *Service) ReportFailure(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	req, err := s.withdrawal(ctx, id)
	if err != nil {
		return model.WithdrawalRequest{}, err
	}

	switch req.Status {
	case model.WithdrawalReversed:
		return req, nil
	case model.WithdrawalReserved:
		if err := s.transition(ctx, req, model.WithdrawalFailed, repository.WithdrawalUpdate{}); err != nil {
			return model.WithdrawalRequest{}, err
		}
		req.Status = model.WithdrawalFailed
	case model.WithdrawalFailed:
	default:
		return model.WithdrawalRequest{}, fmt.Errorf("%w: fail from %s", ErrInvalidTransition, req.Status)
	}

	err = s.ledger.Exclusive(ctx, req.UserID, func(w *ledger.Writer) error {
		key := model.ReversalKey(req.ID)
		ev, err := w.Append(ctx, model.EventDraft{
			UserID:         req.UserID,
			Kind:           model.KindWithdrawalReversal,
			Amount:         req.Amount,
			CauseRef:       "withdrawal:" + req.ID,
			CauseEventID:   req.DebitEventID,
			IdempotencyKey: key,
		})
		if errors.Is(err, repository.ErrConflict) {
			ev, err = w.EventByKey(ctx, key)
		}
		if err != nil {
			return err
		}

		return s.transition(ctx, req, model.WithdrawalReversed, repository.WithdrawalUpdate{ReversalEventID: &ev.ID})
	})
	if err != nil {
		return model.WithdrawalRequest{}, err
	}

	s.log.Info("withdrawal reversed", zap.String("request_id", id), zap.Int64("user_id", req.UserID), zap.Int64("amount", req.Amount))
	return s.withdrawal(ctx, id)
}

// Cancel отменяет заявку в статусе pending.
func (s *Service) Cancel(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	req, err := s.withdrawal(ctx, id)
	if err != nil {
		return model.WithdrawalRequest{}, err
	}

	err = s.ledger.Exclusive(ctx, req.UserID, func(w *ledger.Writer) error {
		req, err = s.withdrawal(ctx, id)
		if err != nil {
			return err
		}

		switch req.Status {
		case model.WithdrawalCancelled:
			return nil
		case model.WithdrawalPending:
			return s.transition(ctx, req, model.WithdrawalCancelled, repository.WithdrawalUpdate{})
		}
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, req.Status)
	})
	if err != nil {
		return model.WithdrawalRequest{}, err
	}

	return s.withdrawal(ctx, id)
}

// transition переводит заявку из её текущего статуса в to. Конкурентное изменение статуса возвращает ErrInvalidTransition.
func (s *Service) transition(ctx context.Context, req model.WithdrawalRequest, to model.WithdrawalStatus, upd repository.WithdrawalUpdate) error {
	upd.Status = to
	upd.UpdatedAt = s.now()

	err := s.updateWithdrawal(ctx, req.ID, req.Status, upd)
	if errors.Is(err, repository.ErrStatusChanged) {
		return fmt.Errorf("%w: %s to %s: %v", ErrInvalidTransition, req.Status, to, err)
	}
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", err)
	}

	s.metrics.WithdrawalTransition(string(to))
	return nil
}

// Get возвращает заявку.
func (s *Service) Get(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	return s.withdrawal(ctx, id)
}

// ListByUser возвращает заявки пользователя, новые первыми.
func (s *Service) ListByUser(ctx context.Context, userID int64) ([]model.WithdrawalRequest, error) {
	return s.listWithdrawals(ctx, userID)
}

// Settings возвращает текущие настройки вывода.
func (s *Service) Settings(ctx context.Context) (model.Settings, error) {
	return s.loadSettings(ctx)
}

// UpdateMinWithdrawal меняет минимальную сумму вывода, если версия настроек равна expectedVersion.
func (s *Service) UpdateMinWithdrawal(ctx context.Context, amount, expectedVersion int64) (model.Settings, error) {
	if amount < 0 {
		return model.Settings{}, ErrInvalidAmount
	}

	settings, err := s.saveSettings(ctx, amount, expectedVersion, s.now())
	if err != nil {
		return model.Settings{}, err
	}

	s.log.Info("minimum withdrawal updated",
		zap.Int64("min_withdrawal", settings.MinWithdrawal),
		zap.Int64("version", settings.Version),
	)
	return settings, nil
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// storeErr помечает истёкший таймаут хранилища как временную ошибку.
func storeErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, repository.ErrTransient) {
		return fmt.Errorf("%w: %v", repository.ErrTransient, err)
	}
	return err
}

func (s *Service) loadSettings(ctx context.Context) (model.Settings, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	settings, err := s.store.Settings(ctx)
	return settings, storeErr(err)
}

func (s *Service) saveSettings(ctx context.Context, minWithdrawal, expectedVersion int64, now time.Time) (model.Settings, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	settings, err := s.store.UpdateSettings(ctx, minWithdrawal, expectedVersion, now)
	return settings, storeErr(err)
}

func (s *Service) createWithdrawal(ctx context.Context, req model.WithdrawalRequest) error {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return storeErr(s.store.CreateWithdrawal(ctx, req))
}

func (s *Service) withdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	req, err := s.store.Withdrawal(ctx, id)
	return req, storeErr(err)
}

func (s *Service) listWithdrawals(ctx context.Context, userID int64) ([]model.WithdrawalRequest, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	list, err := s.store.WithdrawalsByUser(ctx, userID)
	return list, storeErr(err)
}

func (s *Service) updateWithdrawal(ctx context.Context, id string, from model.WithdrawalStatus, upd repository.WithdrawalUpdate) error {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return storeErr(s.store.UpdateWithdrawal(ctx, id, from, upd))
}
