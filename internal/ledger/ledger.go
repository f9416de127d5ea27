// Package ledger реализует журнал событий счёта: единственный источник истины о балансе пользователя.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/earnings-ledger/internal/metrics"
	"github.com/mmeshcher/earnings-ledger/internal/model"
	"github.com/mmeshcher/earnings-ledger/internal/repository"
)

const (
	pageSize            = 200
	defaultStoreTimeout = 2 * time.Second
)

var (
	// ErrInsufficientBalance возвращается, если списание увело бы баланс ниже нуля.
	ErrInsufficientBalance = repository.ErrInsufficientBalance
	// ErrInvariantViolation возвращается для счёта, заблокированного до ручной сверки.
	ErrInvariantViolation = errors.New("ledger invariant violated")
	// ErrInvalidEvent возвращается для события с недопустимым видом, суммой или ключом.
	ErrInvalidEvent = errors.New("invalid ledger event")
)

// Store описывает хранилище, которым пользуется журнал.
type Store interface {
	User(ctx context.Context, id int64) (model.User, error)
	UserIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
	FlagUser(ctx context.Context, userID int64, reason string) error
	ClearFlag(ctx context.Context, userID int64) error
	AppendEvent(ctx context.Context, draft model.EventDraft, now time.Time) (model.LedgerEvent, error)
	EventByKey(ctx context.Context, userID int64, key string) (model.LedgerEvent, error)
	ListEvents(ctx context.Context, userID, afterSeq int64, limit int) ([]model.LedgerEvent, error)
	ListFeed(ctx context.Context, afterID int64, limit int) ([]model.LedgerEvent, error)
}

// Options настраивает журнал. Нулевые значения заменяются значениями по умолчанию.
type Options struct {
	StoreTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Ledger сериализует записи по пользователю и поддерживает производный снимок баланса.
type Ledger struct {
	store   Store
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	locks *userLocks

	mu        sync.Mutex
	snapshots map[int64]model.WalletSnapshot
	halted    map[int64]string
}

// New создаёт журнал поверх хранилища store.
func New(store Store, opts Options) *Ledger {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Ledger{
		store:     store,
		timeout:   opts.StoreTimeout,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		locks:     newUserLocks(),
		snapshots: make(map[int64]model.WalletSnapshot),
		halted:    make(map[int64]string),
	}
}

// Writer даёт доступ к журналу одного пользователя, пока удерживается его блокировка.
type Writer struct {
	l    *Ledger
	user model.User
}

// User возвращает пользователя, прочитанный после захвата блокировки.
func (w *Writer) User() model.User {
	return w.user
}

// Append записывает событие пользователя, которому принадлежит блокировка.
func (w *Writer) Append(ctx context.Context, draft model.EventDraft) (model.LedgerEvent, error) {
	if draft.UserID != w.user.ID {
		return model.LedgerEvent{}, fmt.Errorf("%w: event for user %d under lock of user %d", ErrInvalidEvent, draft.UserID, w.user.ID)
	}
	return w.l.appendLocked(ctx, draft)
}

// Balance возвращает актуальный баланс пользователя.
func (w *Writer) Balance(ctx context.Context) (int64, error) {
	snap, err := w.l.catchUp(ctx, w.user.ID)
	if err != nil {
		return 0, err
	}
	return snap.Balance, nil
}

// EventByKey ищет событие пользователя по ключу идемпотентности.
func (w *Writer) EventByKey(ctx context.Context, key string) (model.LedgerEvent, error) {
	return w.l.EventByKey(ctx, w.user.ID, key)
}

// Exclusive выполняет fn под блокировкой пользователя userID.
// Одновременно удерживается не более одной блокировки: fn не должна вызывать Exclusive для другого пользователя.
func (l *Ledger) Exclusive(ctx context.Context, userID int64, fn func(w *Writer) error) error {
	release, u, err := l.lockUser(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	if reason := l.haltReason(u); reason != "" {
		return fmt.Errorf("user %d: %w: %s", userID, ErrInvariantViolation, reason)
	}

	return fn(&Writer{l: l, user: u})
}

// lockUser захватывает блокировку пользователя не дольше таймаута хранилища и читает пользователя.
func (l *Ledger) lockUser(ctx context.Context, userID int64) (func(), model.User, error) {
	lockCtx, cancel := context.WithTimeout(ctx, l.timeout)
	release, err := l.locks.acquire(lockCtx, userID)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.User{}, ctx.Err()
		}
		return nil, model.User{}, fmt.Errorf("lock user %d: %w", userID, storeErr(err))
	}

	sctx, cancel := l.storeCtx(ctx)
	u, err := l.store.User(sctx, userID)
	cancel()
	if err != nil {
		release()
		return nil, model.User{}, storeErr(err)
	}

	return release, u, nil
}

// Append записывает одно событие. Повтор ключа идемпотентности возвращает repository.ErrConflict.
func (l *Ledger) Append(ctx context.Context, draft model.EventDraft) (model.LedgerEvent, error) {
	var ev model.LedgerEvent
	err := l.Exclusive(ctx, draft.UserID, func(w *Writer) error {
		var err error
		ev, err = w.Append(ctx, draft)
		return err
	})
	return ev, err
}

// Balance возвращает баланс пользователя.
func (l *Ledger) Balance(ctx context.Context, userID int64) (int64, error) {
	snap, err := l.Snapshot(ctx, userID)
	if err != nil {
		return 0, err
	}
	return snap.Balance, nil
}

// Snapshot возвращает снимок счёта, догнав хранилище.
func (l *Ledger) Snapshot(ctx context.Context, userID int64) (model.WalletSnapshot, error) {
	var snap model.WalletSnapshot
	err := l.Exclusive(ctx, userID, func(w *Writer) error {
		var err error
		snap, err = l.catchUp(ctx, userID)
		return err
	})
	return snap, err
}

// EventByKey ищет событие пользователя по ключу идемпотентности.
func (l *Ledger) EventByKey(ctx context.Context, userID int64, key string) (model.LedgerEvent, error) {
	sctx, cancel := l.storeCtx(ctx)
	defer cancel()

	ev, err := l.store.EventByKey(sctx, userID, key)
	if err != nil {
		return model.LedgerEvent{}, storeErr(err)
	}
	return ev, nil
}

// EventsSince перечисляет события пользователя с номером больше cursor в порядке записи.
// Обход ленивый и постраничный; его можно возобновить с номера последнего полученного события.
func (l *Ledger) EventsSince(ctx context.Context, userID, cursor int64) iter.Seq2[model.LedgerEvent, error] {
	return l.pages(ctx, cursor, func(ctx context.Context, after int64) ([]model.LedgerEvent, error) {
		return l.store.ListEvents(ctx, userID, after, pageSize)
	}, func(ev model.LedgerEvent) int64 { return ev.Seq })
}

// Feed перечисляет события всех пользователей с глобальным номером больше cursor.
func (l *Ledger) Feed(ctx context.Context, cursor int64) iter.Seq2[model.LedgerEvent, error] {
	return l.pages(ctx, cursor, func(ctx context.Context, after int64) ([]model.LedgerEvent, error) {
		return l.store.ListFeed(ctx, after, pageSize)
	}, func(ev model.LedgerEvent) int64 { return ev.ID })
}

func (l *Ledger) pages(
	ctx context.Context,
	cursor int64,
	fetch func(ctx context.Context, after int64) ([]model.LedgerEvent, error),
	position func(model.LedgerEvent) int64,
) iter.Seq2[model.LedgerEvent, error] {
	return func(yield func(model.LedgerEvent, error) bool) {
		after := cursor
		for {
			sctx, cancel := l.storeCtx(ctx)
			page, err := fetch(sctx, after)
			cancel()
			if err != nil {
				yield(model.LedgerEvent{}, storeErr(err))
				return
			}

			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
				after = position(ev)
			}

			if len(page) < pageSize {
				return
			}
		}
	}
}

func (l *Ledger) appendLocked(ctx context.Context, draft model.EventDraft) (model.LedgerEvent, error) {
	if err := validateDraft(draft); err != nil {
		return model.LedgerEvent{}, err
	}

	if draft.Amount < 0 {
		snap, err := l.catchUp(ctx, draft.UserID)
		if err != nil {
			return model.LedgerEvent{}, err
		}
		if snap.Balance+draft.Amount < 0 {
			return model.LedgerEvent{}, ErrInsufficientBalance
		}
	}

	sctx, cancel := l.storeCtx(ctx)
	ev, err := l.store.AppendEvent(sctx, draft, l.now())
	cancel()
	if err != nil {
		return model.LedgerEvent{}, storeErr(err)
	}

	l.advance(ev)
	l.metrics.EventAppended(string(ev.Kind), ev.Amount)
	l.log.Debug("ledger event appended",
		zap.Int64("user_id", ev.UserID),
		zap.Int64("seq", ev.Seq),
		zap.String("kind", string(ev.Kind)),
		zap.Int64("amount", ev.Amount),
	)

	return ev, nil
}

func validateDraft(d model.EventDraft) error {
	if d.IdempotencyKey == "" {
		return fmt.Errorf("%w: empty idempotency key", ErrInvalidEvent)
	}

	switch d.Kind {
	case model.KindMissionCredit, model.KindReferralCommission, model.KindWithdrawalReversal:
		if d.Amount <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidEvent, d.Kind)
		}
	case model.KindWithdrawalDebit:
		if d.Amount >= 0 {
			return fmt.Errorf("%w: %s must be negative", ErrInvalidEvent, d.Kind)
		}
	case model.KindAdjustment:
		if d.Amount == 0 {
			return fmt.Errorf("%w: zero adjustment", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, d.Kind)
	}
	return nil
}

// advance продвигает снимок на только что записанное событие. При разрыве снимок сбрасывается и будет догнан.
func (l *Ledger) advance(ev model.LedgerEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap, ok := l.snapshots[ev.UserID]
	if !ok || ev.Seq != snap.LastSeq+1 {
		delete(l.snapshots, ev.UserID)
		return
	}

	snap.Balance += ev.Amount
	snap.Version++
	snap.LastSeq = ev.Seq
	l.snapshots[ev.UserID] = snap
}

// catchUp дочитывает события после LastSeq снимка. Вызывается под блокировкой пользователя.
func (l *Ledger) catchUp(ctx context.Context, userID int64) (model.WalletSnapshot, error) {
	l.mu.Lock()
	snap, ok := l.snapshots[userID]
	l.mu.Unlock()
	if !ok {
		snap = model.WalletSnapshot{UserID: userID}
	}

	snap, err := l.fold(ctx, snap)
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			l.halt(ctx, userID, err.Error())
		}
		return model.WalletSnapshot{}, err
	}

	l.mu.Lock()
	l.snapshots[userID] = snap
	l.mu.Unlock()

	return snap, nil
}

// fold применяет к снимку события хранилища после snap.LastSeq, проверяя непрерывность номеров и знак баланса.
func (l *Ledger) fold(ctx context.Context, snap model.WalletSnapshot) (model.WalletSnapshot, error) {
	for ev, err := range l.EventsSince(ctx, snap.UserID, snap.LastSeq) {
		if err != nil {
			return model.WalletSnapshot{}, err
		}
		if ev.Seq != snap.LastSeq+1 {
			return model.WalletSnapshot{}, fmt.Errorf("%w: seq gap after %d, got %d", ErrInvariantViolation, snap.LastSeq, ev.Seq)
		}
		if ev.Currency != model.CurrencyKES {
			return model.WalletSnapshot{}, fmt.Errorf("%w: event %d in %s", ErrInvariantViolation, ev.ID, ev.Currency)
		}

		snap.Balance += ev.Amount
		snap.Version++
		snap.LastSeq = ev.Seq

		if snap.Balance < 0 {
			return model.WalletSnapshot{}, fmt.Errorf("%w: balance %d after seq %d", ErrInvariantViolation, snap.Balance, ev.Seq)
		}
	}
	return snap, nil
}

func (l *Ledger) haltReason(u model.User) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if reason, ok := l.halted[u.ID]; ok {
		return reason
	}
	if u.FlaggedReason != "" {
		l.halted[u.ID] = u.FlaggedReason
	}
	return u.FlaggedReason
}

// halt блокирует счёт до ручной сверки. Ничего не исправляется автоматически.
func (l *Ledger) halt(ctx context.Context, userID int64, reason string) {
	l.mu.Lock()
	l.halted[userID] = reason
	delete(l.snapshots, userID)
	l.mu.Unlock()

	l.metrics.InvariantViolation()
	l.log.Error("ledger invariant violated, account halted",
		zap.Int64("user_id", userID),
		zap.String("reason", reason),
	)

	sctx, cancel := l.storeCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := l.store.FlagUser(sctx, userID, reason); err != nil {
		l.log.Error("failed to persist account flag", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (l *Ledger) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.timeout)
}

// storeErr помечает истечение таймаута хранилища как временную ошибку.
func storeErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, repository.ErrTransient) {
		return fmt.Errorf("%w: %v", repository.ErrTransient, err)
	}
	return err
}
