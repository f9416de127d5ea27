// Package commission распределяет реферальные комиссии вверх по цепочке пригласивших.
package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/earnings-ledger/internal/model"
	"github.com/mmeshcher/earnings-ledger/internal/repository"
	"github.com/mmeshcher/earnings-ledger/internal/tier"
)

const basisPoints = 10000

// Users читает пользователей для обхода цепочки.
type Users interface {
	User(ctx context.Context, id int64) (model.User, error)
}

// Ledger описывает часть журнала, нужную движку.
type Ledger interface {
	Append(ctx context.Context, draft model.EventDraft) (model.LedgerEvent, error)
	EventByKey(ctx context.Context, userID int64, key string) (model.LedgerEvent, error)
}

// Outbox хранит отметки о распределённых начислениях.
type Outbox interface {
	MarkDistributed(ctx context.Context, eventID int64, at time.Time) error
	// PendingDistributions возвращает нераспределённые начисления с ID больше afterID в порядке ID.
	PendingDistributions(ctx context.Context, afterID int64, limit int) ([]model.LedgerEvent, error)
}

// Tiers возвращает уровень членства по имени.
type Tiers interface {
	Lookup(name string) (model.Tier, error)
}

// Engine вычисляет и записывает комиссии.
type Engine struct {
	users   Users
	ledger  Ledger
	outbox  Outbox
	tiers   Tiers
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time
}

// EngineOptions настраивает движок.
type EngineOptions struct {
	// StoreTimeout ограничивает чтение пользователей и отметку о распределении. По умолчанию 2s.
	StoreTimeout time.Duration
	Logger       *zap.Logger
}

// NewEngine создаёт движок комиссий.
func NewEngine(users Users, l Ledger, outbox Outbox, tiers Tiers, opts EngineOptions) *Engine {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		users:   users,
		ledger:  l,
		outbox:  outbox,
		tiers:   tiers,
		timeout: opts.StoreTimeout,
		log:     opts.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Amount возвращает комиссию с суммы amount по ставке rate в базисных пунктах, округляя вниз.
func Amount(amount int64, rate int) int64 {
	if amount <= 0 || rate <= 0 {
		return 0
	}
	return amount * int64(rate) / basisPoints
}

// Distribute записывает комиссии по начислению за задание causing.
//
// На уровне L пригласивший получает ставку своего уровня членства для L.
// Обход продолжается на L+1, только если L+1 не превышает глубину уровня этого пригласившего и общий предел в 5 уровней.
// Приостановленный пригласивший пропускается без записи, но его глубина по-прежнему ограничивает обход.
// Сбой на одном уровне не прерывает остальные; ошибки объединяются.
func (e *Engine) Distribute(ctx context.Context, causing model.LedgerEvent) ([]model.LedgerEvent, error) {
	if causing.Kind != model.KindMissionCredit || causing.Amount <= 0 {
		return nil, nil
	}

	cur, err := e.user(ctx, causing.UserID)
	if err != nil {
		return nil, fmt.Errorf("load earner %d: %w", causing.UserID, err)
	}

	var (
		written []model.LedgerEvent
		errs    []error
	)

	for level := 1; level <= tier.MaxDepth && cur.ReferrerID != nil; level++ {
		ref, err := e.user(ctx, *cur.ReferrerID)
		if err != nil {
			errs = append(errs, fmt.Errorf("load referrer at level %d: %w", level, err))
			break
		}

		refTier, err := e.tiers.Lookup(ref.Tier)
		if err != nil {
			errs = append(errs, fmt.Errorf("referrer %d tier: %w", ref.ID, err))
			break
		}

		if ev, ok, err := e.creditLevel(ctx, causing, ref, refTier, level); err != nil {
			errs = append(errs, fmt.Errorf("level %d beneficiary %d: %w", level, ref.ID, err))
		} else if ok {
			written = append(written, ev)
		}

		if level+1 > refTier.MaxDepth {
			break
		}
		cur = ref
	}

	return written, errors.Join(errs...)
}

func (e *Engine) user(ctx context.Context, id int64) (model.User, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	u, err := e.users.User(ctx, id)
	return u, storeErr(err)
}

// storeErr помечает истёкший таймаут хранилища как временную ошибку, чтобы диспетчер повторил доставку.
func storeErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, repository.ErrTransient) {
		return fmt.Errorf("%w: %v", repository.ErrTransient, err)
	}
	return err
}

func (e *Engine) creditLevel(ctx context.Context, causing model.LedgerEvent, ref model.User, refTier model.Tier, level int) (model.LedgerEvent, bool, error) {
	if ref.Suspended() {
		e.log.Info("commission forfeited by suspended referrer",
			zap.Int64("cause_event_id", causing.ID),
			zap.Int64("beneficiary_id", ref.ID),
			zap.Int("level", level),
		)
		return model.LedgerEvent{}, false, nil
	}

	amount := Amount(causing.Amount, refTier.Rate(level))
	if amount == 0 {
		return model.LedgerEvent{}, false, nil
	}

	causeID := causing.ID
	key := model.CommissionKey(causing.ID, ref.ID, level)

	ev, err := e.ledger.Append(ctx, model.EventDraft{
		UserID:         ref.ID,
		Kind:           model.KindReferralCommission,
		Amount:         amount,
		CauseRef:       fmt.Sprintf("ledger_event:%d", causing.ID),
		CauseEventID:   &causeID,
		Level:          level,
		IdempotencyKey: key,
	})
	if errors.Is(err, repository.ErrConflict) {
		ev, err = e.ledger.EventByKey(ctx, ref.ID, key)
	}
	if err != nil {
		return model.LedgerEvent{}, false, err
	}
	return ev, true, nil
}

// Process распределяет комиссии и отмечает начисление как распределённое.
func (e *Engine) Process(ctx context.Context, causing model.LedgerEvent) error {
	if causing.Kind != model.KindMissionCredit {
		return nil
	}

	written, err := e.Distribute(ctx, causing)
	if err != nil {
		return err
	}

	mctx, cancel := context.WithTimeout(ctx, e.timeout)
	err = e.outbox.MarkDistributed(mctx, causing.ID, e.now())
	cancel()
	if err != nil {
		return fmt.Errorf("mark event %d distributed: %w", causing.ID, storeErr(err))
	}

	e.log.Debug("commissions distributed",
		zap.Int64("cause_event_id", causing.ID),
		zap.Int("events", len(written)),
	)
	return nil
}

// Notify распределяет комиссии синхронно. Ошибка лишь логируется: начисление останется в очереди обхода.
func (e *Engine) Notify(ctx context.Context, causing model.LedgerEvent) {
	if err := e.Process(ctx, causing); err != nil {
		e.log.Error("failed to distribute commissions",
			zap.Int64("cause_event_id", causing.ID),
			zap.Error(err),
		)
	}
}
