// Package mission засчитывает выполнение ежедневных заданий и начисляет вознаграждение ровно один раз.
package mission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/earnings-ledger/internal/ledger"
	"github.com/mmeshcher/earnings-ledger/internal/model"
	"github.com/mmeshcher/earnings-ledger/internal/repository"
)

const defaultTimeout = 10 * time.Second

// Store описывает хранилище заданий.
type Store interface {
	CreateTemplate(ctx context.Context, tpl model.MissionTemplate) (model.MissionTemplate, error)
	Template(ctx context.Context, id int64) (model.MissionTemplate, error)
	CreateInstance(ctx context.Context, inst model.MissionInstance) error
	Instance(ctx context.Context, id string) (model.MissionInstance, error)
	CountInstances(ctx context.Context, userID int64, date time.Time) (int, error)
	CountCompleted(ctx context.Context, userID int64, date time.Time) (int, error)
	HasCompletedTemplate(ctx context.Context, userID, templateID int64, date time.Time, excludeID string) (bool, error)
	CompleteInstance(ctx context.Context, id string, completedAt time.Time, eventID int64) error
	ExpireInstances(ctx context.Context, before time.Time) (int64, error)
}

// Ledger описывает часть журнала, нужную процессору.
type Ledger interface {
	Exclusive(ctx context.Context, userID int64, fn func(w *ledger.Writer) error) error
}

// Tiers возвращает уровень членства по имени.
type Tiers interface {
	Lookup(name string) (model.Tier, error)
}

// Notifier получает начисления за задания для распределения комиссий.
type Notifier interface {
	Notify(ctx context.Context, ev model.LedgerEvent)
}

// Completion описывает заявление пользователя о выполнении экземпляра задания.
type Completion struct {
	UserID      int64
	InstanceID  string
	CompletedAt time.Time
	Proof       Proof
}

// Result содержит итог зачёта. Replayed означает, что возвращено ранее записанное начисление.
type Result struct {
	Event    model.LedgerEvent
	Replayed bool
}

// Options настраивает процессор.
type Options struct {
	Location *time.Location
	Timeout  time.Duration
	Logger   *zap.Logger
	Now      func() time.Time
}

// Processor назначает и засчитывает задания.
type Processor struct {
	store    Store
	ledger   Ledger
	tiers    Tiers
	notifier Notifier

	loc     *time.Location
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time
}

// NewProcessor создаёт процессор. notifier может быть nil.
func NewProcessor(store Store, l Ledger, tiers Tiers, notifier Notifier, opts Options) *Processor {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Processor{
		store:    store,
		ledger:   l,
		tiers:    tiers,
		notifier: notifier,
		loc:      opts.Location,
		timeout:  opts.Timeout,
		log:      opts.Logger,
		now:      opts.Now,
	}
}

// Today возвращает текущую дату начислений.
func (p *Processor) Today() time.Time {
	return model.Day(p.now(), p.loc)
}

// CreateTemplate проверяет и сохраняет шаблон задания.
func (p *Processor) CreateTemplate(ctx context.Context, tpl model.MissionTemplate) (model.MissionTemplate, error) {
	tpl.Title = strings.TrimSpace(tpl.Title)

	switch {
	case tpl.Title == "":
		return model.MissionTemplate{}, fmt.Errorf("%w: empty title", ErrInvalidTemplate)
	case tpl.Reward <= 0:
		return model.MissionTemplate{}, fmt.Errorf("%w: reward must be positive", ErrInvalidTemplate)
	case tpl.DurationSeconds < 0:
		return model.MissionTemplate{}, fmt.Errorf("%w: negative duration", ErrInvalidTemplate)
	}

	switch tpl.Type {
	case model.MissionTypeAd, model.MissionTypeSocial, model.MissionTypeSurvey, model.MissionTypeOther:
	default:
		return model.MissionTemplate{}, fmt.Errorf("%w: unknown type %q", ErrInvalidTemplate, tpl.Type)
	}

	return p.store.CreateTemplate(ctx, tpl)
}

// Assign назначает шаблон пользователю на дату. Нулевая дата означает сегодня; прошедшие даты не допускаются.
func (p *Processor) Assign(ctx context.Context, userID, templateID int64, date time.Time) (model.MissionInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	today := p.Today()
	if date.IsZero() {
		date = today
	}
	date = model.Day(date, time.UTC)
	if date.Before(today) {
		return model.MissionInstance{}, fmt.Errorf("%w: date %s is in the past", ErrInstanceNotEligible, date.Format(time.DateOnly))
	}

	var inst model.MissionInstance
	err := p.ledger.Exclusive(ctx, userID, func(w *ledger.Writer) error {
		u := w.User()
		if u.Suspended() {
			return ErrUserSuspended
		}
		if !u.MembershipActive(p.now()) {
			return fmt.Errorf("%w: since %s", ErrMembershipExpired, u.MembershipExpiresAt.Format(time.RFC3339))
		}

		tpl, err := p.store.Template(ctx, templateID)
		if err != nil {
			return err
		}
		if !tpl.Active {
			return ErrTemplateInactive
		}

		tier, err := p.tiers.Lookup(u.Tier)
		if err != nil {
			return err
		}

		n, err := p.store.CountInstances(ctx, userID, date)
		if err != nil {
			return err
		}
		if n >= tier.DailyMissions {
			return fmt.Errorf("%w: %d of %d", ErrQuotaExceeded, n, tier.DailyMissions)
		}

		inst = model.MissionInstance{
			ID:           uuid.NewString(),
			UserID:       userID,
			TemplateID:   templateID,
			AssignedDate: date,
			Quota:        tier.DailyMissions,
			Status:       model.MissionStatusAssigned,
			CreatedAt:    p.now().UTC(),
		}

		if err := p.store.CreateInstance(ctx, inst); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrDuplicateAssignment
			}
			return err
		}
		return nil
	})
	if err != nil {
		return model.MissionInstance{}, transient(err)
	}

	p.log.Info("mission assigned",
		zap.Int64("user_id", userID),
		zap.Int64("template_id", templateID),
		zap.String("instance_id", inst.ID),
	)
	return inst, nil
}

// Credit засчитывает выполнение и записывает начисление ровно один раз.
// Повтор для уже засчитанного экземпляра возвращает существующее событие с Replayed.
func (p *Processor) Credit(ctx context.Context, c Completion) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var res Result
	err := p.ledger.Exclusive(ctx, c.UserID, func(w *ledger.Writer) error {
		var err error
		res, err = p.creditLocked(ctx, w, c)
		return err
	})
	if err != nil {
		return Result{}, transient(err)
	}

	if p.notifier != nil {
		p.notifier.Notify(context.WithoutCancel(ctx), res.Event)
	}

	if !res.Replayed {
		p.log.Info("mission credited",
			zap.Int64("user_id", c.UserID),
			zap.String("instance_id", c.InstanceID),
			zap.Int64("event_id", res.Event.ID),
			zap.Int64("amount", res.Event.Amount),
		)
	}
	return res, nil
}

func (p *Processor) creditLocked(ctx context.Context, w *ledger.Writer, c Completion) (Result, error) {
	inst, err := p.store.Instance(ctx, c.InstanceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: unknown instance %s", ErrInstanceNotEligible, c.InstanceID)
		}
		return Result{}, err
	}
	if inst.UserID != c.UserID {
		return Result{}, fmt.Errorf("%w: instance %s belongs to another user", ErrInstanceNotEligible, c.InstanceID)
	}

	key := model.MissionCreditKey(inst.ID)

	// Начисление, записанное ранее, возвращается как есть, даже если отметка о выполнении не успела сохраниться.
	existing, err := w.EventByKey(ctx, key)
	switch {
	case err == nil:
		if inst.Status == model.MissionStatusAssigned {
			if err := p.complete(ctx, inst.ID, existing.CreatedAt, existing.ID); err != nil {
				return Result{}, err
			}
		}
		return Result{Event: existing, Replayed: true}, nil
	case !errors.Is(err, repository.ErrNotFound):
		return Result{}, err
	}

	switch inst.Status {
	case model.MissionStatusCompleted:
		return Result{}, fmt.Errorf("%w: instance %s completed without a credit event", ErrAlreadyCredited, inst.ID)
	case model.MissionStatusExpired:
		return Result{}, fmt.Errorf("%w: instance %s expired", ErrInstanceNotEligible, inst.ID)
	}

	u := w.User()
	if u.Suspended() {
		return Result{}, ErrUserSuspended
	}
	if !u.MembershipActive(p.now()) {
		return Result{}, fmt.Errorf("%w: since %s", ErrMembershipExpired, u.MembershipExpiresAt.Format(time.RFC3339))
	}

	if today := p.Today(); !inst.AssignedDate.Equal(today) {
		return Result{}, fmt.Errorf("%w: assigned for %s, crediting date is %s",
			ErrInstanceNotEligible, inst.AssignedDate.Format(time.DateOnly), today.Format(time.DateOnly))
	}

	completedAt := c.CompletedAt
	if completedAt.IsZero() {
		completedAt = p.now()
	}
	if !model.Day(completedAt, p.loc).Equal(inst.AssignedDate) {
		return Result{}, fmt.Errorf("%w: completed outside the assigned date", ErrInstanceNotEligible)
	}

	tpl, err := p.store.Template(ctx, inst.TemplateID)
	if err != nil {
		return Result{}, err
	}
	if err := ValidateProof(tpl, c.Proof); err != nil {
		return Result{}, err
	}

	dup, err := p.store.HasCompletedTemplate(ctx, inst.UserID, inst.TemplateID, inst.AssignedDate, inst.ID)
	if err != nil {
		return Result{}, err
	}
	if dup {
		return Result{}, fmt.Errorf("%w: template %d already completed on %s",
			ErrAlreadyCredited, inst.TemplateID, inst.AssignedDate.Format(time.DateOnly))
	}

	done, err := p.store.CountCompleted(ctx, inst.UserID, inst.AssignedDate)
	if err != nil {
		return Result{}, err
	}
	if done >= inst.Quota {
		return Result{}, fmt.Errorf("%w: %d of %d", ErrQuotaExceeded, done, inst.Quota)
	}

	ev, err := w.Append(ctx, model.EventDraft{
		UserID:         inst.UserID,
		Kind:           model.KindMissionCredit,
		Amount:         tpl.Reward,
		CauseRef:       "mission_instance:" + inst.ID,
		IdempotencyKey: key,
	})
	replayed := false
	if errors.Is(err, repository.ErrConflict) {
		ev, err = w.EventByKey(ctx, key)
		replayed = true
	}
	if err != nil {
		return Result{}, err
	}

	if err := p.complete(ctx, inst.ID, completedAt.UTC(), ev.ID); err != nil {
		return Result{}, err
	}

	return Result{Event: ev, Replayed: replayed}, nil
}

func (p *Processor) complete(ctx context.Context, id string, at time.Time, eventID int64) error {
	err := p.store.CompleteInstance(ctx, id, at, eventID)
	if errors.Is(err, repository.ErrStatusChanged) {
		inst, getErr := p.store.Instance(ctx, id)
		if getErr != nil {
			return getErr
		}
		if inst.Status == model.MissionStatusCompleted {
			return nil
		}
		// Экземпляр истёк между записью начисления и отметкой о выполнении; начисление остаётся в силе.
		p.log.Warn("credited mission instance is no longer assigned",
			zap.String("instance_id", id),
			zap.String("status", string(inst.Status)),
		)
		return nil
	}
	return err
}

// ExpireBefore переводит назначенные экземпляры с датой раньше date в статус expired.
func (p *Processor) ExpireBefore(ctx context.Context, date time.Time) (int64, error) {
	n, err := p.store.ExpireInstances(ctx, model.Day(date, time.UTC))
	if err != nil {
		return 0, transient(err)
	}
	if n > 0 {
		p.log.Info("mission instances expired", zap.Int64("count", n))
	}
	return n, nil
}

// ExpireStale переводит в expired все невыполненные экземпляры прошлых дней.
func (p *Processor) ExpireStale(ctx context.Context) (int64, error) {
	return p.ExpireBefore(ctx, p.Today())
}

func transient(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, repository.ErrTransient) {
		return fmt.Errorf("%w: %v", repository.ErrTransient, err)
	}
	return err
}
