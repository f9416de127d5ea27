package mission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/earnings-ledger/internal/ledger"
	"github.com/mmeshcher/earnings-ledger/internal/model"
	"github.com/mmeshcher/earnings-ledger/internal/repository"
	"github.com/mmeshcher/earnings-ledger/internal/tier"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.LedgerEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, ev model.LedgerEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type fixture struct {
	repo     *repository.MemoryRepository
	ledger   *ledger.Ledger
	proc     *Processor
	notifier *recordingNotifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:     repository.NewMemoryRepository(0),
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.ledger = ledger.New(f.repo, ledger.Options{Now: clock})
	f.proc = NewProcessor(f.repo, f.ledger, tier.MustDefault(), f.notifier, Options{Now: clock})
	return f
}

func (f *fixture) user(t *testing.T, tierName string) int64 {
	t.Helper()
	u, err := f.repo.CreateUser(context.Background(), tierName, nil, f.now)
	require.NoError(t, err)
	return u.ID
}

func (f *fixture) template(t *testing.T, typ model.MissionType, reward int64) model.MissionTemplate {
	t.Helper()
	tpl, err := f.proc.CreateTemplate(context.Background(), model.MissionTemplate{
		Title:           "watch " + string(typ),
		Type:            typ,
		Reward:          reward,
		DurationSeconds: 30,
		Active:          true,
	})
	require.NoError(t, err)
	return tpl
}

func (f *fixture) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func TestCreditIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, "basic")
	tpl := f.template(t, model.MissionTypeOther, 5000)

	inst, err := f.proc.Assign(ctx, u, tpl.ID, time.Time{})
	require.NoError(t, err)

	c := Completion{UserID: u, InstanceID: inst.ID, CompletedAt: f.now}

	first, err := f.proc.Credit(ctx, c)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, int64(5000), first.Event.Amount)
	assert.Equal(t, model.KindMissionCredit, first.Event.Kind)

	second, err := f.proc.Credit(ctx, c)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Event, second.Event)

	assert.Equal(t, int64(5000), f.balance(t, u))

	stored, err := f.repo.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MissionStatusCompleted, stored.Status)
	require.NotNil(t, stored.CreditEventID)
	assert.Equal(t, first.Event.ID, *stored.CreditEventID)

	assert.Equal(t, 2, f.notifier.count())
}

func TestConcurrentCreditWritesOneEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, "basic")
	tpl := f.template(t, model.MissionTypeOther, 5000)

	inst, err := f.proc.Assign(ctx, u, tpl.ID, time.Time{})
	require.NoError(t, err)

	const callers = 16
	results := make([]Result, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.proc.Credit(ctx, Completion{UserID: u, InstanceID: inst.ID, CompletedAt: f.now})
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Event.ID, results[i].Event.ID)
		if !results[i].Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, int64(5000), f.balance(t, u))
}

func TestBasicTierQuota(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, "basic")
	first := f.template(t, model.MissionTypeOther, 5000)
	second := f.template(t, model.MissionTypeOther, 7000)

	inst, err := f.proc.Assign(ctx, u, first.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, inst.Quota)

	_, err = f.proc.Assign(ctx, u, second.ID, time.Time{})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	_, err = f.proc.Credit(ctx, Completion{UserID: u, InstanceID: inst.ID, CompletedAt: f.now})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), f.balance(t, u))
}

func TestCreditRejectsOverQuotaInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, "basic")
	a := f.template(t, model.MissionTypeOther, 5000)
	b := f.template(t, model.MissionTypeOther, 7000)

	today := model.Day(f.now, time.UTC)
	for i, tplID := range []int64{a.ID, b.ID} {
		require.NoError(t, f.repo.CreateInstance(ctx, model.MissionInstance{
			ID:           []string{"inst-a", "inst-b"}[i],
			UserID:       u,
			TemplateID:   tplID,
			AssignedDate: today,
			Quota:        1,
			Status:       model.MissionStatusAssigned,
		}))
	}

	_, err := f.proc.Credit(ctx, Completion{UserID: u, InstanceID: "inst-a", CompletedAt: f.now})
	require.NoError(t, err)

	_, err = f.proc.Credit(ctx, Completion{UserID: u, InstanceID: "inst-b", CompletedAt: f.now})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	assert.Equal(t, int64(5000), f.balance(t, u))

	stored, err := f.repo.Instance(ctx, "inst-b")
	require.NoError(t, err)
	assert.Equal(t, model.MissionStatusAssigned, stored.Status)
}

func TestQuotaRecordedAtAssignment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, "pro")

	var instances []model.MissionInstance
	for i := 0; i < 3; i++ {
		tpl := f.template(t, model.MissionTypeOther, 1000)
		inst, err := f.proc.Assign(ctx, u, tpl.ID, time.Time{})
		require.NoError(t, err)
		instances = append(instances, inst)
	}

	require.NoError(t, f.repo.SetTier(ctx, u, "basic", nil))

	for _, inst := range instances {
		_, err := f.proc.Credit(ctx, Completion{UserID: u, InstanceID: inst.ID, CompletedAt: f.now})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3000), f.balance(t, u))

	tpl := f.template(t, model.MissionTypeOther, 1000)
	_, err := f.proc.Assign(ctx, u, tpl.ID, time.Time{})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestAssignRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, "max")
	tpl := f.template(t, model.MissionTypeOther, 1000)

	_, err := f.proc.Assign(ctx, u, tpl.ID, time.Time{})
	require.NoError(t, err)

	_, err = f.proc.Assign(ctx, u, tpl.ID, time.Time{})
	assert.ErrorIs(t, err, ErrDuplicateAssignment)

	_, err = f.proc.Assign(ctx, u, tpl.ID, f.now.AddDate(0, 0, -1))
	assert.ErrorIs(t, err, ErrInstanceNotEligible)

	inactive, err := f.proc.CreateTemplate(ctx, model.MissionTemplate{Title: "off", Type: model.MissionTypeOther, Reward: 1})
	require.NoError(t, err)
	_, err = f.proc.Assign(ctx, u, inactive.ID, time.Time{})
	assert.ErrorIs(t, err, ErrTemplateInactive)

	require.NoError(t, f.repo.SetStatus(ctx, u, model.UserStatusSuspended))
	other := f.template(t, model.MissionTypeOther, 1000)
	_, err = f.proc.Assign(ctx, u, other.ID, time.Time{})
	assert.ErrorIs(t, err, ErrUserSuspended)
}

func TestCreditEligibility(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.user(t, "max")
	stranger := f.user(t, "max")
	ad := f.template(t, model.MissionTypeAd, 1000)

	inst, err := f.proc.Assign(ctx, owner, ad.ID, time.Time{})
	require.NoError(t, err)

	t.Run("unknown instance", func(t *testing.T) {
		_, err := f.proc.Credit(ctx, Completion{UserID: owner, InstanceID: "missing", CompletedAt: f.now})
		assert.ErrorIs(t, err, ErrInstanceNotEligible)
	})

	t.Run("other owner", func(t *testing.T) {
		_, err := f.proc.Credit(ctx, Completion{UserID: stranger, InstanceID: inst.ID, CompletedAt: f.now})
		assert.ErrorIs(t, err, ErrInstanceNotEligible)
	})

	t.Run("ad watched too briefly", func(t *testing.T) {
		_, err := f.proc.Credit(ctx, Completion{
			UserID: owner, InstanceID: inst.ID, CompletedAt: f.now,
			Proof: Proof{WatchedSeconds: 26},
		})
		assert.ErrorIs(t, err, ErrInvalidProof)
		assert.ErrorIs(t, err, ErrInstanceNotEligible)
	})

	t.Run("completed on another day", func(t *testing.T) {
		_, err := f.proc.Credit(ctx, Completion{
			UserID: owner, InstanceID: inst.ID, CompletedAt: f.now.AddDate(0, 0, -1),
			Proof: Proof{WatchedSeconds: 30},
		})
		assert.ErrorIs(t, err, ErrInstanceNotEligible)
	})

	t.Run("suspended", func(t *testing.T) {
		require.NoError(t, f.repo.SetStatus(ctx, owner, model.UserStatusSuspended))
		defer func() { require.NoError(t, f.repo.SetStatus(ctx, owner, model.UserStatusActive)) }()

		_, err := f.proc.Credit(ctx, Completion{UserID: owner, InstanceID: inst.ID, CompletedAt: f.now, Proof: Proof{WatchedSeconds: 30}})
		assert.ErrorIs(t, err, ErrUserSuspended)
	})

	assert.Zero(t, f.balance(t, owner))

	_, err = f.proc.Credit(ctx, Completion{UserID: owner, InstanceID: inst.ID, CompletedAt: f.now, Proof: Proof{WatchedSeconds: 27}})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), f.balance(t, owner))
}

func TestCreditAfterDayRollover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, "basic")
	tpl := f.template(t, model.MissionTypeOther, 1000)

	inst, err := f.proc.Assign(ctx, u, tpl.ID, time.Time{})
	require.NoError(t, err)

	f.now = f.now.Add(24 * time.Hour)

	_, err = f.proc.Credit(ctx, Completion{UserID: u, InstanceID: inst.ID, CompletedAt: f.now})
	require.ErrorIs(t, err, ErrInstanceNotEligible)

	n, err := f.proc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, err := f.repo.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MissionStatusExpired, stored.Status)

	_, err = f.proc.Credit(ctx, Completion{UserID: u, InstanceID: inst.ID, CompletedAt: f.now})
	assert.ErrorIs(t, err, ErrInstanceNotEligible)
}

func TestCreditRecoversInterruptedCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, "basic")
	tpl := f.template(t, model.MissionTypeOther, 1000)

	inst, err := f.proc.Assign(ctx, u, tpl.ID, time.Time{})
	require.NoError(t, err)

	// Начисление записано, но отметка о выполнении потерялась.
	ev, err := f.ledger.Append(ctx, model.EventDraft{
		UserID:         u,
		Kind:           model.KindMissionCredit,
		Amount:         tpl.Reward,
		IdempotencyKey: model.MissionCreditKey(inst.ID),
	})
	require.NoError(t, err)

	res, err := f.proc.Credit(ctx, Completion{UserID: u, InstanceID: inst.ID, CompletedAt: f.now})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, ev.ID, res.Event.ID)

	stored, err := f.repo.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MissionStatusCompleted, stored.Status)
	assert.Equal(t, int64(1000), f.balance(t, u))
}

func TestCreateTemplateValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		tpl  model.MissionTemplate
	}{
		{name: "empty title", tpl: model.MissionTemplate{Type: model.MissionTypeAd, Reward: 1}},
		{name: "zero reward", tpl: model.MissionTemplate{Title: "x", Type: model.MissionTypeAd}},
		{name: "unknown type", tpl: model.MissionTemplate{Title: "x", Type: "quiz", Reward: 1}},
		{name: "negative duration", tpl: model.MissionTemplate{Title: "x", Type: model.MissionTypeAd, Reward: 1, DurationSeconds: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.proc.CreateTemplate(context.Background(), tt.tpl)
			assert.ErrorIs(t, err, ErrInvalidTemplate)
		})
	}
}

func TestExpiredMembershipBlocksMissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, "basic")

	expires := f.now.Add(time.Hour)
	require.NoError(t, f.repo.SetTier(ctx, u, "basic", &expires))

	inst, err := f.proc.Assign(ctx, u, f.template(t, model.MissionTypeOther, 500).ID, time.Time{})
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)

	_, err = f.proc.Credit(ctx, Completion{UserID: u, InstanceID: inst.ID, CompletedAt: f.now})
	require.ErrorIs(t, err, ErrMembershipExpired)
	assert.Zero(t, f.balance(t, u))

	_, err = f.proc.Assign(ctx, u, f.template(t, model.MissionTypeOther, 500).ID, time.Time{})
	require.ErrorIs(t, err, ErrMembershipExpired)

	renewed := f.now.AddDate(1, 0, 0)
	require.NoError(t, f.repo.SetTier(ctx, u, "basic", &renewed))

	res, err := f.proc.Credit(ctx, Completion{UserID: u, InstanceID: inst.ID, CompletedAt: f.now})
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Event.Amount)
}
