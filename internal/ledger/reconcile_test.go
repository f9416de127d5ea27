package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/earnings-ledger/internal/model"
	"github.com/mmeshcher/earnings-ledger/internal/repository"
)

// corruptStore подмешивает в журнал пользователя событие, которого не может записать настоящее хранилище.
type corruptStore struct {
	*repository.MemoryRepository
	userID int64
	bogus  *model.LedgerEvent
}

func (s *corruptStore) ListEvents(ctx context.Context, userID, afterSeq int64, limit int) ([]model.LedgerEvent, error) {
	events, err := s.MemoryRepository.ListEvents(ctx, userID, afterSeq, limit)
	if err != nil || userID != s.userID || s.bogus == nil {
		return events, err
	}
	if s.bogus.Seq > afterSeq {
		events = append(events, *s.bogus)
	}
	return events, nil
}

func TestReconcileMatchesAfterEveryOperation(t *testing.T) {
	ctx := context.Background()
	l, repo := newTestLedger(t)
	id := newUser(t, repo)

	ops := []model.EventDraft{
		credit(id, 5000, "c1"),
		debit(id, 2000, "d1"),
		{UserID: id, Kind: model.KindWithdrawalReversal, Amount: 2000, IdempotencyKey: "r1"},
		{UserID: id, Kind: model.KindAdjustment, Amount: -500, IdempotencyKey: "a1"},
	}

	var want int64
	for _, op := range ops {
		_, err := l.Append(ctx, op)
		require.NoError(t, err)
		want += op.Amount

		snap, err := l.Reconcile(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, snap.Balance)
	}
}

func TestReconcileFlagsNegativeRunningBalance(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository(0)
	id := newUser(t, repo)

	store := &corruptStore{MemoryRepository: repo, userID: id}
	l := New(store, Options{})

	_, err := l.Append(ctx, credit(id, 100, "c1"))
	require.NoError(t, err)

	store.bogus = &model.LedgerEvent{ID: 99, Seq: 2, UserID: id, Kind: model.KindAdjustment, Amount: -500, Currency: model.CurrencyKES}

	_, err = l.Reconcile(ctx, id)
	require.ErrorIs(t, err, ErrInvariantViolation)

	u, err := repo.User(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, u.FlaggedReason)

	_, err = l.Append(ctx, credit(id, 1, "c2"))
	assert.ErrorIs(t, err, ErrInvariantViolation, "halted account must reject writes")

	_, err = l.Balance(ctx, id)
	assert.ErrorIs(t, err, ErrInvariantViolation)

	assert.ErrorIs(t, l.ClearFlag(ctx, id), ErrInvariantViolation, "flag stays while the journal is inconsistent")

	store.bogus = nil
	require.NoError(t, l.ClearFlag(ctx, id))

	_, err = l.Append(ctx, credit(id, 1, "c2"))
	require.NoError(t, err)
}

func TestReconcileDetectsSnapshotDrift(t *testing.T) {
	ctx := context.Background()
	l, repo := newTestLedger(t)
	id := newUser(t, repo)

	_, err := l.Append(ctx, credit(id, 100, "c1"))
	require.NoError(t, err)
	_, err = l.Balance(ctx, id)
	require.NoError(t, err)

	l.mu.Lock()
	l.snapshots[id] = model.WalletSnapshot{UserID: id, Balance: 999, Version: 1, LastSeq: 1}
	l.mu.Unlock()

	_, err = l.Reconcile(ctx, id)
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestFlaggedUserIsHaltedAfterRestart(t *testing.T) {
	ctx := context.Background()
	l, repo := newTestLedger(t)
	id := newUser(t, repo)

	require.NoError(t, repo.FlagUser(ctx, id, "manual hold"))

	_, err := l.Append(ctx, credit(id, 1, "c1"))
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestReconcileAllReportsFlagged(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository(0)
	good := newUser(t, repo)
	bad := newUser(t, repo)

	store := &corruptStore{MemoryRepository: repo, userID: bad}
	l := New(store, Options{})

	_, err := l.Append(ctx, credit(good, 100, "g"))
	require.NoError(t, err)
	store.bogus = &model.LedgerEvent{ID: 50, Seq: 3, UserID: bad, Kind: model.KindMissionCredit, Amount: 1, Currency: model.CurrencyKES}

	report, err := l.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, []int64{bad}, report.Flagged)
}
