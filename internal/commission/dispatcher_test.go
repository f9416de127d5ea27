package commission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/earnings-ledger/internal/model"
	"github.com/mmeshcher/earnings-ledger/internal/repository"
)

type countingProcessor struct {
	mu        sync.Mutex
	calls     map[int64]int
	failTimes int
	next      Processor
}

func (p *countingProcessor) Process(ctx context.Context, ev model.LedgerEvent) error {
	p.mu.Lock()
	if p.calls == nil {
		p.calls = make(map[int64]int)
	}
	p.calls[ev.ID]++
	fail := p.calls[ev.ID] <= p.failTimes
	p.mu.Unlock()

	if fail {
		return repository.ErrTransient
	}
	if p.next != nil {
		return p.next.Process(ctx, ev)
	}
	return nil
}

func (p *countingProcessor) callsFor(id int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestDispatcherDeliversNotifiedCredit(t *testing.T) {
	f := newFixture(t)
	ids := f.chain(t, "deep", "deep")
	causing := f.credit(t, ids[0], 100000)

	d := NewDispatcher(f.engine, f.repo, DispatcherOptions{Workers: 2, SweepInterval: time.Hour})
	runDispatcher(t, d)

	d.Notify(context.Background(), causing)

	require.Eventually(t, func() bool {
		pending, err := f.repo.PendingDistributions(context.Background(), 0, 10)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []int64{100000, 10000}, f.balances(t, ids))
}

func TestDispatcherSweepPicksUpLostNotifications(t *testing.T) {
	f := newFixture(t)
	ids := f.chain(t, "deep", "deep")
	f.credit(t, ids[0], 100000)

	d := NewDispatcher(f.engine, f.repo, DispatcherOptions{Workers: 1, SweepInterval: 20 * time.Millisecond})
	runDispatcher(t, d)

	require.Eventually(t, func() bool {
		b, err := f.ledger.Balance(context.Background(), ids[1])
		return err == nil && b == 10000
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	ids := f.chain(t, "deep", "deep")
	causing := f.credit(t, ids[0], 100000)

	proc := &countingProcessor{failTimes: 2, next: f.engine}
	d := NewDispatcher(proc, f.repo, DispatcherOptions{Workers: 1, SweepInterval: time.Hour, RetryBase: time.Millisecond})
	runDispatcher(t, d)

	d.Notify(context.Background(), causing)

	require.Eventually(t, func() bool {
		b, err := f.ledger.Balance(context.Background(), ids[1])
		return err == nil && b == 10000
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, proc.callsFor(causing.ID), 3)
}

func TestDispatcherIgnoresOtherKindsAndDuplicates(t *testing.T) {
	proc := &countingProcessor{}
	d := NewDispatcher(proc, repository.NewMemoryRepository(0), DispatcherOptions{QueueSize: 4})

	d.Notify(context.Background(), model.LedgerEvent{ID: 1, Kind: model.KindWithdrawalDebit})
	d.Notify(context.Background(), model.LedgerEvent{ID: 2, Kind: model.KindMissionCredit})
	d.Notify(context.Background(), model.LedgerEvent{ID: 2, Kind: model.KindMissionCredit})

	assert.Len(t, d.queue, 1)
}

func TestDispatcherQueueOverflowReleasesEvent(t *testing.T) {
	d := NewDispatcher(&countingProcessor{}, repository.NewMemoryRepository(0), DispatcherOptions{QueueSize: 1})

	d.Notify(context.Background(), model.LedgerEvent{ID: 1, Kind: model.KindMissionCredit})
	d.Notify(context.Background(), model.LedgerEvent{ID: 2, Kind: model.KindMissionCredit})

	assert.Len(t, d.queue, 1)

	d.mu.Lock()
	_, tracked := d.inflight[2]
	d.mu.Unlock()
	assert.False(t, tracked, "dropped event must be re-queued by the sweep")
}

// stuckProcessor постоянно отказывает для начислений заданных пользователей.
type stuckProcessor struct {
	stuck map[int64]bool
	next  Processor
}

func (p *stuckProcessor) Process(ctx context.Context, ev model.LedgerEvent) error {
	if p.stuck[ev.UserID] {
		return errors.New("referrer under review")
	}
	return p.next.Process(ctx, ev)
}

func TestDispatcherSweepPagesPastStuckCredits(t *testing.T) {
	f := newFixture(t)

	stuck := make(map[int64]bool)
	for i := 0; i < 5; i++ {
		ids := f.chain(t, "deep", "deep")
		stuck[ids[0]] = true
		f.credit(t, ids[0], 100000)
	}
	healthy := f.chain(t, "deep", "deep")
	late := f.credit(t, healthy[0], 100000)

	d := NewDispatcher(&stuckProcessor{stuck: stuck, next: f.engine}, f.repo, DispatcherOptions{
		SweepBatch: 2,
		QueueSize:  16,
	})

	seen := func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		_, ok := d.inflight[late.ID]
		return ok
	}

	assert.Equal(t, 2, d.Sweep(context.Background()))
	assert.False(t, seen())
	assert.Equal(t, 2, d.Sweep(context.Background()))
	assert.Equal(t, 2, d.Sweep(context.Background()))
	assert.True(t, seen(), "credit beyond the first page must be queued")

	// Неполная страница возвращает обход к началу.
	assert.Equal(t, 0, d.Sweep(context.Background()))
	assert.Equal(t, 2, d.Sweep(context.Background()))
}

func TestDispatcherStuckCreditsDoNotStarveLaterOnes(t *testing.T) {
	f := newFixture(t)

	stuck := make(map[int64]bool)
	for i := 0; i < 5; i++ {
		ids := f.chain(t, "deep", "deep")
		stuck[ids[0]] = true
		f.credit(t, ids[0], 100000)
	}
	healthy := f.chain(t, "deep", "deep")
	f.credit(t, healthy[0], 100000)

	d := NewDispatcher(&stuckProcessor{stuck: stuck, next: f.engine}, f.repo, DispatcherOptions{
		Workers:       1,
		SweepBatch:    2,
		SweepInterval: 5 * time.Millisecond,
	})
	runDispatcher(t, d)

	require.Eventually(t, func() bool {
		b, err := f.ledger.Balance(context.Background(), healthy[1])
		return err == nil && b == 10000
	}, 2*time.Second, 10*time.Millisecond)
}
