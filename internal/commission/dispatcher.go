package commission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/earnings-ledger/internal/metrics"
	"github.com/mmeshcher/earnings-ledger/internal/model"
	"github.com/mmeshcher/earnings-ledger/internal/repository"
)

// Processor распределяет комиссии по одному начислению.
type Processor interface {
	Process(ctx context.Context, causing model.LedgerEvent) error
}

// DispatcherOptions настраивает очередь распределения.
type DispatcherOptions struct {
	Workers       int
	QueueSize     int
	SweepInterval time.Duration
	SweepBatch    int
	MaxRetries    uint64
	RetryBase     time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Dispatcher доставляет начисления движку асинхронно и не реже одного раза.
// Потерянные уведомления подбирает периодический обход нераспределённых начислений.
type Dispatcher struct {
	proc   Processor
	outbox Outbox
	opts   DispatcherOptions
	log    *zap.Logger

	queue chan model.LedgerEvent

	mu       sync.Mutex
	inflight map[int64]struct{}

	// cursor хранит ID последнего просмотренного начисления; обход продолжает с него.
	sweepMu sync.Mutex
	cursor  int64
}

// NewDispatcher создаёт очередь распределения.
func NewDispatcher(proc Processor, outbox Outbox, opts DispatcherOptions) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 100
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Dispatcher{
		proc:     proc,
		outbox:   outbox,
		opts:     opts,
		log:      opts.Logger,
		queue:    make(chan model.LedgerEvent, opts.QueueSize),
		inflight: make(map[int64]struct{}),
	}
}

// Notify ставит начисление в очередь, не блокируясь. При переполнении начисление дождётся обхода.
func (d *Dispatcher) Notify(ctx context.Context, ev model.LedgerEvent) {
	if ev.Kind != model.KindMissionCredit {
		return
	}

	d.mu.Lock()
	if _, busy := d.inflight[ev.ID]; busy {
		d.mu.Unlock()
		return
	}
	d.inflight[ev.ID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.queue <- ev:
		d.opts.Metrics.CommissionQueued(1)
	default:
		d.release(ev.ID)
		d.log.Warn("commission queue full, event left for sweep", zap.Int64("cause_event_id", ev.ID))
	}
}

// Run запускает обработчиков и обход до отмены ctx.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}

	g.Go(func() error {
		d.sweepLoop(ctx)
		return nil
	})

	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.opts.Metrics.CommissionQueued(-1)
			d.deliver(ctx, ev)
			d.release(ev.ID)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev model.LedgerEvent) {
	backoff := retry.WithMaxRetries(d.opts.MaxRetries, retry.WithCappedDuration(5*time.Second, retry.NewExponential(d.opts.RetryBase)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := d.proc.Process(ctx, ev)
		if errors.Is(err, repository.ErrTransient) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil || ctx.Err() != nil {
		return
	}

	d.opts.Metrics.CommissionFailed()
	d.log.Error("commission distribution failed, event left for sweep",
		zap.Int64("cause_event_id", ev.ID),
		zap.Int64("user_id", ev.UserID),
		zap.Error(err),
	)
}

func (d *Dispatcher) release(id int64) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	d.Sweep(ctx)

	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep ставит в очередь очередную страницу нераспределённых начислений.
// Страницы идут по возрастанию ID; после неполной страницы обход начинается сначала,
// поэтому застрявшие начисления не заслоняют более поздние.
func (d *Dispatcher) Sweep(ctx context.Context) int {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()

	pending, err := d.outbox.PendingDistributions(ctx, d.cursor, d.opts.SweepBatch)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Warn("failed to load pending distributions", zap.Int64("after_id", d.cursor), zap.Error(err))
		}
		return 0
	}

	if len(pending) < d.opts.SweepBatch {
		d.cursor = 0
	} else {
		d.cursor = pending[len(pending)-1].ID
	}

	for _, ev := range pending {
		d.Notify(ctx, ev)
	}
	return len(pending)
}
