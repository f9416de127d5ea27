package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SchedulerOptions задаёт расписания в формате cron.
type SchedulerOptions struct {
	Location       *time.Location
	ExpirySchedule string
	AuditSchedule  string
	JobTimeout     time.Duration
}

// Scheduler запускает ежедневное истечение заданий и сверку счетов.
type Scheduler struct {
	cron    *cron.Cron
	svc     *Service
	log     *zap.Logger
	timeout time.Duration
	ctx     context.Context
}

// NewScheduler регистрирует задачи по расписанию. Пустое расписание отключает задачу.
func NewScheduler(svc *Service, opts SchedulerOptions) (*Scheduler, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}

	logger := svc.log.Named("cron")
	cl := cronLogger{s: logger.Sugar()}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		svc:     svc,
		log:     logger,
		timeout: opts.JobTimeout,
		ctx:     context.Background(),
	}

	if opts.ExpirySchedule != "" {
		if _, err := s.cron.AddFunc(opts.ExpirySchedule, s.expire); err != nil {
			return nil, fmt.Errorf("expiry schedule %q: %w", opts.ExpirySchedule, err)
		}
	}
	if opts.AuditSchedule != "" {
		if _, err := s.cron.AddFunc(opts.AuditSchedule, s.audit); err != nil {
			return nil, fmt.Errorf("audit schedule %q: %w", opts.AuditSchedule, err)
		}
	}

	return s, nil
}

// Run запускает планировщик и ждёт завершения текущих задач после отмены ctx.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()

	<-ctx.Done()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) expire() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	if _, err := s.svc.ExpireMissions(ctx); err != nil {
		s.log.Error("mission expiry failed", zap.Error(err))
	}
}

func (s *Scheduler) audit() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	if _, err := s.svc.ReconcileAll(ctx); err != nil {
		s.log.Error("audit failed", zap.Error(err))
	}
}

// cronLogger пишет журнал cron в zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.s.Debugw(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.s.Errorw(msg, append(kv, "error", err)...)
}
