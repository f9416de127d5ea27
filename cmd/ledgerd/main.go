// Package main запускает HTTP-сервер журнала начислений.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "time/tzdata"

	"github.com/mmeshcher/earnings-ledger/internal/commission"
	"github.com/mmeshcher/earnings-ledger/internal/config"
	"github.com/mmeshcher/earnings-ledger/internal/handler"
	"github.com/mmeshcher/earnings-ledger/internal/ledger"
	"github.com/mmeshcher/earnings-ledger/internal/metrics"
	"github.com/mmeshcher/earnings-ledger/internal/middleware"
	"github.com/mmeshcher/earnings-ledger/internal/mission"
	"github.com/mmeshcher/earnings-ledger/internal/payout"
	"github.com/mmeshcher/earnings-ledger/internal/repository"
	"github.com/mmeshcher/earnings-ledger/internal/service"
	"github.com/mmeshcher/earnings-ledger/internal/tier"
	"github.com/mmeshcher/earnings-ledger/internal/wallet"
)

// store объединяет контракты хранилища всех компонентов.
type store interface {
	service.Repository
	ledger.Store
	mission.Store
	wallet.Store
	commission.Outbox
}

func openStore(cfg *config.Config) (store, error) {
	if cfg.DatabaseURI == "" {
		return repository.NewMemoryRepository(cfg.MinWithdrawal), nil
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI, cfg.MinWithdrawal)
}

func loadTiers(path string) (*tier.Registry, error) {
	if path == "" {
		return tier.MustDefault(), nil
	}
	return tier.Load(path)
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	tiers, err := loadTiers(cfg.TiersFile)
	if err != nil {
		sugar.Fatalw("tiers initialization error", "error", err.Error())
	}

	repo, err := openStore(cfg)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	if cfg.DatabaseURI == "" {
		sugar.Warn("DATABASE_URI is not set, using in-memory storage")
	}

	m := metrics.New()

	l := ledger.New(repo, ledger.Options{
		StoreTimeout: cfg.StoreTimeout,
		Logger:       logger,
		Metrics:      m,
	})

	engine := commission.NewEngine(repo, l, repo, tiers, commission.EngineOptions{StoreTimeout: cfg.StoreTimeout, Logger: logger})
	dispatcher := commission.NewDispatcher(engine, repo, commission.DispatcherOptions{
		Workers:   cfg.CommissionWorkers,
		QueueSize: cfg.CommissionQueue,
		Logger:    logger,
		Metrics:   m,
	})

	missions := mission.NewProcessor(repo, l, tiers, dispatcher, mission.Options{
		Location: cfg.Location(),
		Timeout:  cfg.StoreTimeout,
		Logger:   logger,
	})

	var payouts service.PayoutClient
	if cfg.PayoutSystemAddress != "" {
		payouts = payout.NewClient(cfg.PayoutSystemAddress, logger)
	} else {
		sugar.Warn("PAYOUT_SYSTEM_ADDRESS is not set, reserved withdrawals will not be submitted")
	}

	svc := service.NewService(service.Deps{
		Repo:     repo,
		Ledger:   l,
		Missions: missions,
		Wallet:   wallet.NewService(repo, l, wallet.Options{StoreTimeout: cfg.StoreTimeout, Logger: logger, Metrics: m}),
		Tiers:    tiers,
		Payouts:  payouts,
		Logger:   logger,
		Metrics:  m,
	})
	defer svc.Close()

	scheduler, err := service.NewScheduler(svc, service.SchedulerOptions{
		Location:       cfg.Location(),
		ExpirySchedule: cfg.ExpirySchedule,
		AuditSchedule:  cfg.AuditSchedule,
	})
	if err != nil {
		sugar.Fatalw("scheduler initialization error", "error", err.Error())
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, logger)
	signature := middleware.NewCallbackSignature(cfg.CallbackSecret)
	if !signature.Enabled() {
		sugar.Warn("CALLBACK_SECRET is not set, payout callbacks are not authenticated")
	}

	h := handler.NewHandler(svc, logger, handler.Options{
		Signature: signature,
		Limiter:   limiter,
		Metrics:   m,
	})

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Распределение комиссий
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	// Отправка зарезервированных заявок в платёжную систему
	g.Go(func() error {
		svc.RunPayoutDispatch(ctx, cfg.PayoutInterval)
		return nil
	})

	g.Go(func() error {
		scheduler.Run(ctx)
		return nil
	})

	g.Go(func() error {
		limiter.Run(ctx, time.Minute)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting earnings ledger server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
