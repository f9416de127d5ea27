package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/earnings-ledger/internal/model"
	"github.com/mmeshcher/earnings-ledger/internal/payout"
)

const payoutBatch = 100

// RunPayoutDispatch периодически передаёт платёжной системе зарезервированные заявки до отмены ctx.
func (s *Service) RunPayoutDispatch(ctx context.Context, interval time.Duration) {
	if s.payouts == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.processPayoutBatch(ctx)
		}
	}
}

func (s *Service) processPayoutBatch(ctx context.Context) {
	requests, err := s.repo.UnsubmittedWithdrawals(ctx, payoutBatch)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("failed to load unsubmitted withdrawals", zap.Error(err))
		}
		return
	}

	for _, req := range requests {
		statusCode, retryAfter, err := s.payouts.Submit(ctx, instruction(req))

		switch {
		case errors.Is(err, payout.ErrRejected):
			s.metrics.PayoutSubmission("rejected")
			s.log.Error("payout rejected, reversing withdrawal", zap.String("request_id", req.ID), zap.Error(err))
			if _, err := s.wallet.ReportFailure(ctx, req.ID); err != nil {
				s.log.Error("failed to reverse rejected withdrawal", zap.String("request_id", req.ID), zap.Error(err))
			}
			continue
		case err != nil:
			s.metrics.PayoutSubmission("error")
			s.log.Warn("payout submission failed", zap.String("request_id", req.ID), zap.Error(err))
			continue
		case statusCode == http.StatusTooManyRequests:
			s.metrics.PayoutSubmission("throttled")
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
				case <-timer.C:
				}
			}
			return
		}

		s.metrics.PayoutSubmission("accepted")
		if err := s.repo.MarkSubmitted(ctx, req.ID, s.now()); err != nil {
			s.log.Warn("failed to mark withdrawal submitted", zap.String("request_id", req.ID), zap.Error(err))
		}
	}
}

func instruction(req model.WithdrawalRequest) payout.Instruction {
	return payout.Instruction{
		RequestID:   req.ID,
		Rail:        req.Rail,
		Amount:      req.Amount,
		Currency:    model.CurrencyKES,
		Destination: req.Destination,
	}
}
