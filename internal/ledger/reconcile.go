package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/earnings-ledger/internal/model"
)

// AuditReport содержит итог сверки всех счетов.
type AuditReport struct {
	Checked int     `json:"checked"`
	Flagged []int64 `json:"flagged"`
}

// Reconcile сворачивает журнал пользователя с нуля и сравнивает результат со снимком.
// Расхождение или отрицательный промежуточный баланс блокируют счёт.
func (l *Ledger) Reconcile(ctx context.Context, userID int64) (model.WalletSnapshot, error) {
	var res model.WalletSnapshot

	err := l.locked(ctx, userID, func() error {
		fresh, err := l.fold(ctx, model.WalletSnapshot{UserID: userID})
		if err != nil {
			if errors.Is(err, ErrInvariantViolation) {
				l.halt(ctx, userID, err.Error())
			}
			return err
		}

		l.mu.Lock()
		cached, ok := l.snapshots[userID]
		l.mu.Unlock()

		if ok {
			// Снимок мог отстать от других писателей; сравнивается только общая часть журнала.
			if cached.LastSeq > fresh.LastSeq {
				reason := fmt.Sprintf("snapshot at seq %d ahead of journal at seq %d", cached.LastSeq, fresh.LastSeq)
				l.halt(ctx, userID, reason)
				return fmt.Errorf("user %d: %w: %s", userID, ErrInvariantViolation, reason)
			}
			prefix, err := l.foldUpTo(ctx, userID, cached.LastSeq)
			if err != nil {
				return err
			}
			if prefix.Balance != cached.Balance || prefix.Version != cached.Version {
				reason := fmt.Sprintf("snapshot balance %d/version %d, journal %d/%d",
					cached.Balance, cached.Version, prefix.Balance, prefix.Version)
				l.halt(ctx, userID, reason)
				return fmt.Errorf("user %d: %w: %s", userID, ErrInvariantViolation, reason)
			}
		}

		l.mu.Lock()
		l.snapshots[userID] = fresh
		l.mu.Unlock()

		res = fresh
		return nil
	})

	return res, err
}

// foldUpTo сворачивает журнал пользователя до номера seq включительно.
func (l *Ledger) foldUpTo(ctx context.Context, userID, seq int64) (model.WalletSnapshot, error) {
	snap := model.WalletSnapshot{UserID: userID}
	for ev, err := range l.EventsSince(ctx, userID, 0) {
		if err != nil {
			return model.WalletSnapshot{}, err
		}
		if ev.Seq > seq {
			break
		}
		snap.Balance += ev.Amount
		snap.Version++
		snap.LastSeq = ev.Seq
	}
	return snap, nil
}

// ReconcileAll сверяет все счета. Ошибки, не связанные с нарушением инвариантов, объединяются и возвращаются в конце.
func (l *Ledger) ReconcileAll(ctx context.Context) (AuditReport, error) {
	var (
		report AuditReport
		errs   []error
		after  int64
	)

	for {
		sctx, cancel := l.storeCtx(ctx)
		ids, err := l.store.UserIDs(sctx, after, pageSize)
		cancel()
		if err != nil {
			return report, storeErr(err)
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return report, err
			}

			after = id
			report.Checked++

			_, err := l.Reconcile(ctx, id)
			switch {
			case err == nil:
			case errors.Is(err, ErrInvariantViolation):
				report.Flagged = append(report.Flagged, id)
			default:
				errs = append(errs, fmt.Errorf("reconcile user %d: %w", id, err))
			}
		}

		if len(ids) < pageSize {
			break
		}
	}

	l.log.Info("ledger audit finished",
		zap.Int("checked", report.Checked),
		zap.Int("flagged", len(report.Flagged)),
		zap.Int("errors", len(errs)),
	)

	return report, errors.Join(errs...)
}

// ClearFlag снимает блокировку счёта после ручной сверки. Журнал должен сворачиваться без нарушений.
func (l *Ledger) ClearFlag(ctx context.Context, userID int64) error {
	return l.locked(ctx, userID, func() error {
		fresh, err := l.fold(ctx, model.WalletSnapshot{UserID: userID})
		if err != nil {
			return err
		}

		sctx, cancel := l.storeCtx(ctx)
		err = l.store.ClearFlag(sctx, userID)
		cancel()
		if err != nil {
			return storeErr(err)
		}

		l.mu.Lock()
		delete(l.halted, userID)
		l.snapshots[userID] = fresh
		l.mu.Unlock()

		l.log.Info("ledger account flag cleared", zap.Int64("user_id", userID))
		return nil
	})
}

// locked выполняет fn под блокировкой пользователя, не проверяя пометку сверки.
func (l *Ledger) locked(ctx context.Context, userID int64, fn func() error) error {
	release, _, err := l.lockUser(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	return fn()
}
