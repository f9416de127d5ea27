// Package repository содержит реализации хранилища журнала: PostgreSQL и in-memory.
package repository

import (
	"errors"
	"time"

	"github.com/mmeshcher/earnings-ledger/internal/model"
)

var (
	// ErrNotFound возвращается, если запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrConflict возвращается при нарушении уникальности, в том числе ключа идемпотентности.
	ErrConflict = errors.New("conflict")
	// ErrTransient означает временную недоступность хранилища, операцию можно повторить.
	ErrTransient = errors.New("store temporarily unavailable")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrVersionConflict возвращается при конкурентном изменении настроек.
	ErrVersionConflict = errors.New("settings version conflict")
	// ErrStatusChanged возвращается, если статус записи изменился с момента чтения.
	ErrStatusChanged = errors.New("status changed concurrently")
	// ErrReferrerAssigned возвращается при повторном назначении пригласившего.
	ErrReferrerAssigned = errors.New("referrer already assigned")
	// ErrReferralCycle возвращается, если назначение пригласившего образует цикл.
	ErrReferralCycle = errors.New("referral link would create a cycle")
)

// WithdrawalUpdate описывает переход заявки на вывод в новый статус.
type WithdrawalUpdate struct {
	Status          model.WithdrawalStatus
	DebitEventID    *int64
	ReversalEventID *int64
	UpdatedAt       time.Time
}

const feedPageLimit = 1000

func clampLimit(limit int) int {
	if limit <= 0 || limit > feedPageLimit {
		return feedPageLimit
	}
	return limit
}
