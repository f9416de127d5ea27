// Package model содержит доменные сущности журнала начислений.
package model

import (
	"fmt"
	"time"
)

// CurrencyKES задаёт единственную валюту журнала. Все суммы хранятся в минорных единицах (центах).
const CurrencyKES = "KES"

// UserStatus описывает состояние учётной записи пользователя.
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
)

// Valid сообщает, известен ли статус.
func (s UserStatus) Valid() bool {
	return s == UserStatusActive || s == UserStatusSuspended
}

// User представляет участника реферальной программы.
type User struct {
	ID         int64
	Tier       string
	ReferrerID *int64
	Status     UserStatus
	// FlaggedReason заполнен, если аудит обнаружил нарушение инварианта и счёт заблокирован до ручной сверки.
	FlaggedReason string
	// MembershipExpiresAt задаёт окончание оплаченного членства; nil означает бессрочное.
	MembershipExpiresAt *time.Time
	CreatedAt           time.Time
}

// Suspended сообщает, приостановлена ли учётная запись.
func (u User) Suspended() bool {
	return u.Status == UserStatusSuspended
}

// MembershipActive сообщает, действует ли членство в момент now.
func (u User) MembershipActive(now time.Time) bool {
	return u.MembershipExpiresAt == nil || now.Before(*u.MembershipExpiresAt)
}

// Tier описывает уровень членства. Ставки комиссии заданы в базисных пунктах, первый элемент соответствует уровню 1.
type Tier struct {
	Name          string `yaml:"name" json:"name"`
	AnnualPrice   int64  `yaml:"annual_price" json:"annual_price"`
	DailyMissions int    `yaml:"daily_missions" json:"daily_missions"`
	MaxDepth      int    `yaml:"max_depth" json:"max_depth"`
	Rates         []int  `yaml:"rates" json:"rates"`
}

// Rate возвращает ставку уровня level в базисных пунктах или 0, если ставка не задана.
func (t Tier) Rate(level int) int {
	if level < 1 || level > len(t.Rates) {
		return 0
	}
	return t.Rates[level-1]
}

// MissionType определяет способ проверки выполнения задания.
type MissionType string

const (
	MissionTypeAd     MissionType = "ad"
	MissionTypeSocial MissionType = "social"
	MissionTypeSurvey MissionType = "survey"
	MissionTypeOther  MissionType = "other"
)

// MissionTemplate описывает шаблон ежедневного задания с фиксированным вознаграждением.
type MissionTemplate struct {
	ID              int64
	Title           string
	Type            MissionType
	Reward          int64
	DurationSeconds int
	Active          bool
}

// MissionStatus описывает статус экземпляра задания.
type MissionStatus string

const (
	MissionStatusAssigned  MissionStatus = "assigned"
	MissionStatusCompleted MissionStatus = "completed"
	MissionStatusExpired   MissionStatus = "expired"
)

// MissionInstance описывает назначение шаблона пользователю на конкретный день.
type MissionInstance struct {
	ID           string
	UserID       int64
	TemplateID   int64
	AssignedDate time.Time
	// Quota хранит дневную квоту уровня пользователя на момент назначения.
	Quota         int
	Status        MissionStatus
	CompletedAt   *time.Time
	CreditEventID *int64
	CreatedAt     time.Time
}

// Day возвращает календарную дату момента t в зоне loc, представленную полночью UTC.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// EventKind задаёт вид события журнала.
type EventKind string

const (
	KindMissionCredit      EventKind = "mission_credit"
	KindReferralCommission EventKind = "referral_commission"
	KindWithdrawalDebit    EventKind = "withdrawal_debit"
	KindWithdrawalReversal EventKind = "withdrawal_reversal"
	KindAdjustment         EventKind = "adjustment"
)

// Valid сообщает, известен ли вид события.
func (k EventKind) Valid() bool {
	switch k {
	case KindMissionCredit, KindReferralCommission, KindWithdrawalDebit, KindWithdrawalReversal, KindAdjustment:
		return true
	}
	return false
}

// LedgerEvent описывает неизменяемую запись журнала, влияющая на баланс.
type LedgerEvent struct {
	// ID задаёт глобальный монотонный номер и служит курсором ленты для аналитики.
	ID int64 `json:"id"`
	// Seq задаёт порядковый номер события внутри журнала пользователя, начиная с 1.
	Seq            int64     `json:"seq"`
	UserID         int64     `json:"user_id"`
	Kind           EventKind `json:"kind"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	CauseRef       string    `json:"cause_ref,omitempty"`
	CauseEventID   *int64    `json:"cause_event_id,omitempty"`
	Level          int       `json:"level,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// EventDraft описывает событие до записи в журнал.
type EventDraft struct {
	UserID         int64
	Kind           EventKind
	Amount         int64
	CauseRef       string
	CauseEventID   *int64
	Level          int
	IdempotencyKey string
}

// MissionCreditKey возвращает ключ идемпотентности начисления за экземпляр задания.
func MissionCreditKey(instanceID string) string {
	return fmt.Sprintf("%s:%s", KindMissionCredit, instanceID)
}

// CommissionKey возвращает ключ идемпотентности комиссии уровня level.
func CommissionKey(causeEventID, beneficiaryID int64, level int) string {
	return fmt.Sprintf("%s:%d:%d:%d", KindReferralCommission, causeEventID, beneficiaryID, level)
}

// DebitKey возвращает ключ идемпотентности списания по заявке на вывод.
func DebitKey(requestID string) string {
	return fmt.Sprintf("%s:%s", KindWithdrawalDebit, requestID)
}

// ReversalKey возвращает ключ идемпотентности возврата по заявке на вывод.
func ReversalKey(requestID string) string {
	return fmt.Sprintf("%s:%s", KindWithdrawalReversal, requestID)
}

// AdjustmentKey возвращает ключ идемпотентности ручной корректировки.
func AdjustmentKey(ref string) string {
	return fmt.Sprintf("%s:%s", KindAdjustment, ref)
}

// WalletSnapshot хранит производный кэш баланса. Никогда не является источником истины.
type WalletSnapshot struct {
	UserID  int64 `json:"user_id"`
	Balance int64 `json:"balance"`
	// Version равна количеству учтённых событий.
	Version int64 `json:"version"`
	LastSeq int64 `json:"last_seq"`
}

// Rail задаёт способ выплаты.
type Rail string

const (
	RailMpesa  Rail = "mpesa"
	RailBank   Rail = "bank"
	RailPaypal Rail = "paypal"
)

// Valid сообщает, поддерживается ли способ выплаты.
func (r Rail) Valid() bool {
	return r == RailMpesa || r == RailBank || r == RailPaypal
}

// WithdrawalStatus описывает состояние заявки на вывод.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalReserved  WithdrawalStatus = "reserved"
	WithdrawalSettled   WithdrawalStatus = "settled"
	WithdrawalFailed    WithdrawalStatus = "failed"
	WithdrawalReversed  WithdrawalStatus = "reversed"
	WithdrawalCancelled WithdrawalStatus = "cancelled"
)

// Terminal сообщает, является ли статус конечным.
func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalSettled || s == WithdrawalReversed || s == WithdrawalCancelled
}

// WithdrawalRequest описывает заявку пользователя на вывод средств.
type WithdrawalRequest struct {
	ID              string
	UserID          int64
	Amount          int64
	Rail            Rail
	Destination     string
	Status          WithdrawalStatus
	DebitEventID    *int64
	ReversalEventID *int64
	SubmittedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Settings хранит единственную версионируемую запись административной конфигурации.
type Settings struct {
	MinWithdrawal int64     `json:"min_withdrawal"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
}
