package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/earnings-ledger/internal/model"
)

type instanceKey struct {
	userID     int64
	templateID int64
	date       string
}

type eventKey struct {
	userID int64
	key    string
}

// MemoryRepository хранит данные в памяти процесса. Используется в тестах и для локального запуска.
type MemoryRepository struct {
	mu sync.RWMutex

	nextUserID     int64
	nextTemplateID int64
	nextEventID    int64

	users     map[int64]*model.User
	templates map[int64]model.MissionTemplate

	instances    map[string]model.MissionInstance
	instanceKeys map[instanceKey]string

	events      []model.LedgerEvent
	userEvents  map[int64][]int
	eventKeys   map[eventKey]int
	balances    map[int64]int64
	distributed map[int64]bool

	withdrawals map[string]model.WithdrawalRequest
	settings    model.Settings
}

// NewMemoryRepository создаёт пустое хранилище с минимальной суммой вывода minWithdrawal.
func NewMemoryRepository(minWithdrawal int64) *MemoryRepository {
	return &MemoryRepository{
		users:        make(map[int64]*model.User),
		templates:    make(map[int64]model.MissionTemplate),
		instances:    make(map[string]model.MissionInstance),
		instanceKeys: make(map[instanceKey]string),
		userEvents:   make(map[int64][]int),
		eventKeys:    make(map[eventKey]int),
		balances:     make(map[int64]int64),
		distributed:  make(map[int64]bool),
		withdrawals:  make(map[string]model.WithdrawalRequest),
		settings:     model.Settings{MinWithdrawal: minWithdrawal, Version: 1, UpdatedAt: time.Now().UTC()},
	}
}

// Close ничего не делает и нужна для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error { return nil }

// CreateUser создаёт пользователя. Пригласивший, если задан, должен существовать.
func (r *MemoryRepository) CreateUser(ctx context.Context, tierName string, referrerID *int64, now time.Time) (model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if referrerID != nil {
		if _, ok := r.users[*referrerID]; !ok {
			return model.User{}, fmt.Errorf("referrer %d: %w", *referrerID, ErrNotFound)
		}
	}

	r.nextUserID++
	u := model.User{
		ID:         r.nextUserID,
		Tier:       tierName,
		ReferrerID: copyID(referrerID),
		Status:     model.UserStatusActive,
		CreatedAt:  now,
	}
	stored := cloneUser(u)
	r.users[u.ID] = &stored

	return cloneUser(u), nil
}

// User возвращает пользователя по идентификатору.
func (r *MemoryRepository) User(ctx context.Context, id int64) (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return model.User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return cloneUser(*u), nil
}

// UserIDs возвращает идентификаторы пользователей после afterID по возрастанию.
func (r *MemoryRepository) UserIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.users))
	for id := range r.users {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if limit = clampLimit(limit); len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// AssignReferrer однократно назначает пригласившего, отклоняя ссылки, образующие цикл.
func (r *MemoryRepository) AssignReferrer(ctx context.Context, userID, referrerID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if _, ok := r.users[referrerID]; !ok {
		return fmt.Errorf("referrer %d: %w", referrerID, ErrNotFound)
	}
	if u.ReferrerID != nil {
		return ErrReferrerAssigned
	}

	// Цепочка ациклична по построению, поэтому обход вверх конечен.
	for cur := &referrerID; cur != nil; cur = r.users[*cur].ReferrerID {
		if *cur == userID {
			return ErrReferralCycle
		}
	}

	u.ReferrerID = copyID(&referrerID)
	return nil
}

// SetTier меняет уровень членства пользователя и срок его действия.
func (r *MemoryRepository) SetTier(ctx context.Context, userID int64, tierName string, expiresAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	u.Tier = tierName
	u.MembershipExpiresAt = copyTime(expiresAt)
	return nil
}

// SetStatus меняет статус учётной записи.
func (r *MemoryRepository) SetStatus(ctx context.Context, userID int64, status model.UserStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	u.Status = status
	return nil
}

// FlagUser помечает счёт пользователя для ручной сверки.
func (r *MemoryRepository) FlagUser(ctx context.Context, userID int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	u.FlaggedReason = reason
	return nil
}

// ClearFlag снимает пометку ручной сверки.
func (r *MemoryRepository) ClearFlag(ctx context.Context, userID int64) error {
	return r.FlagUser(ctx, userID, "")
}

// CreateTemplate сохраняет шаблон задания.
func (r *MemoryRepository) CreateTemplate(ctx context.Context, tpl model.MissionTemplate) (model.MissionTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextTemplateID++
	tpl.ID = r.nextTemplateID
	r.templates[tpl.ID] = tpl
	return tpl, nil
}

// Template возвращает шаблон задания.
func (r *MemoryRepository) Template(ctx context.Context, id int64) (model.MissionTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tpl, ok := r.templates[id]
	if !ok {
		return model.MissionTemplate{}, fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	return tpl, nil
}

// CreateInstance сохраняет экземпляр задания. Второй экземпляр того же шаблона на ту же дату возвращает ErrConflict.
func (r *MemoryRepository) CreateInstance(ctx context.Context, inst model.MissionInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := instanceKey{userID: inst.UserID, templateID: inst.TemplateID, date: inst.AssignedDate.Format(time.DateOnly)}
	if _, dup := r.instanceKeys[key]; dup {
		return fmt.Errorf("mission instance: %w", ErrConflict)
	}
	if _, dup := r.instances[inst.ID]; dup {
		return fmt.Errorf("mission instance %s: %w", inst.ID, ErrConflict)
	}

	r.instances[inst.ID] = inst
	r.instanceKeys[key] = inst.ID
	return nil
}

// Instance возвращает экземпляр задания.
func (r *MemoryRepository) Instance(ctx context.Context, id string) (model.MissionInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	if !ok {
		return model.MissionInstance{}, fmt.Errorf("mission instance %s: %w", id, ErrNotFound)
	}
	return cloneInstance(inst), nil
}

// CountInstances возвращает количество экземпляров пользователя на дату.
func (r *MemoryRepository) CountInstances(ctx context.Context, userID int64, date time.Time) (int, error) {
	return r.countInstances(userID, date, ""), nil
}

// CountCompleted возвращает количество выполненных экземпляров пользователя на дату.
func (r *MemoryRepository) CountCompleted(ctx context.Context, userID int64, date time.Time) (int, error) {
	return r.countInstances(userID, date, model.MissionStatusCompleted), nil
}

func (r *MemoryRepository) countInstances(userID int64, date time.Time, status model.MissionStatus) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, inst := range r.instances {
		if inst.UserID != userID || !inst.AssignedDate.Equal(date) {
			continue
		}
		if status != "" && inst.Status != status {
			continue
		}
		n++
	}
	return n
}

// HasCompletedTemplate сообщает, выполнен ли другой экземпляр того же шаблона на ту же дату.
func (r *MemoryRepository) HasCompletedTemplate(ctx context.Context, userID, templateID int64, date time.Time, excludeID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, inst := range r.instances {
		if id == excludeID || inst.UserID != userID || inst.TemplateID != templateID {
			continue
		}
		if inst.AssignedDate.Equal(date) && inst.Status == model.MissionStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

// CompleteInstance переводит назначенный экземпляр в статус completed.
func (r *MemoryRepository) CompleteInstance(ctx context.Context, id string, completedAt time.Time, eventID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("mission instance %s: %w", id, ErrNotFound)
	}
	if inst.Status != model.MissionStatusAssigned {
		return fmt.Errorf("mission instance %s is %s: %w", id, inst.Status, ErrStatusChanged)
	}

	inst.Status = model.MissionStatusCompleted
	inst.CompletedAt = &completedAt
	inst.CreditEventID = &eventID
	r.instances[id] = inst
	return nil
}

// ExpireInstances переводит назначенные экземпляры с датой раньше before в статус expired.
func (r *MemoryRepository) ExpireInstances(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, inst := range r.instances {
		if inst.Status == model.MissionStatusAssigned && inst.AssignedDate.Before(before) {
			inst.Status = model.MissionStatusExpired
			r.instances[id] = inst
			n++
		}
	}
	return n, nil
}

// AppendEvent атомарно добавляет событие в журнал пользователя и назначает ему следующий номер.
func (r *MemoryRepository) AppendEvent(ctx context.Context, draft model.EventDraft, now time.Time) (model.LedgerEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[draft.UserID]; !ok {
		return model.LedgerEvent{}, fmt.Errorf("user %d: %w", draft.UserID, ErrNotFound)
	}

	k := eventKey{userID: draft.UserID, key: draft.IdempotencyKey}
	if _, dup := r.eventKeys[k]; dup {
		return model.LedgerEvent{}, fmt.Errorf("event %s: %w", draft.IdempotencyKey, ErrConflict)
	}

	balance := r.balances[draft.UserID]
	if draft.Amount < 0 && balance+draft.Amount < 0 {
		return model.LedgerEvent{}, ErrInsufficientBalance
	}

	r.nextEventID++
	ev := model.LedgerEvent{
		ID:             r.nextEventID,
		Seq:            int64(len(r.userEvents[draft.UserID]) + 1),
		UserID:         draft.UserID,
		Kind:           draft.Kind,
		Amount:         draft.Amount,
		Currency:       model.CurrencyKES,
		CauseRef:       draft.CauseRef,
		CauseEventID:   copyID(draft.CauseEventID),
		Level:          draft.Level,
		IdempotencyKey: draft.IdempotencyKey,
		CreatedAt:      now,
	}

	r.events = append(r.events, ev)
	idx := len(r.events) - 1
	r.userEvents[draft.UserID] = append(r.userEvents[draft.UserID], idx)
	r.eventKeys[k] = idx
	r.balances[draft.UserID] = balance + draft.Amount

	return ev, nil
}

// EventByKey возвращает событие пользователя по ключу идемпотентности.
func (r *MemoryRepository) EventByKey(ctx context.Context, userID int64, key string) (model.LedgerEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.eventKeys[eventKey{userID: userID, key: key}]
	if !ok {
		return model.LedgerEvent{}, fmt.Errorf("event %s: %w", key, ErrNotFound)
	}
	return r.events[idx], nil
}

// ListEvents возвращает события пользователя с номером больше afterSeq.
func (r *MemoryRepository) ListEvents(ctx context.Context, userID, afterSeq int64, limit int) ([]model.LedgerEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit = clampLimit(limit)
	idxs := r.userEvents[userID]

	var res []model.LedgerEvent
	// Seq равен позиции события в журнале пользователя плюс один.
	for i := int(afterSeq); i >= 0 && i < len(idxs) && len(res) < limit; i++ {
		res = append(res, r.events[idxs[i]])
	}
	return res, nil
}

// ListFeed возвращает события всех пользователей с глобальным номером больше afterID.
func (r *MemoryRepository) ListFeed(ctx context.Context, afterID int64, limit int) ([]model.LedgerEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit = clampLimit(limit)

	var res []model.LedgerEvent
	for i := int(afterID); i >= 0 && i < len(r.events) && len(res) < limit; i++ {
		res = append(res, r.events[i])
	}
	return res, nil
}

// MarkDistributed отмечает, что комиссии по событию распределены.
func (r *MemoryRepository) MarkDistributed(ctx context.Context, eventID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.distributed[eventID] = true
	return nil
}

// PendingDistributions возвращает начисления за задания с ID больше afterID, комиссии по которым ещё не распределены.
func (r *MemoryRepository) PendingDistributions(ctx context.Context, afterID int64, limit int) ([]model.LedgerEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit = clampLimit(limit)

	var res []model.LedgerEvent
	for _, ev := range r.events {
		if len(res) >= limit {
			break
		}
		if ev.ID > afterID && ev.Kind == model.KindMissionCredit && !r.distributed[ev.ID] {
			res = append(res, ev)
		}
	}
	return res, nil
}

// Settings возвращает текущую административную конфигурацию.
func (r *MemoryRepository) Settings(ctx context.Context) (model.Settings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.settings, nil
}

// UpdateSettings меняет минимальную сумму вывода, если версия совпадает с ожидаемой.
func (r *MemoryRepository) UpdateSettings(ctx context.Context, minWithdrawal, expectedVersion int64, now time.Time) (model.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.settings.Version != expectedVersion {
		return model.Settings{}, ErrVersionConflict
	}

	r.settings = model.Settings{
		MinWithdrawal: minWithdrawal,
		Version:       r.settings.Version + 1,
		UpdatedAt:     now,
	}
	return r.settings, nil
}

// CreateWithdrawal сохраняет новую заявку на вывод.
func (r *MemoryRepository) CreateWithdrawal(ctx context.Context, req model.WithdrawalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.withdrawals[req.ID]; dup {
		return fmt.Errorf("withdrawal %s: %w", req.ID, ErrConflict)
	}
	r.withdrawals[req.ID] = cloneWithdrawal(req)
	return nil
}

// Withdrawal возвращает заявку на вывод.
func (r *MemoryRepository) Withdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req, ok := r.withdrawals[id]
	if !ok {
		return model.WithdrawalRequest{}, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	return cloneWithdrawal(req), nil
}

// WithdrawalsByUser возвращает заявки пользователя, новые первыми.
func (r *MemoryRepository) WithdrawalsByUser(ctx context.Context, userID int64) ([]model.WithdrawalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.WithdrawalRequest
	for _, req := range r.withdrawals {
		if req.UserID == userID {
			res = append(res, cloneWithdrawal(req))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// UpdateWithdrawal переводит заявку из статуса from согласно upd.
func (r *MemoryRepository) UpdateWithdrawal(ctx context.Context, id string, from model.WithdrawalStatus, upd WithdrawalUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.withdrawals[id]
	if !ok {
		return fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	if req.Status != from {
		return fmt.Errorf("withdrawal %s is %s: %w", id, req.Status, ErrStatusChanged)
	}

	req.Status = upd.Status
	if upd.DebitEventID != nil {
		req.DebitEventID = copyID(upd.DebitEventID)
	}
	if upd.ReversalEventID != nil {
		req.ReversalEventID = copyID(upd.ReversalEventID)
	}
	req.UpdatedAt = upd.UpdatedAt
	r.withdrawals[id] = req
	return nil
}

// UnsubmittedWithdrawals возвращает зарезервированные заявки, ещё не переданные платёжной системе.
func (r *MemoryRepository) UnsubmittedWithdrawals(ctx context.Context, limit int) ([]model.WithdrawalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit = clampLimit(limit)

	var res []model.WithdrawalRequest
	for _, req := range r.withdrawals {
		if req.Status == model.WithdrawalReserved && req.SubmittedAt == nil {
			res = append(res, cloneWithdrawal(req))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// MarkSubmitted отмечает передачу заявки платёжной системе.
func (r *MemoryRepository) MarkSubmitted(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.withdrawals[id]
	if !ok {
		return fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	req.SubmittedAt = &at
	r.withdrawals[id] = req
	return nil
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneUser(u model.User) model.User {
	u.ReferrerID = copyID(u.ReferrerID)
	u.MembershipExpiresAt = copyTime(u.MembershipExpiresAt)
	return u
}

func cloneInstance(inst model.MissionInstance) model.MissionInstance {
	inst.CreditEventID = copyID(inst.CreditEventID)
	inst.CompletedAt = copyTime(inst.CompletedAt)
	return inst
}

func cloneWithdrawal(req model.WithdrawalRequest) model.WithdrawalRequest {
	req.DebitEventID = copyID(req.DebitEventID)
	req.ReversalEventID = copyID(req.ReversalEventID)
	req.SubmittedAt = copyTime(req.SubmittedAt)
	return req
}
