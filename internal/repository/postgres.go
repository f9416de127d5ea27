package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/earnings-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// referralLockKey задаёт ключ advisory-блокировки, сериализующей проверку циклов при назначении пригласившего.
const referralLockKey = 0x7265_6665_7272_616c

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий, применяет миграции и заводит запись настроек.
func NewPostgresRepository(dsn string, minWithdrawal int64) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	_, err = pool.Exec(ctx,
		`INSERT INTO settings (id, min_withdrawal, version) VALUES (1, $1, 1) ON CONFLICT (id) DO NOTHING`,
		minWithdrawal,
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("seed settings: %w", err)
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию при конфликте сериализации или дедлоке.
// Ошибки соединения не повторяются здесь: вызывающий получает ErrTransient и решает сам.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(20*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}
		return err
	})

	return classify(err)
}

// classify помечает временные ошибки хранилища как ErrTransient.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || isConnectionError(err) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "failed to connect") ||
		strings.Contains(msg, "closed pool")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, tier, referrer_id, status, flagged_reason, membership_expires_at, created_at`

func scanUser(row scanner) (model.User, error) {
	var (
		u      model.User
		status string
	)
	err := row.Scan(&u.ID, &u.Tier, &u.ReferrerID, &status, &u.FlaggedReason, &u.MembershipExpiresAt, &u.CreatedAt)
	u.Status = model.UserStatus(status)
	return u, err
}

// CreateUser создаёт пользователя. Пригласивший, если задан, должен существовать.
func (r *PostgresRepository) CreateUser(ctx context.Context, tierName string, referrerID *int64, now time.Time) (model.User, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO users (tier, referrer_id, status, created_at) VALUES ($1, $2, $3, $4) RETURNING `+userColumns,
		tierName, referrerID, string(model.UserStatusActive), now,
	)

	u, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return model.User{}, fmt.Errorf("referrer %d: %w", *referrerID, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("create user: %w", classify(err))
	}
	return u, nil
}

// User возвращает пользователя по идентификатору.
func (r *PostgresRepository) User(ctx context.Context, id int64) (model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("get user: %w", classify(err))
	}
	return u, nil
}

// UserIDs возвращает идентификаторы пользователей после afterID по возрастанию.
func (r *PostgresRepository) UserIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM users WHERE id > $1 ORDER BY id LIMIT $2`,
		afterID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("select user ids: %w", classify(err))
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", classify(err))
	}
	return ids, nil
}

// AssignReferrer однократно назначает пригласившего, отклоняя ссылки, образующие цикл.
func (r *PostgresRepository) AssignReferrer(ctx context.Context, userID, referrerID int64) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Два встречных назначения не должны одновременно пройти проверку цикла.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(referralLockKey)); err != nil {
			return fmt.Errorf("lock referral links: %w", err)
		}

		var current *int64
		err = tx.QueryRow(ctx, `SELECT referrer_id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("user %d: %w", userID, ErrNotFound)
			}
			return fmt.Errorf("select user: %w", err)
		}
		if current != nil {
			return ErrReferrerAssigned
		}

		var cycle bool
		err = tx.QueryRow(ctx,
			`WITH RECURSIVE upline (id, referrer_id) AS (
				SELECT id, referrer_id FROM users WHERE id = $1
				UNION ALL
				SELECT u.id, u.referrer_id FROM users u JOIN upline up ON u.id = up.referrer_id
			)
			SELECT EXISTS (SELECT 1 FROM upline WHERE id = $2)`,
			referrerID, userID,
		).Scan(&cycle)
		if err != nil {
			return fmt.Errorf("walk upline: %w", err)
		}

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, referrerID).Scan(&exists); err != nil {
			return fmt.Errorf("select referrer: %w", err)
		}
		if !exists {
			return fmt.Errorf("referrer %d: %w", referrerID, ErrNotFound)
		}
		if cycle {
			return ErrReferralCycle
		}

		if _, err := tx.Exec(ctx, `UPDATE users SET referrer_id = $2 WHERE id = $1`, userID, referrerID); err != nil {
			return fmt.Errorf("update referrer: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) updateUser(ctx context.Context, userID int64, query string, arg any) error {
	tag, err := r.pool.Exec(ctx, query, userID, arg)
	if err != nil {
		return fmt.Errorf("update user: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return nil
}

// SetTier меняет уровень членства пользователя и срок его действия.
func (r *PostgresRepository) SetTier(ctx context.Context, userID int64, tierName string, expiresAt *time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET tier = $2, membership_expires_at = $3 WHERE id = $1`,
		userID, tierName, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return nil
}

// SetStatus меняет статус учётной записи.
func (r *PostgresRepository) SetStatus(ctx context.Context, userID int64, status model.UserStatus) error {
	return r.updateUser(ctx, userID, `UPDATE users SET status = $2 WHERE id = $1`, string(status))
}

// FlagUser помечает счёт пользователя для ручной сверки.
func (r *PostgresRepository) FlagUser(ctx context.Context, userID int64, reason string) error {
	return r.updateUser(ctx, userID, `UPDATE users SET flagged_reason = $2 WHERE id = $1`, reason)
}

// ClearFlag снимает пометку ручной сверки.
func (r *PostgresRepository) ClearFlag(ctx context.Context, userID int64) error {
	return r.FlagUser(ctx, userID, "")
}

// CreateTemplate сохраняет шаблон задания.
func (r *PostgresRepository) CreateTemplate(ctx context.Context, tpl model.MissionTemplate) (model.MissionTemplate, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO mission_templates (title, type, reward, duration_seconds, active)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		tpl.Title, string(tpl.Type), tpl.Reward, tpl.DurationSeconds, tpl.Active,
	).Scan(&tpl.ID)
	if err != nil {
		return model.MissionTemplate{}, fmt.Errorf("insert template: %w", classify(err))
	}
	return tpl, nil
}

// Template возвращает шаблон задания.
func (r *PostgresRepository) Template(ctx context.Context, id int64) (model.MissionTemplate, error) {
	var (
		tpl model.MissionTemplate
		typ string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, type, reward, duration_seconds, active FROM mission_templates WHERE id = $1`,
		id,
	).Scan(&tpl.ID, &tpl.Title, &typ, &tpl.Reward, &tpl.DurationSeconds, &tpl.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.MissionTemplate{}, fmt.Errorf("template %d: %w", id, ErrNotFound)
		}
		return model.MissionTemplate{}, fmt.Errorf("get template: %w", classify(err))
	}
	tpl.Type = model.MissionType(typ)
	return tpl, nil
}

// CreateInstance сохраняет экземпляр задания. Второй экземпляр того же шаблона на ту же дату возвращает ErrConflict.
func (r *PostgresRepository) CreateInstance(ctx context.Context, inst model.MissionInstance) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO mission_instances (id, user_id, template_id, assigned_date, quota, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inst.ID, inst.UserID, inst.TemplateID, inst.AssignedDate, inst.Quota, string(inst.Status), inst.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("mission instance: %w", ErrConflict)
		}
		return fmt.Errorf("insert mission instance: %w", classify(err))
	}
	return nil
}

// Instance возвращает экземпляр задания.
func (r *PostgresRepository) Instance(ctx context.Context, id string) (model.MissionInstance, error) {
	var (
		inst   model.MissionInstance
		status string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id::text, user_id, template_id, assigned_date, quota, status, completed_at, credit_event_id, created_at
		 FROM mission_instances WHERE id::text = $1`,
		id,
	).Scan(&inst.ID, &inst.UserID, &inst.TemplateID, &inst.AssignedDate, &inst.Quota, &status,
		&inst.CompletedAt, &inst.CreditEventID, &inst.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.MissionInstance{}, fmt.Errorf("mission instance %s: %w", id, ErrNotFound)
		}
		return model.MissionInstance{}, fmt.Errorf("get mission instance: %w", classify(err))
	}
	inst.Status = model.MissionStatus(status)
	inst.AssignedDate = model.Day(inst.AssignedDate, time.UTC)
	return inst, nil
}

// CountInstances возвращает количество экземпляров пользователя на дату.
func (r *PostgresRepository) CountInstances(ctx context.Context, userID int64, date time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM mission_instances WHERE user_id = $1 AND assigned_date = $2`,
		userID, date,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mission instances: %w", classify(err))
	}
	return n, nil
}

// CountCompleted возвращает количество выполненных экземпляров пользователя на дату.
func (r *PostgresRepository) CountCompleted(ctx context.Context, userID int64, date time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM mission_instances WHERE user_id = $1 AND assigned_date = $2 AND status = $3`,
		userID, date, string(model.MissionStatusCompleted),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed missions: %w", classify(err))
	}
	return n, nil
}

// HasCompletedTemplate сообщает, выполнен ли другой экземпляр того же шаблона на ту же дату.
func (r *PostgresRepository) HasCompletedTemplate(ctx context.Context, userID, templateID int64, date time.Time, excludeID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM mission_instances
			WHERE user_id = $1 AND template_id = $2 AND assigned_date = $3 AND status = $4 AND id::text <> $5
		)`,
		userID, templateID, date, string(model.MissionStatusCompleted), excludeID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select completed template: %w", classify(err))
	}
	return exists, nil
}

// CompleteInstance переводит назначенный экземпляр в статус completed.
func (r *PostgresRepository) CompleteInstance(ctx context.Context, id string, completedAt time.Time, eventID int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE mission_instances SET status = $2, completed_at = $3, credit_event_id = $4
		 WHERE id::text = $1 AND status = $5`,
		id, string(model.MissionStatusCompleted), completedAt, eventID, string(model.MissionStatusAssigned),
	)
	if err != nil {
		return fmt.Errorf("complete mission instance: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Instance(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("mission instance %s: %w", id, ErrStatusChanged)
	}
	return nil
}

// ExpireInstances переводит назначенные экземпляры с датой раньше before в статус expired.
func (r *PostgresRepository) ExpireInstances(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE mission_instances SET status = $1 WHERE status = $2 AND assigned_date < $3`,
		string(model.MissionStatusExpired), string(model.MissionStatusAssigned), before,
	)
	if err != nil {
		return 0, fmt.Errorf("expire mission instances: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

const eventColumns = `id, seq, user_id, kind, amount, currency, cause_ref, cause_event_id, level, idempotency_key, created_at`

func scanEvent(row scanner) (model.LedgerEvent, error) {
	var (
		ev   model.LedgerEvent
		kind string
	)
	err := row.Scan(&ev.ID, &ev.Seq, &ev.UserID, &kind, &ev.Amount, &ev.Currency, &ev.CauseRef,
		&ev.CauseEventID, &ev.Level, &ev.IdempotencyKey, &ev.CreatedAt)
	ev.Kind = model.EventKind(kind)
	return ev, err
}

func collectEvents(rows pgx.Rows) ([]model.LedgerEvent, error) {
	defer rows.Close()

	var res []model.LedgerEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		res = append(res, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", classify(err))
	}
	return res, nil
}

// AppendEvent атомарно добавляет событие в журнал пользователя и назначает ему следующий номер.
// Блокировка строки пользователя сериализует записи между процессами.
func (r *PostgresRepository) AppendEvent(ctx context.Context, draft model.EventDraft, now time.Time) (model.LedgerEvent, error) {
	var ev model.LedgerEvent

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var dummy int
		err = tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, draft.UserID).Scan(&dummy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("user %d: %w", draft.UserID, ErrNotFound)
			}
			return fmt.Errorf("lock user for update: %w", err)
		}

		var lastSeq, balance int64
		err = tx.QueryRow(ctx,
			`SELECT seq, balance_after FROM ledger_events WHERE user_id = $1 ORDER BY seq DESC LIMIT 1`,
			draft.UserID,
		).Scan(&lastSeq, &balance)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("select last event: %w", err)
		}

		if draft.Amount < 0 && balance+draft.Amount < 0 {
			return ErrInsufficientBalance
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO ledger_events
				(user_id, seq, kind, amount, currency, cause_ref, cause_event_id, level, idempotency_key, balance_after, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (user_id, idempotency_key) DO NOTHING
			 RETURNING `+eventColumns,
			draft.UserID, lastSeq+1, string(draft.Kind), draft.Amount, model.CurrencyKES, draft.CauseRef,
			draft.CauseEventID, draft.Level, draft.IdempotencyKey, balance+draft.Amount, now,
		)

		ev, err = scanEvent(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("event %s: %w", draft.IdempotencyKey, ErrConflict)
			}
			return fmt.Errorf("insert event: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})

	return ev, err
}

// EventByKey возвращает событие пользователя по ключу идемпотентности.
func (r *PostgresRepository) EventByKey(ctx context.Context, userID int64, key string) (model.LedgerEvent, error) {
	ev, err := scanEvent(r.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LedgerEvent{}, fmt.Errorf("event %s: %w", key, ErrNotFound)
		}
		return model.LedgerEvent{}, fmt.Errorf("get event: %w", classify(err))
	}
	return ev, nil
}

// ListEvents возвращает события пользователя с номером больше afterSeq.
func (r *PostgresRepository) ListEvents(ctx context.Context, userID, afterSeq int64, limit int) ([]model.LedgerEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE user_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		userID, afterSeq, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", classify(err))
	}
	return collectEvents(rows)
}

// ListFeed возвращает события всех пользователей с глобальным номером больше afterID.
func (r *PostgresRepository) ListFeed(ctx context.Context, afterID int64, limit int) ([]model.LedgerEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE id > $1 ORDER BY id LIMIT $2`,
		afterID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("select feed: %w", classify(err))
	}
	return collectEvents(rows)
}

// MarkDistributed отмечает, что комиссии по событию распределены.
func (r *PostgresRepository) MarkDistributed(ctx context.Context, eventID int64, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO commission_distributions (event_id, distributed_at) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING`,
		eventID, at,
	)
	if err != nil {
		return fmt.Errorf("mark distributed: %w", classify(err))
	}
	return nil
}

// PendingDistributions возвращает начисления за задания с ID больше afterID, комиссии по которым ещё не распределены.
func (r *PostgresRepository) PendingDistributions(ctx context.Context, afterID int64, limit int) ([]model.LedgerEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM ledger_events e
		 WHERE e.kind = $1 AND e.id > $2
		   AND NOT EXISTS (SELECT 1 FROM commission_distributions d WHERE d.event_id = e.id)
		 ORDER BY e.id
		 LIMIT $3`,
		string(model.KindMissionCredit), afterID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("select pending distributions: %w", classify(err))
	}
	return collectEvents(rows)
}

// Settings возвращает текущую административную конфигурацию.
func (r *PostgresRepository) Settings(ctx context.Context) (model.Settings, error) {
	var s model.Settings
	err := r.pool.QueryRow(ctx,
		`SELECT min_withdrawal, version, updated_at FROM settings WHERE id = 1`,
	).Scan(&s.MinWithdrawal, &s.Version, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Settings{}, fmt.Errorf("settings: %w", ErrNotFound)
		}
		return model.Settings{}, fmt.Errorf("get settings: %w", classify(err))
	}
	return s, nil
}

// UpdateSettings меняет минимальную сумму вывода, если версия совпадает с ожидаемой.
func (r *PostgresRepository) UpdateSettings(ctx context.Context, minWithdrawal, expectedVersion int64, now time.Time) (model.Settings, error) {
	var s model.Settings
	err := r.pool.QueryRow(ctx,
		`UPDATE settings SET min_withdrawal = $1, version = version + 1, updated_at = $3
		 WHERE id = 1 AND version = $2
		 RETURNING min_withdrawal, version, updated_at`,
		minWithdrawal, expectedVersion, now,
	).Scan(&s.MinWithdrawal, &s.Version, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Settings{}, ErrVersionConflict
		}
		return model.Settings{}, fmt.Errorf("update settings: %w", classify(err))
	}
	return s, nil
}

const withdrawalColumns = `id::text, user_id, amount, rail, destination, status, debit_event_id, reversal_event_id, submitted_at, created_at, updated_at`

func scanWithdrawal(row scanner) (model.WithdrawalRequest, error) {
	var (
		req          model.WithdrawalRequest
		rail, status string
	)
	err := row.Scan(&req.ID, &req.UserID, &req.Amount, &rail, &req.Destination, &status,
		&req.DebitEventID, &req.ReversalEventID, &req.SubmittedAt, &req.CreatedAt, &req.UpdatedAt)
	req.Rail = model.Rail(rail)
	req.Status = model.WithdrawalStatus(status)
	return req, err
}

func collectWithdrawals(rows pgx.Rows) ([]model.WithdrawalRequest, error) {
	defer rows.Close()

	var res []model.WithdrawalRequest
	for rows.Next() {
		req, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		res = append(res, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", classify(err))
	}
	return res, nil
}

// CreateWithdrawal сохраняет новую заявку на вывод.
func (r *PostgresRepository) CreateWithdrawal(ctx context.Context, req model.WithdrawalRequest) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO withdrawals (id, user_id, amount, rail, destination, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.ID, req.UserID, req.Amount, string(req.Rail), req.Destination, string(req.Status), req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("withdrawal %s: %w", req.ID, ErrConflict)
		}
		return fmt.Errorf("insert withdrawal: %w", classify(err))
	}
	return nil
}

// Withdrawal возвращает заявку на вывод.
func (r *PostgresRepository) Withdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	req, err := scanWithdrawal(r.pool.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id::text = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WithdrawalRequest{}, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
		}
		return model.WithdrawalRequest{}, fmt.Errorf("get withdrawal: %w", classify(err))
	}
	return req, nil
}

// WithdrawalsByUser возвращает заявки пользователя, новые первыми.
func (r *PostgresRepository) WithdrawalsByUser(ctx context.Context, userID int64) ([]model.WithdrawalRequest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select withdrawals: %w", classify(err))
	}
	return collectWithdrawals(rows)
}

// UpdateWithdrawal переводит заявку из статуса from согласно upd.
func (r *PostgresRepository) UpdateWithdrawal(ctx context.Context, id string, from model.WithdrawalStatus, upd WithdrawalUpdate) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE withdrawals SET
			status = $3,
			debit_event_id = COALESCE($4, debit_event_id),
			reversal_event_id = COALESCE($5, reversal_event_id),
			updated_at = $6
		 WHERE id::text = $1 AND status = $2`,
		id, string(from), string(upd.Status), upd.DebitEventID, upd.ReversalEventID, upd.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Withdrawal(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("withdrawal %s: %w", id, ErrStatusChanged)
	}
	return nil
}

// UnsubmittedWithdrawals возвращает зарезервированные заявки, ещё не переданные платёжной системе.
func (r *PostgresRepository) UnsubmittedWithdrawals(ctx context.Context, limit int) ([]model.WithdrawalRequest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals
		 WHERE status = $1 AND submitted_at IS NULL
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.WithdrawalReserved), clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("select unsubmitted withdrawals: %w", classify(err))
	}
	return collectWithdrawals(rows)
}

// MarkSubmitted отмечает передачу заявки платёжной системе.
func (r *PostgresRepository) MarkSubmitted(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE withdrawals SET submitted_at = $2 WHERE id::text = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("mark submitted: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	return nil
}
