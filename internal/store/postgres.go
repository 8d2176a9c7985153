package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for load-shedding checks.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Saturated reports whether the connection pool is exhausted. The API layer
// sheds load with 503 + Retry-After instead of queueing behind it.
func (s *PostgresStore) Saturated() bool {
	stat := s.pool.Stat()
	return stat.AcquiredConns() >= stat.MaxConns()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Tenant operations ---

func (s *PostgresStore) CreateTenant(ctx context.Context, t *Tenant) error {
	query := `
		INSERT INTO tenants (id, plan, email, webhook_secret, monthly_execution_count, monthly_execution_reset_at, notify_on_failure, notify_on_recovery, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`
	_, err := s.pool.Exec(ctx, query,
		t.ID, t.Plan, t.Email, t.WebhookSecret,
		t.MonthlyExecutionCount, t.MonthlyExecutionResetAt, t.NotifyOnFailure, t.NotifyOnRecovery,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	query := `
		SELECT id, plan, email, webhook_secret, monthly_execution_count, monthly_execution_reset_at, notify_on_failure, notify_on_recovery, created_at
		FROM tenants WHERE id = $1
	`
	var t Tenant
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.Plan, &t.Email, &t.WebhookSecret,
		&t.MonthlyExecutionCount, &t.MonthlyExecutionResetAt, &t.NotifyOnFailure, &t.NotifyOnRecovery, &t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) AddTenantExecutions(ctx context.Context, tenantID string, delta int64) error {
	query := `UPDATE tenants SET monthly_execution_count = monthly_execution_count + $2 WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, tenantID, delta)
	return err
}

func (s *PostgresStore) ResetMonthlyCounters(ctx context.Context, resetAt time.Time) error {
	// Idempotent within a month: only tenants whose last reset predates the
	// current month boundary are touched.
	query := `
		UPDATE tenants SET monthly_execution_count = 0, monthly_execution_reset_at = $1
		WHERE monthly_execution_reset_at < date_trunc('month', $1::timestamptz)
	`
	_, err := s.pool.Exec(ctx, query, resetAt)
	return err
}

// --- Task operations ---

const taskColumns = `id, tenant_id, name, url, method, headers, body, schedule_type, cron_expression, scheduled_at,
	enabled, queue, timeout_ms, retry_attempts, expected_status_codes, expected_body_pattern, callback_url,
	alert_on_failure, muted, interval_minutes, next_run_at, source_endpoint_id, inserted_at, updated_at, deleted_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.TenantID, &t.Name, &t.URL, &t.Method, &t.Headers, &t.Body,
		&t.ScheduleType, &t.CronExpression, &t.ScheduledAt,
		&t.Enabled, &t.Queue, &t.TimeoutMS, &t.RetryAttempts,
		&t.ExpectedStatusCodes, &t.ExpectedBodyPattern, &t.CallbackURL,
		&t.AlertOnFailure, &t.Muted, &t.IntervalMinutes, &t.NextRunAt,
		&t.SourceEndpointID, &t.InsertedAt, &t.UpdatedAt, &t.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *Task) error {
	query := `
		INSERT INTO tasks (tenant_id, name, url, method, headers, body, schedule_type, cron_expression, scheduled_at,
			enabled, queue, timeout_ms, retry_attempts, expected_status_codes, expected_body_pattern, callback_url,
			alert_on_failure, muted, interval_minutes, next_run_at, source_endpoint_id, inserted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, NOW(), NOW())
		RETURNING id, inserted_at
	`
	return s.pool.QueryRow(ctx, query,
		t.TenantID, t.Name, t.URL, t.Method, t.Headers, t.Body,
		t.ScheduleType, t.CronExpression, t.ScheduledAt,
		t.Enabled, t.Queue, t.TimeoutMS, t.RetryAttempts,
		t.ExpectedStatusCodes, t.ExpectedBodyPattern, t.CallbackURL,
		t.AlertOnFailure, t.Muted, t.IntervalMinutes, t.NextRunAt, t.SourceEndpointID,
	).Scan(&t.ID, &t.InsertedAt)
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *Task) error {
	query := `
		UPDATE tasks SET name = $3, url = $4, method = $5, headers = $6, body = $7,
			schedule_type = $8, cron_expression = $9, scheduled_at = $10, enabled = $11, queue = $12,
			timeout_ms = $13, retry_attempts = $14, expected_status_codes = $15, expected_body_pattern = $16,
			callback_url = $17, alert_on_failure = $18, muted = $19, interval_minutes = $20, next_run_at = $21,
			updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`
	tag, err := s.pool.Exec(ctx, query,
		t.ID, t.TenantID, t.Name, t.URL, t.Method, t.Headers, t.Body,
		t.ScheduleType, t.CronExpression, t.ScheduledAt, t.Enabled, t.Queue,
		t.TimeoutMS, t.RetryAttempts, t.ExpectedStatusCodes, t.ExpectedBodyPattern,
		t.CallbackURL, t.AlertOnFailure, t.Muted, t.IntervalMinutes, t.NextRunAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, tenantID string, id int64) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`
	return scanTask(s.pool.QueryRow(ctx, query, id, tenantID))
}

func (s *PostgresStore) GetTaskAny(ctx context.Context, id int64) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 AND deleted_at IS NULL`
	return scanTask(s.pool.QueryRow(ctx, query, id))
}

func (s *PostgresStore) GetTaskByName(ctx context.Context, tenantID, name string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = $1 AND name = $2 AND deleted_at IS NULL ORDER BY id LIMIT 1`
	return scanTask(s.pool.QueryRow(ctx, query, tenantID, name))
}

func (s *PostgresStore) ListTasks(ctx context.Context, tenantID string, limit int) ([]*Task, error) {
	// NULLIF keeps limit=0 meaning "no limit", matching the memory store.
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY id DESC LIMIT NULLIF($2, 0)`
	rows, err := s.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) ListDueTasks(ctx context.Context, horizon time.Time, limit int) ([]*Task, error) {
	query := `
		SELECT ` + taskColumns + ` FROM tasks
		WHERE enabled AND deleted_at IS NULL AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, horizon, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) SetTaskNextRun(ctx context.Context, taskID int64, next *time.Time) error {
	query := `UPDATE tasks SET next_run_at = $2, updated_at = NOW() WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, taskID, next)
	return err
}

func (s *PostgresStore) SoftDeleteTask(ctx context.Context, tenantID string, id int64) error {
	query := `
		UPDATE tasks SET enabled = false, next_run_at = NULL, deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, id, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SoftDeleteTasksByQueue(ctx context.Context, tenantID, queue string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE tasks SET enabled = false, next_run_at = NULL, deleted_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $1 AND queue = $2 AND deleted_at IS NULL
	`, tenantID, queue)
	if err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE executions SET status = 'cancelled', finished_at = NOW()
		FROM tasks t
		WHERE executions.task_id = t.id AND t.tenant_id = $1 AND t.queue = $2
		  AND executions.status = 'pending'
	`, tenantID, queue)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Queue state ---

func (s *PostgresStore) SetQueuePaused(ctx context.Context, tenantID, name string, paused bool) error {
	query := `
		INSERT INTO queue_states (tenant_id, name, paused)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, name) DO UPDATE SET paused = EXCLUDED.paused
	`
	_, err := s.pool.Exec(ctx, query, tenantID, name, paused)
	return err
}

func (s *PostgresStore) IsQueuePaused(ctx context.Context, tenantID, name string) (bool, error) {
	query := `SELECT paused FROM queue_states WHERE tenant_id = $1 AND name = $2`
	var paused bool
	err := s.pool.QueryRow(ctx, query, tenantID, name).Scan(&paused)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return paused, err
}
