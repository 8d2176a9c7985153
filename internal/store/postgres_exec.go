package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const execColumns = `id, task_id, tenant_id, status, scheduled_for, started_at, finished_at,
	status_code, duration_ms, error_message, response_body, attempt, callback_url, created_at`

func scanExecution(row pgx.Row) (*Execution, error) {
	var e Execution
	err := row.Scan(
		&e.ID, &e.TaskID, &e.TenantID, &e.Status, &e.ScheduledFor, &e.StartedAt, &e.FinishedAt,
		&e.StatusCode, &e.DurationMS, &e.ErrorMessage, &e.ResponseBody, &e.Attempt, &e.CallbackURL, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CreateExecution(ctx context.Context, e *Execution) error {
	if e.Status == "" {
		e.Status = StatusPending
	}
	query := `
		INSERT INTO executions (task_id, tenant_id, status, scheduled_for, finished_at, attempt, callback_url, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := s.pool.QueryRow(ctx, query,
		e.TaskID, e.TenantID, e.Status, e.ScheduledFor, e.FinishedAt, e.Attempt, e.CallbackURL, e.ErrorMessage,
	).Scan(&e.ID, &e.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// claimQuery selects the oldest executable pending row and flips it to
// running in one statement. FOR UPDATE SKIP LOCKED keeps concurrent
// claimers off the same candidate; the NOT EXISTS clause enforces per-queue
// FIFO across tasks (creation time, then id, breaks ties).
const claimQuery = `
	WITH candidate AS (
		SELECT e.id
		FROM executions e
		JOIN tasks t ON t.id = e.task_id
		WHERE e.status = 'pending'
		  AND e.scheduled_for <= $1
		  AND t.enabled
		  AND t.deleted_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM queue_states qs
			WHERE qs.tenant_id = t.tenant_id AND qs.name = t.queue AND qs.paused
		  )
		  AND (
			t.queue = '' OR NOT EXISTS (
				SELECT 1
				FROM executions e2
				JOIN tasks t2 ON t2.id = e2.task_id
				WHERE t2.tenant_id = t.tenant_id
				  AND t2.queue = t.queue
				  AND t2.deleted_at IS NULL
				  AND (
					e2.status = 'running'
					OR (e2.status = 'pending' AND (e2.created_at, e2.id) < (e.created_at, e.id))
				  )
			)
		  )
		ORDER BY e.scheduled_for ASC, e.created_at ASC, e.id ASC
		LIMIT 1
		FOR UPDATE OF e SKIP LOCKED
	)
	UPDATE executions SET status = 'running', started_at = $1
	FROM candidate
	WHERE executions.id = candidate.id
	RETURNING executions.id, executions.task_id, executions.tenant_id, executions.status,
		executions.scheduled_for, executions.started_at, executions.finished_at,
		executions.status_code, executions.duration_ms, executions.error_message,
		executions.response_body, executions.attempt, executions.callback_url, executions.created_at
`

func (s *PostgresStore) ClaimNextExecution(ctx context.Context, now time.Time) (*Execution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx, claimQuery, now))
	if errors.Is(err, ErrNotFound) {
		return nil, nil // no work
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *PostgresStore) RescheduleExecution(ctx context.Context, id int64, scheduledFor time.Time) error {
	query := `
		UPDATE executions SET status = 'pending', scheduled_for = $2, started_at = NULL
		WHERE id = $1 AND status = 'running'
	`
	tag, err := s.pool.Exec(ctx, query, id, scheduledFor)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRowGone
	}
	return nil
}

func (s *PostgresStore) FinishExecution(ctx context.Context, res *Result) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE executions SET status = $2, finished_at = $3, status_code = $4,
			duration_ms = $5, error_message = $6, response_body = $7
		WHERE id = $1 AND status = 'running'
	`, res.ExecutionID, res.Status, res.FinishedAt, res.StatusCode,
		res.DurationMS, res.ErrorMessage, res.ResponseBody)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRowGone
	}

	if r := res.Retry; r != nil {
		err := tx.QueryRow(ctx, `
			INSERT INTO executions (task_id, tenant_id, status, scheduled_for, attempt, callback_url)
			VALUES ($1, $2, 'pending', $3, $4, $5)
			ON CONFLICT (task_id, scheduled_for) DO NOTHING
			RETURNING id, created_at
		`, r.TaskID, r.TenantID, r.ScheduledFor, r.Attempt, r.CallbackURL).Scan(&r.ID, &r.CreatedAt)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetExecution(ctx context.Context, tenantID string, id int64) (*Execution, error) {
	query := `SELECT ` + execColumns + ` FROM executions WHERE id = $1 AND tenant_id = $2`
	return scanExecution(s.pool.QueryRow(ctx, query, id, tenantID))
}

func (s *PostgresStore) ListExecutions(ctx context.Context, tenantID string, taskID int64, limit int) ([]*Execution, error) {
	var rows pgx.Rows
	var err error
	if taskID != 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT `+execColumns+` FROM executions WHERE tenant_id = $1 AND task_id = $2 ORDER BY id DESC LIMIT NULLIF($3, 0)`,
			tenantID, taskID, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+execColumns+` FROM executions WHERE tenant_id = $1 ORDER BY id DESC LIMIT NULLIF($2, 0)`,
			tenantID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func (s *PostgresStore) PrevTerminalStatus(ctx context.Context, taskID, beforeID int64) (ExecutionStatus, error) {
	query := `
		SELECT status FROM executions
		WHERE task_id = $1 AND id < $2 AND status IN ('success', 'failed', 'timeout', 'missed', 'cancelled')
		ORDER BY id DESC LIMIT 1
	`
	var status ExecutionStatus
	err := s.pool.QueryRow(ctx, query, taskID, beforeID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}

func (s *PostgresStore) PendingDepth(ctx context.Context, now time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM executions WHERE status = 'pending' AND scheduled_for <= $1`
	var depth int
	err := s.pool.QueryRow(ctx, query, now).Scan(&depth)
	return depth, err
}

func (s *PostgresStore) SweepOrphans(ctx context.Context, now time.Time, slack time.Duration) (int64, error) {
	query := `
		UPDATE executions SET status = 'timeout', finished_at = $1, error_message = 'worker lost',
			duration_ms = (EXTRACT(EPOCH FROM ($1 - executions.started_at)) * 1000)::bigint
		FROM tasks t
		WHERE t.id = executions.task_id
		  AND executions.status = 'running'
		  AND executions.started_at + make_interval(secs => t.timeout_ms / 1000.0 + $2) < $1
	`
	tag, err := s.pool.Exec(ctx, query, now, slack.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Retention ---

func (s *PostgresStore) PurgeExecutions(ctx context.Context, now time.Time, freeDays, proDays int) (int64, error) {
	query := `
		DELETE FROM executions
		USING tenants tn
		WHERE tn.id = executions.tenant_id
		  AND executions.status IN ('success', 'failed', 'timeout', 'missed', 'cancelled')
		  AND executions.created_at < $1 - make_interval(days => CASE WHEN tn.plan = 'pro' THEN $3 ELSE $2 END)
	`
	tag, err := s.pool.Exec(ctx, query, now, freeDays, proDays)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) PurgeSoftDeletedTasks(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE deleted_at IS NOT NULL AND deleted_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) PurgeEmailLogs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM email_logs WHERE sent_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
