package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// --- Monitor operations ---

const monitorColumns = `id, tenant_id, name, ping_token, schedule_type, interval_seconds, cron_expression,
	grace_period_seconds, status, last_ping_at, next_expected_at, enabled, muted, created_at, updated_at`

func scanMonitor(row pgx.Row) (*Monitor, error) {
	var m Monitor
	err := row.Scan(
		&m.ID, &m.TenantID, &m.Name, &m.PingToken, &m.ScheduleType, &m.IntervalSeconds, &m.CronExpression,
		&m.GracePeriodSeconds, &m.Status, &m.LastPingAt, &m.NextExpectedAt, &m.Enabled, &m.Muted,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) CreateMonitor(ctx context.Context, m *Monitor) error {
	query := `
		INSERT INTO monitors (tenant_id, name, ping_token, schedule_type, interval_seconds, cron_expression,
			grace_period_seconds, status, last_ping_at, next_expected_at, enabled, muted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING id, created_at
	`
	err := s.pool.QueryRow(ctx, query,
		m.TenantID, m.Name, m.PingToken, m.ScheduleType, m.IntervalSeconds, m.CronExpression,
		m.GracePeriodSeconds, m.Status, m.LastPingAt, m.NextExpectedAt, m.Enabled, m.Muted,
	).Scan(&m.ID, &m.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) UpdateMonitor(ctx context.Context, m *Monitor) error {
	query := `
		UPDATE monitors SET name = $3, schedule_type = $4, interval_seconds = $5, cron_expression = $6,
			grace_period_seconds = $7, status = $8, last_ping_at = $9, next_expected_at = $10,
			enabled = $11, muted = $12, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
	`
	tag, err := s.pool.Exec(ctx, query,
		m.ID, m.TenantID, m.Name, m.ScheduleType, m.IntervalSeconds, m.CronExpression,
		m.GracePeriodSeconds, m.Status, m.LastPingAt, m.NextExpectedAt, m.Enabled, m.Muted,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteMonitor(ctx context.Context, tenantID string, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM monitors WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetMonitor(ctx context.Context, tenantID string, id int64) (*Monitor, error) {
	query := `SELECT ` + monitorColumns + ` FROM monitors WHERE id = $1 AND tenant_id = $2`
	return scanMonitor(s.pool.QueryRow(ctx, query, id, tenantID))
}

func (s *PostgresStore) GetMonitorByToken(ctx context.Context, token string) (*Monitor, error) {
	query := `SELECT ` + monitorColumns + ` FROM monitors WHERE ping_token = $1`
	return scanMonitor(s.pool.QueryRow(ctx, query, token))
}

func (s *PostgresStore) ListMonitors(ctx context.Context, tenantID string) ([]*Monitor, error) {
	query := `SELECT ` + monitorColumns + ` FROM monitors WHERE tenant_id = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var monitors []*Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, m)
	}
	return monitors, rows.Err()
}

func (s *PostgresStore) ListOverdueMonitors(ctx context.Context, now time.Time) ([]*Monitor, error) {
	query := `
		SELECT ` + monitorColumns + ` FROM monitors
		WHERE enabled AND status IN ('up', 'new')
		  AND next_expected_at IS NOT NULL
		  AND next_expected_at + make_interval(secs => grace_period_seconds) < $1
	`
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var monitors []*Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, m)
	}
	return monitors, rows.Err()
}

// --- Endpoint operations ---

const endpointColumns = `id, tenant_id, name, slug, forward_urls, use_queue, retry_attempts, timeout_ms,
	alert_on_failure, callback_url, on_failure_url, on_recovery_url, enabled, created_at, updated_at`

func scanEndpoint(row pgx.Row) (*Endpoint, error) {
	var e Endpoint
	err := row.Scan(
		&e.ID, &e.TenantID, &e.Name, &e.Slug, &e.ForwardURLs, &e.UseQueue, &e.RetryAttempts, &e.TimeoutMS,
		&e.AlertOnFailure, &e.CallbackURL, &e.OnFailureURL, &e.OnRecoveryURL, &e.Enabled,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CreateEndpoint(ctx context.Context, e *Endpoint) error {
	query := `
		INSERT INTO endpoints (tenant_id, name, slug, forward_urls, use_queue, retry_attempts, timeout_ms,
			alert_on_failure, callback_url, on_failure_url, on_recovery_url, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING id, created_at
	`
	err := s.pool.QueryRow(ctx, query,
		e.TenantID, e.Name, e.Slug, e.ForwardURLs, e.UseQueue, e.RetryAttempts, e.TimeoutMS,
		e.AlertOnFailure, e.CallbackURL, e.OnFailureURL, e.OnRecoveryURL, e.Enabled,
	).Scan(&e.ID, &e.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) UpdateEndpoint(ctx context.Context, e *Endpoint) error {
	query := `
		UPDATE endpoints SET name = $3, forward_urls = $4, use_queue = $5, retry_attempts = $6, timeout_ms = $7,
			alert_on_failure = $8, callback_url = $9, on_failure_url = $10, on_recovery_url = $11,
			enabled = $12, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
	`
	tag, err := s.pool.Exec(ctx, query,
		e.ID, e.TenantID, e.Name, e.ForwardURLs, e.UseQueue, e.RetryAttempts, e.TimeoutMS,
		e.AlertOnFailure, e.CallbackURL, e.OnFailureURL, e.OnRecoveryURL, e.Enabled,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteEndpoint(ctx context.Context, tenantID string, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM endpoints WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetEndpoint(ctx context.Context, tenantID string, id int64) (*Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM endpoints WHERE id = $1 AND tenant_id = $2`
	return scanEndpoint(s.pool.QueryRow(ctx, query, id, tenantID))
}

func (s *PostgresStore) GetEndpointBySlug(ctx context.Context, slug string) (*Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM endpoints WHERE slug = $1`
	return scanEndpoint(s.pool.QueryRow(ctx, query, slug))
}

func (s *PostgresStore) ListEndpoints(ctx context.Context, tenantID string) ([]*Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM endpoints WHERE tenant_id = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []*Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

// --- Inbound events ---

func (s *PostgresStore) CreateInboundEvent(ctx context.Context, ev *InboundEvent) error {
	query := `
		INSERT INTO inbound_events (endpoint_id, tenant_id, method, headers, body, source_ip, received_at, task_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	return s.pool.QueryRow(ctx, query,
		ev.EndpointID, ev.TenantID, ev.Method, ev.Headers, ev.Body, ev.SourceIP, ev.ReceivedAt, ev.TaskIDs,
	).Scan(&ev.ID)
}

func (s *PostgresStore) SetInboundEventTasks(ctx context.Context, eventID int64, taskIDs []int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE inbound_events SET task_ids = $2 WHERE id = $1`, eventID, taskIDs)
	return err
}

func (s *PostgresStore) GetInboundEvent(ctx context.Context, tenantID string, id int64) (*InboundEvent, error) {
	query := `
		SELECT id, endpoint_id, tenant_id, method, headers, body, source_ip, received_at, task_ids
		FROM inbound_events WHERE id = $1 AND tenant_id = $2
	`
	var ev InboundEvent
	err := s.pool.QueryRow(ctx, query, id, tenantID).Scan(
		&ev.ID, &ev.EndpointID, &ev.TenantID, &ev.Method, &ev.Headers, &ev.Body, &ev.SourceIP,
		&ev.ReceivedAt, &ev.TaskIDs,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// --- Email log ---

func (s *PostgresStore) InsertEmailLog(ctx context.Context, l *EmailLog) error {
	query := `
		INSERT INTO email_logs (tenant_id, kind, recipient, subject, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	return s.pool.QueryRow(ctx, query, l.TenantID, l.Kind, l.Recipient, l.Subject, l.SentAt).Scan(&l.ID)
}
