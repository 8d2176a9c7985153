// Package store is the transactional substrate shared by every Hookline
// component. All invariants live here: the claim protocol, per-queue FIFO,
// execution uniqueness, and tenant scoping.
package store

import (
	"context"
	"time"
)

// Store abstracts over the Postgres backend and the in-memory backend used
// by unit tests. Methods taking a tenantID are tenant-scoped and return
// ErrNotFound for rows owned by other tenants.
type Store interface {
	// Tenants
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	// AddTenantExecutions folds a buffered counter delta into the tenant row.
	AddTenantExecutions(ctx context.Context, tenantID string, delta int64) error
	// ResetMonthlyCounters zeroes counters for tenants whose last reset
	// predates the current calendar month, stamping resetAt. Idempotent
	// within a month.
	ResetMonthlyCounters(ctx context.Context, resetAt time.Time) error

	// Tasks
	CreateTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, tenantID string, id int64) (*Task, error)
	// GetTaskAny is the worker-path lookup; it ignores tenant scope but
	// still excludes soft-deleted tasks.
	GetTaskAny(ctx context.Context, id int64) (*Task, error)
	GetTaskByName(ctx context.Context, tenantID, name string) (*Task, error)
	// ListTasks returns live tasks newest-first. limit <= 0 means no limit.
	ListTasks(ctx context.Context, tenantID string, limit int) ([]*Task, error)
	// ListDueTasks returns enabled, live tasks with next_run_at <= horizon,
	// ordered by next_run_at.
	ListDueTasks(ctx context.Context, horizon time.Time, limit int) ([]*Task, error)
	// SetTaskNextRun advances (or clears) next_run_at.
	SetTaskNextRun(ctx context.Context, taskID int64, next *time.Time) error
	SoftDeleteTask(ctx context.Context, tenantID string, id int64) error
	// SoftDeleteTasksByQueue soft-deletes every live task in the queue and
	// cancels their pending executions in one transaction. Returns the
	// number of cancelled executions.
	SoftDeleteTasksByQueue(ctx context.Context, tenantID, queue string) (int64, error)

	// Executions
	// CreateExecution inserts a pending (or terminal missed) row. Returns
	// ErrDuplicate when (task_id, scheduled_for) already exists.
	CreateExecution(ctx context.Context, e *Execution) error
	// ClaimNextExecution atomically claims the next executable execution,
	// transitioning pending -> running and setting started_at = now. It
	// enforces due time, task liveness, queue pause, and per-queue FIFO.
	// Returns (nil, nil) when no work is available.
	ClaimNextExecution(ctx context.Context, now time.Time) (*Execution, error)
	// RescheduleExecution returns a claimed execution to pending with a new
	// scheduled_for and a cleared started_at (host-blocked path).
	RescheduleExecution(ctx context.Context, id int64, scheduledFor time.Time) error
	// FinishExecution writes a terminal state for a running execution and,
	// when res.Retry is set, inserts the retry row in the same transaction.
	// Returns ErrRowGone when the row is no longer running.
	FinishExecution(ctx context.Context, res *Result) error
	GetExecution(ctx context.Context, tenantID string, id int64) (*Execution, error)
	// ListExecutions returns executions newest-first, optionally filtered by
	// task (taskID != 0). limit <= 0 means no limit.
	ListExecutions(ctx context.Context, tenantID string, taskID int64, limit int) ([]*Execution, error)
	// PrevTerminalStatus returns the status of the latest terminal
	// execution of the task created before the given execution id.
	PrevTerminalStatus(ctx context.Context, taskID, beforeID int64) (ExecutionStatus, error)
	PendingDepth(ctx context.Context, now time.Time) (int, error)
	// SweepOrphans promotes running executions whose worker died
	// (started_at + timeout + slack < now) to timeout. Returns the count.
	SweepOrphans(ctx context.Context, now time.Time, slack time.Duration) (int64, error)

	// Queue state
	SetQueuePaused(ctx context.Context, tenantID, name string, paused bool) error
	IsQueuePaused(ctx context.Context, tenantID, name string) (bool, error)

	// Monitors
	CreateMonitor(ctx context.Context, m *Monitor) error
	UpdateMonitor(ctx context.Context, m *Monitor) error
	DeleteMonitor(ctx context.Context, tenantID string, id int64) error
	GetMonitor(ctx context.Context, tenantID string, id int64) (*Monitor, error)
	GetMonitorByToken(ctx context.Context, token string) (*Monitor, error)
	ListMonitors(ctx context.Context, tenantID string) ([]*Monitor, error)
	// ListOverdueMonitors returns enabled monitors in {up, new} whose
	// next_expected_at plus grace has passed.
	ListOverdueMonitors(ctx context.Context, now time.Time) ([]*Monitor, error)

	// Endpoints and inbound events
	CreateEndpoint(ctx context.Context, e *Endpoint) error
	UpdateEndpoint(ctx context.Context, e *Endpoint) error
	DeleteEndpoint(ctx context.Context, tenantID string, id int64) error
	GetEndpoint(ctx context.Context, tenantID string, id int64) (*Endpoint, error)
	GetEndpointBySlug(ctx context.Context, slug string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, tenantID string) ([]*Endpoint, error)
	CreateInboundEvent(ctx context.Context, ev *InboundEvent) error
	SetInboundEventTasks(ctx context.Context, eventID int64, taskIDs []int64) error
	GetInboundEvent(ctx context.Context, tenantID string, id int64) (*InboundEvent, error)

	// Email log
	InsertEmailLog(ctx context.Context, l *EmailLog) error

	// Retention
	PurgeExecutions(ctx context.Context, now time.Time, freeDays, proDays int) (int64, error)
	PurgeSoftDeletedTasks(ctx context.Context, before time.Time) (int64, error)
	PurgeEmailLogs(ctx context.Context, before time.Time) (int64, error)
}
