package store

import "time"

// Plan is a tenant billing tier.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// Tenant owns every other entity and carries plan limits and notification
// preferences.
type Tenant struct {
	ID                      string
	Plan                    Plan
	Email                   string
	WebhookSecret           string
	MonthlyExecutionCount   int64
	MonthlyExecutionResetAt time.Time
	NotifyOnFailure         bool
	NotifyOnRecovery        bool
	CreatedAt               time.Time
}

// ScheduleType distinguishes recurring from one-shot tasks.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleOnce     ScheduleType = "once"
	ScheduleInterval ScheduleType = "interval" // monitors only
)

// Task is a declared HTTP call with a schedule.
type Task struct {
	ID                  int64
	TenantID            string
	Name                string
	URL                 string
	Method              string
	Headers             map[string]string
	Body                string
	ScheduleType        ScheduleType
	CronExpression      string
	ScheduledAt         *time.Time
	Enabled             bool
	Queue               string
	TimeoutMS           int
	RetryAttempts       int
	ExpectedStatusCodes string
	ExpectedBodyPattern string
	CallbackURL         string
	AlertOnFailure      bool
	Muted               bool
	IntervalMinutes     int
	NextRunAt           *time.Time
	SourceEndpointID    *int64
	InsertedAt          time.Time
	UpdatedAt           time.Time
	DeletedAt           *time.Time
}

// ExecutionStatus is the lifecycle state of one attempt.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusSuccess   ExecutionStatus = "success"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimeout   ExecutionStatus = "timeout"
	StatusMissed    ExecutionStatus = "missed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether s is a terminal status.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusMissed, StatusCancelled:
		return true
	}
	return false
}

// Execution is a single attempt (or planned attempt) of a task.
type Execution struct {
	ID           int64
	TaskID       int64
	TenantID     string
	Status       ExecutionStatus
	ScheduledFor time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	StatusCode   *int
	DurationMS   *int64
	ErrorMessage string
	ResponseBody string
	Attempt      int
	CallbackURL  string
	CreatedAt    time.Time
}

// Result carries the terminal update for a claimed execution, plus an
// optional retry row created in the same transaction.
type Result struct {
	ExecutionID  int64
	Status       ExecutionStatus
	FinishedAt   time.Time
	StatusCode   *int
	DurationMS   int64
	ErrorMessage string
	ResponseBody string

	Retry *Execution
}

// MonitorStatus is the state of a heartbeat monitor.
type MonitorStatus string

const (
	MonitorNew    MonitorStatus = "new"
	MonitorUp     MonitorStatus = "up"
	MonitorDown   MonitorStatus = "down"
	MonitorPaused MonitorStatus = "paused"
)

// Monitor is a passive heartbeat listener.
type Monitor struct {
	ID                 int64
	TenantID           string
	Name               string
	PingToken          string
	ScheduleType       ScheduleType // interval or cron
	IntervalSeconds    int
	CronExpression     string
	GracePeriodSeconds int
	Status             MonitorStatus
	LastPingAt         *time.Time
	NextExpectedAt     *time.Time
	Enabled            bool
	Muted              bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Endpoint is an inbound webhook receiver that fans out to forward URLs.
type Endpoint struct {
	ID             int64
	TenantID       string
	Name           string
	Slug           string
	ForwardURLs    []string
	UseQueue       bool
	RetryAttempts  int
	TimeoutMS      int
	AlertOnFailure bool
	CallbackURL    string
	OnFailureURL   string
	OnRecoveryURL  string
	Enabled        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InboundEvent records one received request against an endpoint.
type InboundEvent struct {
	ID         int64
	EndpointID int64
	TenantID   string
	Method     string
	Headers    map[string]string
	Body       string
	SourceIP   string
	ReceivedAt time.Time
	TaskIDs    []int64
}

// QueueState is the pause flag for a (tenant, queue) pair.
type QueueState struct {
	TenantID string
	Name     string
	Paused   bool
}

// EmailLog records an enqueued notification for throttling audits and purge.
type EmailLog struct {
	ID        int64
	TenantID  string
	Kind      string
	Recipient string
	Subject   string
	SentAt    time.Time
}
