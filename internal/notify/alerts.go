package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hooklinehq/hookline/internal/log"
	"github.com/hooklinehq/hookline/internal/observability"
	"github.com/hooklinehq/hookline/internal/store"
)

// Alert kinds.
const (
	KindFailure     = "failure"
	KindRecovery    = "recovery"
	KindMonitorDown = "monitor_down"
	KindMonitorUp   = "monitor_up"
)

// Email is a rendered-enough notification; actual template rendering lives
// outside the core.
type Email struct {
	TenantID  string
	Kind      string
	Recipient string
	Subject   string
}

// Mailer hands an email to the delivery system.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// LogMailer records emails in the email log and emits a log line. It stands
// in for the real delivery backend, which is outside the core.
type LogMailer struct {
	st store.Store
}

// NewLogMailer creates a LogMailer writing to the given store.
func NewLogMailer(st store.Store) *LogMailer {
	return &LogMailer{st: st}
}

func (m *LogMailer) Send(ctx context.Context, e Email) error {
	log.WithComponent("mailer").Info().
		Str("tenant_id", e.TenantID).
		Str("kind", e.Kind).
		Str("recipient", e.Recipient).
		Str("subject", e.Subject).
		Msg("alert email enqueued")
	return m.st.InsertEmailLog(ctx, &store.EmailLog{
		TenantID:  e.TenantID,
		Kind:      e.Kind,
		Recipient: e.Recipient,
		Subject:   e.Subject,
		SentAt:    time.Now().UTC(),
	})
}

// Alerter gates alert emails behind a per-tenant token bucket: at most
// burst failure emails per window per tenant.
type Alerter struct {
	mailer   Mailer
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewAlerter creates an Alerter allowing burst emails per tenant per window.
func NewAlerter(mailer Mailer, burst int, window time.Duration) *Alerter {
	return &Alerter{
		mailer:   mailer,
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(window / time.Duration(burst)),
		burst:    burst,
	}
}

func (a *Alerter) limiter(tenantID string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(a.limit, a.burst)
		a.limiters[tenantID] = l
	}
	return l
}

// TaskFailed enqueues a failure alert unless the tenant is over its alert
// budget or has failure notifications disabled.
func (a *Alerter) TaskFailed(ctx context.Context, tenant *store.Tenant, task *store.Task, exec *store.Execution) {
	if task.Muted || !task.AlertOnFailure || !tenant.NotifyOnFailure {
		return
	}
	if !a.limiter(tenant.ID).Allow() {
		observability.AlertsThrottled.Inc()
		return
	}
	a.send(ctx, Email{
		TenantID:  tenant.ID,
		Kind:      KindFailure,
		Recipient: tenant.Email,
		Subject:   fmt.Sprintf("Task %q failed (%s)", task.Name, exec.Status),
	})
}

// TaskRecovered enqueues a recovery email when the tenant has recovery
// notifications enabled. Recovery emails bypass the failure throttle.
func (a *Alerter) TaskRecovered(ctx context.Context, tenant *store.Tenant, task *store.Task) {
	if task.Muted || !tenant.NotifyOnRecovery {
		return
	}
	a.send(ctx, Email{
		TenantID:  tenant.ID,
		Kind:      KindRecovery,
		Recipient: tenant.Email,
		Subject:   fmt.Sprintf("Task %q recovered", task.Name),
	})
}

// MonitorDown enqueues a monitor-down alert unless the monitor is muted.
func (a *Alerter) MonitorDown(ctx context.Context, tenant *store.Tenant, m *store.Monitor) {
	if m.Muted {
		return
	}
	a.send(ctx, Email{
		TenantID:  tenant.ID,
		Kind:      KindMonitorDown,
		Recipient: tenant.Email,
		Subject:   fmt.Sprintf("Monitor %q is down", m.Name),
	})
}

// MonitorRecovered enqueues a monitor-up notice unless the monitor is muted.
func (a *Alerter) MonitorRecovered(ctx context.Context, tenant *store.Tenant, m *store.Monitor) {
	if m.Muted {
		return
	}
	a.send(ctx, Email{
		TenantID:  tenant.ID,
		Kind:      KindMonitorUp,
		Recipient: tenant.Email,
		Subject:   fmt.Sprintf("Monitor %q recovered", m.Name),
	})
}

func (a *Alerter) send(ctx context.Context, e Email) {
	observability.AlertsTotal.WithLabelValues(e.Kind).Inc()
	if err := a.mailer.Send(ctx, e); err != nil {
		log.WithComponent("alerter").Error().Err(err).
			Str("tenant_id", e.TenantID).Str("kind", e.Kind).
			Msg("alert enqueue failed")
	}
}
