package service

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hooklinehq/hookline/internal/cron"
	"github.com/hooklinehq/hookline/internal/store"
)

const (
	maxRetryAttempts   = 10
	minFreeIntervalMin = 60
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// validateURL enforces http/https and rejects destinations that point into
// private or loopback address space. The check is syntactic: literal IPs and
// well-known internal names are rejected; DNS is not resolved here.
func validateURL(field, raw string) error {
	if raw == "" {
		return invalid(field, "required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid(field, "not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid(field, "scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return invalid(field, "missing host")
	}
	if isPrivateHost(host) {
		return invalid(field, "destination resolves to a private address")
	}
	return nil
}

func isPrivateHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") ||
		strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified()
	}
	return false
}

func validateMethod(method string) error {
	if method == "" {
		return nil // defaults to GET at dispatch
	}
	if !allowedMethods[strings.ToUpper(method)] {
		return invalid("method", "unsupported HTTP method")
	}
	return nil
}

func validateStatusCodes(list string) error {
	if list == "" {
		return nil
	}
	for _, part := range strings.Split(list, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 100 || n > 599 {
			return invalid("expected_status_codes", "must be comma-separated HTTP status codes")
		}
	}
	return nil
}

// validateTask checks every caller-fixable property of a task. plan gates
// the cron frequency: free tenants cannot schedule sub-hourly.
func validateTask(t *store.Task, plan store.Plan) error {
	if strings.TrimSpace(t.Name) == "" {
		return invalid("name", "required")
	}
	if err := validateURL("url", t.URL); err != nil {
		return err
	}
	if err := validateMethod(t.Method); err != nil {
		return err
	}
	if t.RetryAttempts < 0 || t.RetryAttempts > maxRetryAttempts {
		return invalid("retry_attempts", "must be between 0 and 10")
	}
	if err := validateStatusCodes(t.ExpectedStatusCodes); err != nil {
		return err
	}
	if t.CallbackURL != "" {
		if err := validateURL("callback_url", t.CallbackURL); err != nil {
			return err
		}
	}

	switch t.ScheduleType {
	case store.ScheduleCron:
		sched, err := cron.Parse(t.CronExpression)
		if err != nil {
			return invalid("cron_expression", "not a valid five-field cron expression")
		}
		t.IntervalMinutes = sched.IntervalMinutes()
		if plan == store.PlanFree && t.IntervalMinutes < minFreeIntervalMin {
			return invalid("cron_expression", "sub-hourly schedules require the pro plan")
		}
	case store.ScheduleOnce:
		if t.ScheduledAt == nil {
			return invalid("scheduled_at", "required for one-shot tasks")
		}
	default:
		return invalid("schedule_type", "must be cron or once")
	}
	return nil
}

func validateMonitor(m *store.Monitor) error {
	if strings.TrimSpace(m.Name) == "" {
		return invalid("name", "required")
	}
	switch m.ScheduleType {
	case store.ScheduleInterval:
		if m.IntervalSeconds < 60 {
			return invalid("interval_seconds", "must be at least 60")
		}
	case store.ScheduleCron:
		if !cron.Valid(m.CronExpression) {
			return invalid("cron_expression", "not a valid five-field cron expression")
		}
	default:
		return invalid("schedule_type", "must be interval or cron")
	}
	if m.GracePeriodSeconds < 0 {
		return invalid("grace_period_seconds", "must not be negative")
	}
	return nil
}

func validateEndpoint(e *store.Endpoint) error {
	if strings.TrimSpace(e.Name) == "" {
		return invalid("name", "required")
	}
	if len(e.ForwardURLs) == 0 {
		return invalid("forward_urls", "at least one forward URL required")
	}
	if len(e.ForwardURLs) > 10 {
		return invalid("forward_urls", "at most 10 forward URLs")
	}
	for _, u := range e.ForwardURLs {
		if err := validateURL("forward_urls", u); err != nil {
			return err
		}
	}
	for _, u := range []string{e.CallbackURL, e.OnFailureURL, e.OnRecoveryURL} {
		if u == "" {
			continue
		}
		if err := validateURL("callback_url", u); err != nil {
			return err
		}
	}
	return nil
}
