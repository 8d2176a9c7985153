package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hooklinehq/hookline/internal/blocker"
	"github.com/hooklinehq/hookline/internal/counter"
	"github.com/hooklinehq/hookline/internal/notify"
	"github.com/hooklinehq/hookline/internal/store"
)

type fixture struct {
	st      *store.MemoryStore
	pool    *Pool
	blocker *blocker.HostBlocker
	counter *counter.Counter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	bl := blocker.New(3, 30*time.Second, 24*time.Hour)
	ctr := counter.New(st, time.Second)
	cb := notify.NewCallbackDispatcher(nil)
	al := notify.NewAlerter(notify.NewLogMailer(st), 3, 5*time.Minute)
	return &fixture{
		st:      st,
		blocker: bl,
		counter: ctr,
		pool:    New(st, bl, ctr, cb, al, 1, 4, 3, WithPollInterval(5*time.Millisecond)),
	}
}

func (f *fixture) seedTenant(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.st.CreateTenant(context.Background(), &store.Tenant{
		ID: id, Plan: store.PlanFree, WebhookSecret: "secret",
		NotifyOnFailure: true, NotifyOnRecovery: true,
		MonthlyExecutionResetAt: time.Now().UTC(),
	}))
}

func (f *fixture) seedTask(t *testing.T, task *store.Task) *store.Task {
	t.Helper()
	if task.Method == "" {
		task.Method = "POST"
	}
	task.Enabled = true
	require.NoError(t, f.st.CreateTask(context.Background(), task))
	return task
}

func (f *fixture) seedExecution(t *testing.T, task *store.Task, at time.Time, attempt int) *store.Execution {
	t.Helper()
	e := &store.Execution{
		TaskID: task.ID, TenantID: task.TenantID,
		Status: store.StatusPending, ScheduledFor: at, Attempt: attempt,
	}
	require.NoError(t, f.st.CreateExecution(context.Background(), e))
	return e
}

func (f *fixture) claim(t *testing.T, now time.Time) *store.Execution {
	t.Helper()
	e, err := f.st.ClaimNextExecution(context.Background(), now)
	require.NoError(t, err)
	require.NotNil(t, e)
	return e
}

func TestRetryOnTransientThenSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTenant(t, "t1")

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := time.Now().UTC()
	task := f.seedTask(t, &store.Task{TenantID: "t1", Name: "s1", URL: srv.URL, RetryAttempts: 3})
	f.seedExecution(t, task, now, 1)

	f.pool.dispatch(ctx, f.claim(t, now))

	execs, err := f.st.ListExecutions(ctx, "t1", task.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 2)

	// Newest first: the retry row, then the failed first attempt.
	retry, first := execs[0], execs[1]
	assert.Equal(t, store.StatusFailed, first.Status)
	require.NotNil(t, first.StatusCode)
	assert.Equal(t, 500, *first.StatusCode)
	assert.Equal(t, 1, first.Attempt)

	assert.Equal(t, store.StatusPending, retry.Status)
	assert.Equal(t, 2, retry.Attempt)
	assert.True(t, retry.ScheduledFor.After(now.Add(20*time.Second)), "retry should back off")

	f.pool.dispatch(ctx, f.claim(t, retry.ScheduledFor))

	got, err := f.st.GetExecution(ctx, "t1", retry.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, got.Status)

	// One logical run, one counter increment.
	assert.EqualValues(t, 1, f.counter.Pending("t1"))
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTenant(t, "t1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	now := time.Now().UTC()
	task := f.seedTask(t, &store.Task{TenantID: "t1", Name: "perm", URL: srv.URL, RetryAttempts: 5})
	f.seedExecution(t, task, now, 1)

	f.pool.dispatch(ctx, f.claim(t, now))

	execs, err := f.st.ListExecutions(ctx, "t1", task.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, store.StatusFailed, execs[0].Status)
}

func TestAssertionSemantics(t *testing.T) {
	task := &store.Task{ExpectedStatusCodes: "200,201"}
	assert.Equal(t, outcomeSuccess, classify(task, response{statusCode: 201}))
	assert.Equal(t, outcomePermanent, classify(task, response{statusCode: 204}))

	// Asserted status wins over the transient set.
	asserted500 := &store.Task{ExpectedStatusCodes: "500"}
	assert.Equal(t, outcomeSuccess, classify(asserted500, response{statusCode: 500}))

	body := &store.Task{ExpectedBodyPattern: "\"ok\":true"}
	assert.Equal(t, outcomeSuccess, classify(body, response{statusCode: 200, body: []byte(`{"ok":true}`)}))
	assert.Equal(t, outcomePermanent, classify(body, response{statusCode: 200, body: []byte(`{"ok":false}`)}))
}

func TestBlockedHostDefersExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTenant(t, "t1")

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	now := time.Now().UTC()
	task := f.seedTask(t, &store.Task{TenantID: "t1", Name: "blocked", URL: srv.URL})
	e := f.seedExecution(t, task, now, 1)

	f.blocker.Block("t1", hostOf(srv.URL), time.Minute, blocker.ReasonFailures)
	f.pool.dispatch(ctx, f.claim(t, now))

	got, err := f.st.GetExecution(ctx, "t1", e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.True(t, got.ScheduledFor.After(now.Add(50*time.Second)))
	assert.Zero(t, calls.Load(), "no dispatch while blocked")
}

func TestRateLimitedHostGetsBlocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTenant(t, "t1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	now := time.Now().UTC()
	task := f.seedTask(t, &store.Task{TenantID: "t1", Name: "ratelimited", URL: srv.URL, RetryAttempts: 1})
	f.seedExecution(t, task, now, 1)

	f.pool.dispatch(ctx, f.claim(t, now))

	until, blocked := f.blocker.BlockedUntil("t1", hostOf(srv.URL))
	require.True(t, blocked)
	assert.True(t, until.After(now.Add(100*time.Second)))

	// Retry-After also overrides the retry delay.
	execs, err := f.st.ListExecutions(ctx, "t1", task.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	retry := execs[0]
	assert.Equal(t, store.StatusPending, retry.Status)
	assert.WithinDuration(t, now.Add(120*time.Second), retry.ScheduledFor, 5*time.Second)
}

func TestThreeServerErrorsTripTheBreaker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTenant(t, "t1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	now := time.Now().UTC()
	task := f.seedTask(t, &store.Task{TenantID: "t1", Name: "flaky", URL: srv.URL})
	for i := 0; i < 3; i++ {
		at := now.Add(time.Duration(i) * time.Second)
		f.seedExecution(t, task, at, 1)
		f.pool.dispatch(ctx, f.claim(t, at))
	}
	assert.True(t, f.blocker.Blocked("t1", hostOf(srv.URL)))
}

func TestNetworkErrorIsTransient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTenant(t, "t1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	now := time.Now().UTC()
	task := f.seedTask(t, &store.Task{TenantID: "t1", Name: "unreachable", URL: url, RetryAttempts: 1})
	f.seedExecution(t, task, now, 1)

	f.pool.dispatch(ctx, f.claim(t, now))

	execs, err := f.st.ListExecutions(ctx, "t1", task.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, store.StatusFailed, execs[1].Status)
	assert.NotEmpty(t, execs[1].ErrorMessage)
	assert.Equal(t, store.StatusPending, execs[0].Status)
}

func TestDeletedTaskCancelsClaimedExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTenant(t, "t1")

	now := time.Now().UTC()
	task := f.seedTask(t, &store.Task{TenantID: "t1", Name: "doomed", URL: "https://example.invalid"})
	e := f.seedExecution(t, task, now, 1)

	claimed := f.claim(t, now)
	require.NoError(t, f.st.SoftDeleteTask(ctx, "t1", task.ID))
	f.pool.dispatch(ctx, claimed)

	got, err := f.st.GetExecution(ctx, "t1", e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status)
}

func TestFinalFailureSendsAlertEmail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTenant(t, "t1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	now := time.Now().UTC()
	task := f.seedTask(t, &store.Task{TenantID: "t1", Name: "alerting", URL: srv.URL, AlertOnFailure: true})
	f.seedExecution(t, task, now, 1)

	f.pool.dispatch(ctx, f.claim(t, now))

	logs := f.st.EmailLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, notify.KindFailure, logs[0].Kind)
}

func TestRecoveryAfterFailureSendsRecoveryEmail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTenant(t, "t1")

	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := time.Now().UTC()
	task := f.seedTask(t, &store.Task{TenantID: "t1", Name: "recovering", URL: srv.URL, AlertOnFailure: true})

	f.seedExecution(t, task, now, 1)
	f.pool.dispatch(ctx, f.claim(t, now))

	fail.Store(false)
	f.seedExecution(t, task, now.Add(time.Minute), 1)
	f.pool.dispatch(ctx, f.claim(t, now.Add(time.Minute)))

	kinds := make([]string, 0, 2)
	for _, l := range f.st.EmailLogs() {
		kinds = append(kinds, l.Kind)
	}
	assert.Equal(t, []string{notify.KindFailure, notify.KindRecovery}, kinds)
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoff(attempt)
		assert.GreaterOrEqual(t, d, backoffBase)
		assert.LessOrEqual(t, d, backoffCap+backoffBase)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d, ok := parseRetryAfter("90", now)
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	d, ok = parseRetryAfter(now.Add(5*time.Minute).Format(http.TimeFormat), now)
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, d)

	_, ok = parseRetryAfter("soon", now)
	assert.False(t, ok)
	_, ok = parseRetryAfter("", now)
	assert.False(t, ok)
}

func TestQueueSerializesAcrossDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTenant(t, "t1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := time.Now().UTC()
	a := f.seedTask(t, &store.Task{TenantID: "t1", Name: "a", URL: srv.URL, Queue: "payments"})
	b := f.seedTask(t, &store.Task{TenantID: "t1", Name: "b", URL: srv.URL, Queue: "payments"})
	ea := f.seedExecution(t, a, now, 1)
	f.seedExecution(t, b, now, 1)

	first := f.claim(t, now)
	assert.Equal(t, ea.ID, first.ID)

	// B stays unclaimable while A runs.
	blocked, err := f.st.ClaimNextExecution(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	f.pool.dispatch(ctx, first)

	second, err := f.st.ClaimNextExecution(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, b.ID, second.TaskID)
}
