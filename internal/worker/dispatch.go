package worker

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hooklinehq/hookline/internal/store"
)

const (
	maxBodyRead    = 64 << 10 // assertion window
	maxBodyStore   = 4 << 10
	defaultTimeout = 30 * time.Second

	backoffBase = 30 * time.Second
	backoffCap  = 15 * time.Minute

	rateLimitBlockCap = 24 * time.Hour
)

// transientStatus is the set of response codes worth retrying.
var transientStatus = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusTooEarly:            true, // 425
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeTransient
	outcomePermanent
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// response is what one HTTP attempt produced.
type response struct {
	statusCode int
	body       []byte
	retryAfter string
	err        error
	duration   time.Duration
}

// do performs the HTTP call for one execution, bounded by the task timeout.
func (p *Pool) do(ctx context.Context, task *store.Task, e *store.Execution) response {
	timeout := time.Duration(task.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(task.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if task.Body != "" {
		body = strings.NewReader(task.Body)
	}

	start := p.clock()
	req, err := http.NewRequestWithContext(reqCtx, method, task.URL, body)
	if err != nil {
		return response{err: err}
	}
	for k, v := range task.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Task-Id", strconv.FormatInt(task.ID, 10))
	req.Header.Set("X-Execution-Id", strconv.FormatInt(e.ID, 10))
	req.Header.Set("X-Attempt", strconv.Itoa(e.Attempt))

	resp, err := p.client.Do(req)
	if err != nil {
		return response{err: err, duration: p.clock().Sub(start)}
	}
	defer resp.Body.Close()

	// Read enough for assertions; anything past the window is discarded.
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyRead))
	if readErr != nil {
		return response{err: readErr, duration: p.clock().Sub(start)}
	}
	return response{
		statusCode: resp.StatusCode,
		body:       raw,
		retryAfter: resp.Header.Get("Retry-After"),
		duration:   p.clock().Sub(start),
	}
}

// classify maps a response to success / transient / permanent per the
// task's assertions.
func classify(task *store.Task, r response) outcome {
	if r.err != nil {
		return outcomeTransient
	}
	if assertionsHold(task, r.statusCode, r.body) {
		return outcomeSuccess
	}
	if transientStatus[r.statusCode] {
		return outcomeTransient
	}
	return outcomePermanent
}

// assertionsHold checks expected_status_codes (default: any 2xx) and the
// optional body substring.
func assertionsHold(task *store.Task, status int, body []byte) bool {
	if task.ExpectedStatusCodes != "" {
		if !statusInList(task.ExpectedStatusCodes, status) {
			return false
		}
	} else if status < 200 || status > 299 {
		return false
	}
	if task.ExpectedBodyPattern != "" && !strings.Contains(string(body), task.ExpectedBodyPattern) {
		return false
	}
	return true
}

func statusInList(list string, status int) bool {
	for _, part := range strings.Split(list, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err == nil && n == status {
			return true
		}
	}
	return false
}

// isTimeout distinguishes deadline overruns (recorded as status "timeout")
// from other network failures (recorded as "failed").
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// backoff computes the retry delay after the given attempt: exponential on
// a 30s base, capped at 15 minutes, plus uniform jitter of up to one base.
func backoff(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	return d + time.Duration(rand.Int64N(int64(backoffBase)))
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return at.Sub(now), true
	}
	return 0, false
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}
