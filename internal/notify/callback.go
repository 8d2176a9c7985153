// Package notify delivers the outbound side effects of terminal execution
// states: signed callbacks to tenant URLs and throttled alert emails.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hooklinehq/hookline/internal/log"
	"github.com/hooklinehq/hookline/internal/observability"
	"github.com/hooklinehq/hookline/internal/store"
)

// Callback event names.
const (
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventTaskRecovered      = "task.recovered"
)

// CallbackPayload is the body POSTed to a callback URL.
type CallbackPayload struct {
	Event     string           `json:"event"`
	Task      callbackTask     `json:"task"`
	Execution callbackExec     `json:"execution"`
}

type callbackTask struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type callbackExec struct {
	ID           int64      `json:"id"`
	Status       string     `json:"status"`
	StatusCode   *int       `json:"status_code"`
	DurationMS   *int64     `json:"duration_ms"`
	ErrorMessage string     `json:"error_message"`
	Attempt      int        `json:"attempt"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	FinishedAt   *time.Time `json:"finished_at"`
	ResponseBody string     `json:"response_body"`
}

// Sign computes the callback signature header value:
// "sha256=" + lower-hex(HMAC-SHA256(secret, body)).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Callback is one signed delivery to perform.
type Callback struct {
	URL     string
	Secret  string
	Payload CallbackPayload
}

// NewCallback builds a Callback from a terminal execution and its task.
func NewCallback(url, secret string, task *store.Task, exec *store.Execution) Callback {
	event := EventExecutionCompleted
	if exec.Status != store.StatusSuccess {
		event = EventExecutionFailed
	}
	return Callback{
		URL:    url,
		Secret: secret,
		Payload: CallbackPayload{
			Event: event,
			Task:  callbackTask{ID: task.ID, Name: task.Name},
			Execution: callbackExec{
				ID:           exec.ID,
				Status:       string(exec.Status),
				StatusCode:   exec.StatusCode,
				DurationMS:   exec.DurationMS,
				ErrorMessage: exec.ErrorMessage,
				Attempt:      exec.Attempt,
				ScheduledFor: exec.ScheduledFor,
				FinishedAt:   exec.FinishedAt,
				ResponseBody: exec.ResponseBody,
			},
		},
	}
}

// CallbackDispatcher delivers callbacks on its own bounded retry schedule.
// Delivery failures never affect the source execution.
type CallbackDispatcher struct {
	client   *http.Client
	queue    chan Callback
	attempts int
	backoff  time.Duration
}

// NewCallbackDispatcher creates a dispatcher with 3 delivery attempts and
// exponential backoff between them.
func NewCallbackDispatcher(client *http.Client) *CallbackDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &CallbackDispatcher{
		client:   client,
		queue:    make(chan Callback, 1024),
		attempts: 3,
		backoff:  2 * time.Second,
	}
}

// Enqueue queues a callback for delivery. Drops (with a log line) when the
// queue is full rather than blocking the worker path.
func (d *CallbackDispatcher) Enqueue(cb Callback) {
	select {
	case d.queue <- cb:
	default:
		log.WithComponent("callback").Warn().Str("url", cb.URL).Msg("callback queue full, dropping")
		observability.CallbacksTotal.WithLabelValues("failed").Inc()
	}
}

// Run consumes the queue until the context is cancelled.
func (d *CallbackDispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cb := <-d.queue:
			d.deliver(ctx, cb)
		}
	}
}

func (d *CallbackDispatcher) deliver(ctx context.Context, cb Callback) {
	body, err := json.Marshal(cb.Payload)
	if err != nil {
		log.WithComponent("callback").Error().Err(err).Msg("marshal callback payload")
		return
	}

	for attempt := 1; attempt <= d.attempts; attempt++ {
		if err := d.post(ctx, cb, body); err == nil {
			observability.CallbacksTotal.WithLabelValues("delivered").Inc()
			return
		} else if ctx.Err() != nil {
			return
		} else {
			log.WithComponent("callback").Warn().Err(err).
				Str("url", cb.URL).Int("attempt", attempt).
				Msg("callback delivery failed")
		}

		if attempt < d.attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.backoff << (attempt - 1)):
			}
		}
	}
	observability.CallbacksTotal.WithLabelValues("failed").Inc()
}

func (d *CallbackDispatcher) post(ctx context.Context, cb Callback, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cb.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(cb.Secret, body))
	req.Header.Set("X-Task-Id", strconv.FormatInt(cb.Payload.Task.ID, 10))
	req.Header.Set("X-Execution-Id", strconv.FormatInt(cb.Payload.Execution.ID, 10))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}
