// Package server exposes the operational HTTP surface: inbound webhook
// ingestion, monitor pings, health/status, metrics, and the execution event
// websocket.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hooklinehq/hookline/internal/coordination"
	"github.com/hooklinehq/hookline/internal/events"
	"github.com/hooklinehq/hookline/internal/inbound"
	"github.com/hooklinehq/hookline/internal/log"
	"github.com/hooklinehq/hookline/internal/monitor"
	"github.com/hooklinehq/hookline/internal/observability"
	"github.com/hooklinehq/hookline/internal/runtime"
	"github.com/hooklinehq/hookline/internal/store"
)

// Inbound bodies larger than this are rejected before persistence.
const maxInboundBody = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operational clients connect from dashboards on other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Saturable reports DB pool exhaustion so the server can shed load.
type Saturable interface {
	Saturated() bool
}

// LeaderReporter exposes the current lease state for /status.
type LeaderReporter interface {
	GetState() coordination.State
}

// Server wires the HTTP handlers.
type Server struct {
	st      store.Store
	inbound *inbound.Dispatcher
	checker *monitor.Checker
	hub     *events.Hub
	rt      *runtime.Runtime

	sat    Saturable
	leader LeaderReporter
}

// Option customizes a Server.
type Option func(*Server)

// WithSaturation enables 503 load shedding from the given pool.
func WithSaturation(s Saturable) Option {
	return func(srv *Server) { srv.sat = s }
}

// WithLeader surfaces lease state on /status.
func WithLeader(l LeaderReporter) Option {
	return func(srv *Server) { srv.leader = l }
}

// New creates a Server.
func New(st store.Store, in *inbound.Dispatcher, checker *monitor.Checker, hub *events.Hub, rt *runtime.Runtime, opts ...Option) *Server {
	s := &Server{st: st, inbound: in, checker: checker, hub: hub, rt: rt}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the chi mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.shed)

	r.Post("/in/{slug}", s.handleInbound)
	r.Get("/ping/{token}", s.handlePing)
	r.Post("/ping/{token}", s.handlePing)
	r.Head("/ping/{token}", s.handlePing)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws/events", s.handleWS)

	return r
}

// shed rejects work with 503 while the DB pool is exhausted. Health, status
// and metrics stay reachable so operators can see what is wrong.
func (s *Server) shed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/status", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if s.sat != nil && s.sat.Saturated() {
			observability.LoadShed.Inc()
			w.Header().Set("Retry-After", "5")
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody+1))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if len(body) > maxInboundBody {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if sourceIP == "" {
		sourceIP = r.RemoteAddr
	}

	ev, err := s.inbound.ReceiveEvent(r.Context(), slug, inbound.Request{
		Method:   r.Method,
		Headers:  headers,
		Body:     string(body),
		SourceIP: sourceIP,
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "unknown endpoint", http.StatusNotFound)
		return
	case errors.Is(err, inbound.ErrEndpointDisabled):
		http.Error(w, "endpoint disabled", http.StatusForbidden)
		return
	case err != nil:
		log.WithComponent("server").Error().Err(err).Str("slug", slug).Msg("inbound receive failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"event_id": ev.ID,
		"task_ids": ev.TaskIDs,
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	m, err := s.checker.RecordPing(r.Context(), token)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "unknown token", http.StatusNotFound)
		return
	case err != nil:
		log.WithComponent("server").Error().Err(err).Msg("ping record failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"status": string(m.Status),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"time": time.Now().UTC(),
	}
	if s.rt != nil {
		out["components"] = s.rt.Snapshot()
	}
	if s.hub != nil {
		out["ws_clients"] = s.hub.ClientCount()
	}
	if s.leader != nil {
		st := s.leader.GetState()
		out["leader"] = map[string]any{
			"is_leader":   st.IsLeader,
			"node_id":     st.NodeID,
			"transitions": st.Transitions,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleWS authenticates a tenant by webhook secret and attaches the
// connection to the event hub until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	secret := r.URL.Query().Get("secret")
	if tenantID == "" || secret == "" {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	tenant, err := s.st.GetTenant(r.Context(), tenantID)
	if err != nil || subtle.ConstantTimeCompare([]byte(tenant.WebhookSecret), []byte(secret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("server").Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.hub.Register(conn, tenantID)

	// Drain the read side; the hub only pushes. A read error means the
	// client is gone.
	go func() {
		defer s.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("server").Debug().Err(err).Msg("response encode failed")
	}
}
