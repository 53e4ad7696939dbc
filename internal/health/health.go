// Package health serves the process health endpoint and the Prometheus
// metrics listener.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/observability"
	"github.com/nanobot-ai/nanobot/pkg/models"
)

// LoopStatus is the slice of the orchestrator the endpoint reports on.
type LoopStatus interface {
	Running() bool
	LastProcessedAt() time.Time
}

// StreamingDiagnostics describes whether provider streaming is effectively
// enabled and, when it is not, why.
type StreamingDiagnostics struct {
	EffectiveEnabled bool     `json:"effective_enabled"`
	Reasons          []string `json:"reasons"`
}

// ChannelsFunc reports per-channel connection state.
type ChannelsFunc func() map[string]map[string]any

// SessionLister enumerates stored session keys for the debug surface.
type SessionLister interface {
	Keys() ([]string, error)
}

// Server is the health HTTP server.
type Server struct {
	loop      LoopStatus
	bus       *bus.Bus
	channels  ChannelsFunc
	streaming StreamingDiagnostics
	sessions  SessionLister
	logger    *observability.Logger
	srv       *http.Server
}

// New creates a server listening on addr.
func New(addr string, loop LoopStatus, b *bus.Bus, channels ChannelsFunc, streaming StreamingDiagnostics, logger *observability.Logger) *Server {
	if logger == nil {
		logger = observability.Discard()
	}
	s := &Server{loop: loop, bus: b, channels: channels, streaming: streaming, logger: logger}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handle)
	s.srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// SetSessionLister installs the store behind the sessions debug view.
func (s *Server) SetSessionLister(l SessionLister) { s.sessions = l }

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe blocks serving requests.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/health" {
		http.NotFound(w, r)
		return
	}

	payload := map[string]any{
		"status": "ok",
		"agent_loop": map[string]any{
			"running": s.loop != nil && s.loop.Running(),
		},
		"queue": map[string]any{
			"inbound_depth":  s.bus.InboundDepth(),
			"outbound_depth": s.bus.OutboundDepth(),
		},
	}
	if s.channels != nil {
		payload["channels"] = s.channels()
	} else {
		payload["channels"] = map[string]any{}
	}
	if s.loop != nil {
		if last := s.loop.LastProcessedAt(); !last.IsZero() {
			payload["last_processed_at"] = last.Format(time.RFC3339)
		} else {
			payload["last_processed_at"] = nil
		}
	}

	switch r.URL.Query().Get("debug") {
	case "events":
		payload["events"] = models.TurnEventCapabilities()
	case "stream":
		payload["streaming"] = s.streaming
	case "sessions":
		keys := []string{}
		if s.sessions != nil {
			listed, err := s.sessions.Keys()
			if err != nil {
				s.logger.Warn(r.Context(), "session listing failed", "error", err)
			} else {
				keys = listed
			}
		}
		payload["sessions"] = keys
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn(r.Context(), "health encode failed", "error", err)
	}
}
