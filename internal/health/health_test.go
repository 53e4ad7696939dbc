package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

type fakeLoop struct {
	running bool
	last    time.Time
}

func (f fakeLoop) Running() bool            { return f.running }
func (f fakeLoop) LastProcessedAt() time.Time { return f.last }

func newTestServer() *Server {
	channels := func() map[string]map[string]any {
		return map[string]map[string]any{"telegram": {"connected": true}}
	}
	return New("127.0.0.1:0",
		fakeLoop{running: true, last: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)},
		bus.New(8), channels,
		StreamingDiagnostics{EffectiveEnabled: false, Reasons: []string{"provider lacks streaming support"}},
		nil)
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var body map[string]any
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
	}
	return rec, body
}

func TestHealthBasic(t *testing.T) {
	rec, body := get(t, newTestServer(), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
	loop := body["agent_loop"].(map[string]any)
	if loop["running"] != true {
		t.Fatalf("agent_loop = %v", loop)
	}
	queue := body["queue"].(map[string]any)
	if _, ok := queue["inbound_depth"]; !ok {
		t.Fatalf("queue = %v", queue)
	}
	channels := body["channels"].(map[string]any)
	if _, ok := channels["telegram"]; !ok {
		t.Fatalf("channels = %v", channels)
	}
	if body["last_processed_at"] != "2026-08-25T10:00:00Z" {
		t.Fatalf("last_processed_at = %v", body["last_processed_at"])
	}
	if _, ok := body["events"]; ok {
		t.Fatal("events present without debug flag")
	}
}

func TestHealthDebugEvents(t *testing.T) {
	_, body := get(t, newTestServer(), "/health?debug=events")
	events, ok := body["events"].(map[string]any)
	if !ok {
		t.Fatalf("events = %v", body["events"])
	}
	if events["namespace"] != "nanobot.turn" {
		t.Fatalf("namespace = %v", events["namespace"])
	}
	list := events["events"].([]any)
	if len(list) != 4 {
		t.Fatalf("event types = %d", len(list))
	}
}

func TestHealthDebugStream(t *testing.T) {
	_, body := get(t, newTestServer(), "/health?debug=stream")
	stream, ok := body["streaming"].(map[string]any)
	if !ok {
		t.Fatalf("streaming = %v", body["streaming"])
	}
	if stream["effective_enabled"] != false {
		t.Fatalf("effective_enabled = %v", stream["effective_enabled"])
	}
	reasons := stream["reasons"].([]any)
	if len(reasons) != 1 {
		t.Fatalf("reasons = %v", reasons)
	}
}

type fakeSessions struct{ keys []string }

func (f fakeSessions) Keys() ([]string, error) { return f.keys, nil }

func TestHealthDebugSessions(t *testing.T) {
	s := newTestServer()
	s.SetSessionLister(fakeSessions{keys: []string{"telegram:42", "telegram:7"}})
	_, body := get(t, s, "/health?debug=sessions")
	keys, ok := body["sessions"].([]any)
	if !ok {
		t.Fatalf("sessions = %v", body["sessions"])
	}
	if len(keys) != 2 || keys[0] != "telegram:42" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestHealthDebugSessionsWithoutStore(t *testing.T) {
	_, body := get(t, newTestServer(), "/health?debug=sessions")
	keys, ok := body["sessions"].([]any)
	if !ok || len(keys) != 0 {
		t.Fatalf("sessions = %v", body["sessions"])
	}
}

func TestHealthMethodNotAllowed(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthUnknownPath(t *testing.T) {
	rec, _ := get(t, newTestServer(), "/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
