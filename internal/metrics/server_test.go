package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/casscope/casscope/internal/logging"
)

func newServerTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServer_MetricsRoute(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, nil, newServerTestLogger())
	ts := httptest.NewServer(s.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_HealthzRoute(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, nil, newServerTestLogger())
	ts := httptest.NewServer(s.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok\n" {
		t.Errorf("body = %q, want %q", string(body), "ok\n")
	}
}

func TestServer_LogsRoute(t *testing.T) {
	ring := logging.NewRing(8)
	logger := slog.New(ring.Wrap(slog.NewTextHandler(io.Discard, nil)))
	logger.Info("first_event", "key", "one")
	logger.Info("second_event", "key", "two")

	s := NewServer("127.0.0.1:0", nil, ring, newServerTestLogger())
	ts := httptest.NewServer(s.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/logs")
	if err != nil {
		t.Fatalf("GET /logs error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	if !strings.Contains(text, "first_event") || !strings.Contains(text, "second_event") {
		t.Errorf("body = %q, want both events", text)
	}

	// ?n=1 keeps only the newest line
	resp2, err := http.Get(ts.URL + "/logs?n=1")
	if err != nil {
		t.Fatalf("GET /logs?n=1 error = %v", err)
	}
	defer resp2.Body.Close()
	body2, _ := io.ReadAll(resp2.Body)
	if strings.Contains(string(body2), "first_event") {
		t.Errorf("body = %q, want only the newest line", string(body2))
	}
	if !strings.Contains(string(body2), "second_event") {
		t.Errorf("body = %q, want the newest line", string(body2))
	}
}

func TestServer_NoLogsRouteWithoutRing(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, nil, newServerTestLogger())
	ts := httptest.NewServer(s.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/logs")
	if err != nil {
		t.Fatalf("GET /logs error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without a ring", resp.StatusCode)
	}
}
