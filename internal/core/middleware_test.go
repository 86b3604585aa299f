package core

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"playsync/internal/config"
	"playsync/internal/types"
)

// newTestServer builds a Server with a discard logger for middleware tests.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{Environment: "local"}
	s, err := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return s
}

// --- Recoverer tests ---

func TestRecoverer_CatchesPanic(t *testing.T) {
	s := newTestServer(t)

	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("something broke")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-panic-001"))

	s.Recoverer(panicking).ServeHTTP(w, r)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", resp.StatusCode)
	}

	var errResp APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if errResp.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected code %s, got %s", types.ErrCodeInternalUnexpected, errResp.Error.Code)
	}
	if errResp.Error.RequestID != "req-panic-001" {
		t.Errorf("expected request_id req-panic-001, got %s", errResp.Error.RequestID)
	}
}

func TestRecoverer_PassThrough(t *testing.T) {
	s := newTestServer(t)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	s.Recoverer(ok).ServeHTTP(w, r)

	if w.Result().StatusCode != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", w.Result().StatusCode)
	}
}

// --- RequestLogger tests ---

func TestRequestLogger_RedactsConfiguredHeaders(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestLogger(logger, []string{"Authorization"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/entitlement", nil)
	r.Header.Set("Authorization", "Bearer super-secret-key")
	r.Header.Set("X-Request-Id", "req-log-001")

	handler.ServeHTTP(w, r)

	logged := buf.String()
	if strings.Contains(logged, "super-secret-key") {
		t.Error("Authorization header value must not appear in logs")
	}
	if !strings.Contains(logged, "[REDACTED]") {
		t.Error("expected [REDACTED] marker for Authorization header")
	}
	if !strings.Contains(logged, "req-log-001") {
		t.Error("expected non-redacted headers to be logged")
	}
}

func TestRequestLogger_LogLevelByStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{"2xx logs info", http.StatusOK, "INFO"},
		{"4xx logs warn", http.StatusBadRequest, "WARN"},
		{"5xx logs error", http.StatusInternalServerError, "ERROR"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			handler := RequestLogger(logger, nil)(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(tc.status)
				}),
			)

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			handler.ServeHTTP(w, r)

			if !strings.Contains(buf.String(), `"level":"`+tc.level+`"`) {
				t.Errorf("expected level %s in log output, got %s", tc.level, buf.String())
			}
		})
	}
}

// --- MetricsMiddleware tests ---

type captureCollector struct {
	method   string
	endpoint string
	status   string
	calls    int
}

func (c *captureCollector) RecordRequest(method, endpoint, status string, _ time.Duration) {
	c.method = method
	c.endpoint = endpoint
	c.status = status
	c.calls++
}

func TestMetricsMiddleware_RecordsRequest(t *testing.T) {
	s := newTestServer(t)
	collector := &captureCollector{}
	s.Metrics = collector

	handler := s.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/entitlement/sync", nil)
	handler.ServeHTTP(w, r)

	if collector.calls != 1 {
		t.Fatalf("expected 1 RecordRequest call, got %d", collector.calls)
	}
	if collector.method != http.MethodPost {
		t.Errorf("expected method POST, got %s", collector.method)
	}
	if collector.endpoint != "/v1/entitlement/sync" {
		t.Errorf("expected endpoint /v1/entitlement/sync, got %s", collector.endpoint)
	}
	if collector.status != "409" {
		t.Errorf("expected status 409, got %s", collector.status)
	}
}

func TestMetricsMiddleware_NilCollectorPassesThrough(t *testing.T) {
	s := newTestServer(t)

	handler := s.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Result().StatusCode)
	}
}

// --- SecurityHeadersMiddleware tests ---

func TestSecurityHeaders_SetOnAllResponses(t *testing.T) {
	s := newTestServer(t)

	handler := s.SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	resp := w.Result()
	if v := resp.Header.Get("X-Content-Type-Options"); v != "nosniff" {
		t.Errorf("expected nosniff, got %q", v)
	}
	if v := resp.Header.Get("X-Frame-Options"); v != "DENY" {
		t.Errorf("expected DENY, got %q", v)
	}
}

// --- RequestIDMiddleware tests ---

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	var captured string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = types.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	if captured == "" {
		t.Fatal("expected a generated request ID in context")
	}
	if got := w.Result().Header.Get("X-Request-Id"); got != captured {
		t.Errorf("expected response header %q to match context ID %q", got, captured)
	}
}

func TestRequestID_PropagatesIncomingHeader(t *testing.T) {
	var captured string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = types.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-Id", "upstream-trace-42")
	handler.ServeHTTP(w, r)

	if captured != "upstream-trace-42" {
		t.Errorf("expected propagated ID upstream-trace-42, got %q", captured)
	}
	if got := w.Result().Header.Get("X-Request-Id"); got != "upstream-trace-42" {
		t.Errorf("expected response header upstream-trace-42, got %q", got)
	}
}

// --- ContextTimeoutMiddleware tests ---

func TestContextTimeout_SetsDeadline(t *testing.T) {
	var hasDeadline bool
	handler := ContextTimeoutMiddleware(5 * time.Second)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, hasDeadline = r.Context().Deadline()
		}),
	)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	if !hasDeadline {
		t.Error("expected request context to carry a deadline")
	}
}

// --- responseCapture tests ---

func TestResponseCapture_DefaultsTo200OnWrite(t *testing.T) {
	w := httptest.NewRecorder()
	rc := &responseCapture{ResponseWriter: w}

	if _, err := rc.Write([]byte("ok")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if rc.statusCode != http.StatusOK {
		t.Errorf("expected captured status 200, got %d", rc.statusCode)
	}
}

func TestResponseCapture_FirstWriteHeaderWins(t *testing.T) {
	w := httptest.NewRecorder()
	rc := &responseCapture{ResponseWriter: w}

	rc.WriteHeader(http.StatusTeapot)
	rc.WriteHeader(http.StatusOK)

	if rc.statusCode != http.StatusTeapot {
		t.Errorf("expected captured status 418, got %d", rc.statusCode)
	}
}
