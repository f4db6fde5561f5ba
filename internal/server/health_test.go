package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewHealthServer(t *testing.T) {
	s := NewHealthServer(&HealthConfig{Version: "1.0.0"})
	if s.version != "1.0.0" {
		t.Fatalf("expected version 1.0.0, got %s", s.version)
	}
}

func doRequest(t *testing.T, s *HealthServer, path string) (*httptest.ResponseRecorder, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func TestHealthServer_ExtraHandler(t *testing.T) {
	s := NewHealthServer(nil)
	s.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("granary_documents_total 0\n"))
	}))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "granary_documents_total 0\n" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestHealthEndpoint_NoChecks(t *testing.T) {
	s := NewHealthServer(nil)

	rec, resp := doRequest(t, s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp.Status != HealthStatusHealthy {
		t.Fatalf("expected healthy, got %s", resp.Status)
	}
}

func TestHealthEndpoint_UnhealthyCheck(t *testing.T) {
	s := NewHealthServer(nil)
	s.RegisterCheck("index", VectorIndexHealthChecker(func(ctx context.Context) error {
		return errors.New("connection refused")
	}))

	rec, resp := doRequest(t, s, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if resp.Status != HealthStatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", resp.Status)
	}
	if len(resp.Checks) != 1 || resp.Checks[0].Name != "index" {
		t.Fatalf("unexpected checks: %+v", resp.Checks)
	}
}

func TestHealthEndpoint_DegradedCheck(t *testing.T) {
	s := NewHealthServer(nil)
	s.RegisterCheck("embedding", EmbeddingHealthChecker("openai", func(ctx context.Context) error {
		return errors.New("rate limited")
	}))
	s.RegisterCheck("store", StoreHealthChecker(func(ctx context.Context) error {
		return nil
	}))

	rec, resp := doRequest(t, s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("degraded should still be 200, got %d", rec.Code)
	}
	if resp.Status != HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", resp.Status)
	}
}

func TestReadyEndpoint(t *testing.T) {
	s := NewHealthServer(nil)

	rec, _ := doRequest(t, s, "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before SetReady, got %d", rec.Code)
	}

	s.SetReady(true)
	rec, _ = doRequest(t, s, "/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after SetReady, got %d", rec.Code)
	}
}

func TestLiveEndpoint(t *testing.T) {
	s := NewHealthServer(nil)

	rec, _ := doRequest(t, s, "/live")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	s.SetLive(false)
	rec, _ = doRequest(t, s, "/livez")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after SetLive(false), got %d", rec.Code)
	}
}

func TestEmbeddingHealthChecker_NilCheckFn(t *testing.T) {
	check := EmbeddingHealthChecker("openai", nil)(context.Background())
	if check.Status != HealthStatusHealthy {
		t.Fatalf("expected healthy with nil check fn, got %s", check.Status)
	}
}

func TestEmbeddingHealthChecker_DegradedNotUnhealthy(t *testing.T) {
	check := EmbeddingHealthChecker("openai", func(ctx context.Context) error {
		return errors.New("timeout")
	})(context.Background())
	if check.Status != HealthStatusDegraded {
		t.Fatalf("embedding failure should degrade, got %s", check.Status)
	}
	if check.Details["provider"] != "openai" {
		t.Fatalf("expected provider detail, got %+v", check.Details)
	}
}

func TestVectorIndexHealthChecker(t *testing.T) {
	healthy := VectorIndexHealthChecker(func(ctx context.Context) error { return nil })(context.Background())
	if healthy.Status != HealthStatusHealthy {
		t.Fatalf("expected healthy, got %s", healthy.Status)
	}

	unhealthy := VectorIndexHealthChecker(func(ctx context.Context) error {
		return errors.New("unreachable")
	})(context.Background())
	if unhealthy.Status != HealthStatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", unhealthy.Status)
	}
}

func TestStoreHealthChecker(t *testing.T) {
	check := StoreHealthChecker(func(ctx context.Context) error {
		return errors.New("connection reset")
	})(context.Background())
	if check.Status != HealthStatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", check.Status)
	}
}

func TestTemporalHealthChecker(t *testing.T) {
	check := TemporalHealthChecker(func(ctx context.Context) error { return nil })(context.Background())
	if check.Status != HealthStatusHealthy {
		t.Fatalf("expected healthy, got %s", check.Status)
	}
}
