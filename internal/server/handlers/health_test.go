package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubChecker struct {
	err error
}

func (s stubChecker) CheckHealth(ctx context.Context) error {
	return s.err
}

func TestHealthHandlerHealthy(t *testing.T) {
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("registry", stubChecker{})
	m.RegisterChecker("tools", stubChecker{})

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Fatalf("expected healthy status, got %q", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Fatalf("expected version 1.2.3, got %q", resp.Version)
	}
	if len(resp.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(resp.Checks))
	}
}

func TestHealthHandlerUnhealthy(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("registry", stubChecker{})
	m.RegisterChecker("tools", stubChecker{err: errors.New("tracy not found")})

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "unhealthy" {
		t.Fatalf("expected unhealthy status, got %q", resp.Status)
	}
	if got := resp.Checks["tools"]; got != "unhealthy: tracy not found" {
		t.Fatalf("unexpected tools check: %q", got)
	}
	if got := resp.Checks["registry"]; got != "healthy" {
		t.Fatalf("unexpected registry check: %q", got)
	}
}

func TestVersionHandler(t *testing.T) {
	h := VersionHandler(VersionInfo{Version: "1.0.0", Commit: "abc1234"})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var info VersionInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if info.Version != "1.0.0" || info.Commit != "abc1234" {
		t.Fatalf("unexpected version info: %+v", info)
	}
}
