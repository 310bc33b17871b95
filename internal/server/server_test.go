package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqtrace/bioengine/internal/metrics"
	"github.com/seqtrace/bioengine/internal/server/handlers"
	"github.com/seqtrace/bioengine/internal/server/middleware"
	"github.com/seqtrace/bioengine/pkg/registry"
)

type noopSubmitter struct {
	reg *registry.Registry
}

func (n noopSubmitter) Submit(kind registry.JobKind, name string, input registry.Input) (*registry.Job, error) {
	return n.reg.Create(kind, name, input)
}

func (n noopSubmitter) Cancel(jobID string) error {
	_, err := n.reg.Update(jobID, func(j *registry.Job) error {
		j.State = registry.StateCancelled
		return nil
	})
	return err
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New()
	return New(Options{
		Host:      "127.0.0.1",
		Port:      0,
		Scheduler: noopSubmitter{reg: reg},
		Registry:  reg,
		Metrics:   metrics.NewCollector(),
		Version:   handlers.VersionInfo{Version: "test"},
	})
}

func TestServerNotFoundEnvelope(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}

	var body middleware.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if body.Error.Code != "NOT_FOUND" {
		t.Fatalf("expected error code NOT_FOUND, got %s", body.Error.Code)
	}
}

func TestServerMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/version", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServerPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"default port", 8080},
		{"custom port", 9000},
		{"zero port", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(Options{Host: "127.0.0.1", Port: tt.port})
			assert.Equal(t, tt.port, srv.Port())
		})
	}
}

func TestServerRoutesRegistered(t *testing.T) {
	srv := newTestServer(t)

	endpoints := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/health", http.StatusOK},
		{"GET", "/version", http.StatusOK},
		{"GET", "/metrics", http.StatusOK},
		{"GET", "/jobs", http.StatusOK},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			assert.Equal(t, ep.want, rec.Code)
		})
	}
}

func TestServerJobRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	body := strings.NewReader(`{"kind":"annotation","input":{"variants":["NM_000518.5:c.20A>T"]}}`)
	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var job registry.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))

	req = httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/cancel", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServerHealthReflectsCheckers(t *testing.T) {
	srv := newTestServer(t)
	srv.RegisterChecker("tools", failingChecker{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type failingChecker struct{}

func (failingChecker) CheckHealth(ctx context.Context) error {
	return errors.New("tracy not found on PATH")
}
