package cli

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/boardflow/internal/worker"
)

func TestServerBaseURL(t *testing.T) {
	tests := []struct {
		listen string
		want   string
	}{
		{"", "http://127.0.0.1:7113"},
		{":7113", "http://127.0.0.1:7113"},
		{"0.0.0.0:8080", "http://127.0.0.1:8080"},
		{"127.0.0.1:7113", "http://127.0.0.1:7113"},
		{"orchestrator.internal:7113", "http://orchestrator.internal:7113"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, serverBaseURL(tt.listen), "listen=%q", tt.listen)
	}
}

func newTestClient(t *testing.T, handler http.Handler) *apiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &apiClient{baseURL: srv.URL, http: &http.Client{Timeout: 5 * time.Second}}
}

func TestClientSnapshot(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"running": true,
			"planner": {"running": true, "active_tasks": 3},
			"pool": {"total": 2, "working": 1, "workers": [{"id": "worker-1", "status": "WORKING"}]}
		}`))
	}))

	snap, err := client.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Running)
	assert.Equal(t, 3, snap.Planner.ActiveTasks)
	require.Len(t, snap.Pool.Workers, 1)
	assert.Equal(t, worker.StatusWorking, snap.Pool.Workers[0].Status)
}

func TestClientSync(t *testing.T) {
	var method, path string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"synced": true}`))
	}))

	require.NoError(t, client.Sync(context.Background()))
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/api/sync", path)
}

func TestClientSurfacesAPIError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": "state store unavailable"}`))
	}))

	_, err := client.Snapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state store unavailable")
}

func TestClientSurfacesHTTPStatus(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))

	err := client.Sync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWorkerDetail(t *testing.T) {
	assert.Equal(t, "-", workerDetail(worker.Record{Status: worker.StatusIdle}))
	assert.Equal(t, "building", workerDetail(worker.Record{Status: worker.StatusWorking, Progress: "building"}))
	assert.Equal(t, "agent exited 1", workerDetail(worker.Record{Status: worker.StatusError, LastError: "agent exited 1"}))
}
