package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/boardflow/internal/events"
	"github.com/randalmurphal/boardflow/internal/planner"
	"github.com/randalmurphal/boardflow/internal/task"
	"github.com/randalmurphal/boardflow/internal/worker"
)

type fakeBackend struct {
	running bool
	synced  int
	tasks   []task.Task
}

func (b *fakeBackend) Running() bool { return b.running }

func (b *fakeBackend) PlannerStatus() planner.Status {
	return planner.Status{Running: b.running, ActiveTasks: 2}
}

func (b *fakeBackend) PoolStatus() worker.PoolStatus {
	return worker.PoolStatus{
		Total: 2, Idle: 1, Working: 1,
		Workers: []worker.Record{
			{ID: "worker-1", Status: worker.StatusIdle},
			{ID: "worker-2", Status: worker.StatusWorking, TaskID: "T1"},
		},
	}
}

func (b *fakeBackend) Tasks(context.Context) ([]task.Task, error) { return b.tasks, nil }
func (b *fakeBackend) ForceSync(context.Context)                  { b.synced++ }

func newTestServer(t *testing.T, backend *fakeBackend, pub events.Publisher) *httptest.Server {
	t.Helper()
	if pub == nil {
		pub = events.NewMemoryPublisher()
	}
	s := New("127.0.0.1:0", backend, pub, nil)
	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	backend := &fakeBackend{running: true}
	srv := newTestServer(t, backend, nil)

	var body map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])

	backend.running = false
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/healthz", nil))
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{running: true}, nil)

	var body struct {
		Running bool              `json:"running"`
		Planner planner.Status    `json:"planner"`
		Pool    worker.PoolStatus `json:"pool"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/status", &body))
	assert.True(t, body.Running)
	assert.Equal(t, 2, body.Planner.ActiveTasks)
	assert.Equal(t, 2, body.Pool.Total)
}

func TestWorkersEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{running: true}, nil)

	var workers []worker.Record
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/workers", &workers))
	require.Len(t, workers, 2)
	assert.Equal(t, "T1", workers[1].TaskID)
}

func TestTasksEndpoint(t *testing.T) {
	backend := &fakeBackend{
		running: true,
		tasks:   []task.Task{{ID: "T1", RepositoryID: "acme/svc"}},
	}
	srv := newTestServer(t, backend, nil)

	var tasks []task.Task
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/tasks", &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "acme/svc", tasks[0].RepositoryID)
}

func TestSyncEndpoint(t *testing.T) {
	backend := &fakeBackend{running: true}
	srv := newTestServer(t, backend, nil)

	resp, err := http.Post(srv.URL+"/api/sync", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, backend.synced)
}

func TestWebsocketEventStream(t *testing.T) {
	pub := events.NewMemoryPublisher()
	defer pub.Close()
	srv := newTestServer(t, &fakeBackend{running: true}, pub)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "subscribe", TaskID: events.GlobalTaskID}))

	var ack map[string]any
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack["type"])

	pub.Publish(events.NewEvent(events.EventTaskAccepted, "T1", events.ProgressData{
		WorkerID: "worker-1", Stage: "processing",
	}))

	var got map[string]any
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "event", got["type"])
	assert.Equal(t, string(events.EventTaskAccepted), got["event"])
	assert.Equal(t, "T1", got["task_id"])
}

func TestWebsocketRejectsUnknownType(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{running: true}, nil)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "bogus"}))

	var msg map[string]any
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg["type"])
}
