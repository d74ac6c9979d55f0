package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempest11/graphrun/internal/model"
	"github.com/tempest11/graphrun/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testServer struct {
	store    *memStore
	orch     *stream.Orchestrator
	registry *stream.Registry
	handler  http.Handler
}

func newTestServer(t *testing.T, engine stream.Engine) *testServer {
	t.Helper()
	if engine == nil {
		engine = &stream.ScriptedEngine{Script: []json.RawMessage{
			json.RawMessage(`["values", {"step": 1}]`),
			json.RawMessage(`["values", {"step": 2}]`),
		}}
	}
	logger := testLogger()
	store := newMemStore()
	registry := stream.NewRegistry(16, time.Minute, logger)
	orch := stream.NewOrchestrator(store, registry, engine, 5*time.Second, logger)

	srv := New(ServerConfig{
		Store:               store,
		Orchestrator:        orch,
		Registry:            registry,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		Keepalive:           time.Minute,
	})
	return &testServer{store: store, orch: orch, registry: registry, handler: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func (ts *testServer) createThread(t *testing.T) model.Thread {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/threads", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var th model.Thread
	decodeData(t, rec, &th)
	return th
}

func (ts *testServer) createAssistant(t *testing.T, body string) model.Assistant {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/assistants", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var a model.Assistant
	decodeData(t, rec, &a)
	return a
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var hr model.HealthResponse
	decodeData(t, rec, &hr)
	assert.Equal(t, "healthy", hr.Status)
	assert.Equal(t, "connected", hr.Postgres)
}

func TestThreadLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	th := ts.createThread(t)
	assert.Equal(t, model.ThreadStatusIdle, th.Status)
	assert.Equal(t, AnonymousOwner, th.Owner)

	rec := ts.do(t, http.MethodGet, "/v1/threads/"+th.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/threads", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/threads/"+th.ID.String(), "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/threads/"+th.ID.String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestThreadInvalidID(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/v1/threads/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssistantVersioning(t *testing.T) {
	ts := newTestServer(t, nil)

	a := ts.createAssistant(t, `{"name": "helper", "graph_id": "graph-1"}`)
	assert.Equal(t, 1, a.Version)

	rec := ts.do(t, http.MethodPatch, "/v1/assistants/"+a.ID.String(), `{"graph_id": "graph-2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated model.Assistant
	decodeData(t, rec, &updated)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "graph-2", updated.GraphID)
	assert.Equal(t, "helper", updated.Name)
}

func TestCreateAssistantRejectsBadSchema(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/assistants",
		`{"name": "helper", "graph_id": "g", "input_schema": {"type": 42}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	th := ts.createThread(t)
	a := ts.createAssistant(t, `{"name": "helper", "graph_id": "graph-1"}`)

	rec := ts.do(t, http.MethodPost, "/v1/threads/"+th.ID.String()+"/runs",
		fmt.Sprintf(`{"assistant_id": %q, "input": {"q": "hi"}}`, a.ID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var run model.Run
	decodeData(t, rec, &run)

	// Join blocks until the scripted engine finishes.
	rec = ts.do(t, http.MethodGet, "/v1/runs/"+run.ID.String()+"/join", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var final model.Run
	decodeData(t, rec, &final)
	assert.Equal(t, model.RunStatusCompleted, final.Status)
	assert.JSONEq(t, `{"step": 2}`, string(final.Output))

	rec = ts.do(t, http.MethodGet, "/v1/threads/"+th.ID.String()+"/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateRunUnknownAssistant(t *testing.T) {
	ts := newTestServer(t, nil)
	th := ts.createThread(t)
	rec := ts.do(t, http.MethodPost, "/v1/threads/"+th.ID.String()+"/runs",
		fmt.Sprintf(`{"assistant_id": %q}`, uuid.New()))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRunValidatesInput(t *testing.T) {
	ts := newTestServer(t, nil)
	th := ts.createThread(t)
	a := ts.createAssistant(t, `{
		"name": "helper", "graph_id": "g",
		"input_schema": {"type": "object", "required": ["q"], "properties": {"q": {"type": "string"}}}
	}`)

	rec := ts.do(t, http.MethodPost, "/v1/threads/"+th.ID.String()+"/runs",
		fmt.Sprintf(`{"assistant_id": %q, "input": {"q": 42}}`, a.ID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/threads/"+th.ID.String()+"/runs",
		fmt.Sprintf(`{"assistant_id": %q, "input": {"q": "ok"}}`, a.ID))
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCreateRunBusyThreadConflicts(t *testing.T) {
	engine := &stream.ScriptedEngine{
		Script: []json.RawMessage{json.RawMessage(`["values", {}]`)},
		Delay:  200 * time.Millisecond,
	}
	ts := newTestServer(t, engine)
	th := ts.createThread(t)
	a := ts.createAssistant(t, `{"name": "helper", "graph_id": "g"}`)
	body := fmt.Sprintf(`{"assistant_id": %q}`, a.ID)

	rec := ts.do(t, http.MethodPost, "/v1/threads/"+th.ID.String()+"/runs", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/threads/"+th.ID.String()+"/runs", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelRun(t *testing.T) {
	engine := &stream.ScriptedEngine{
		Script: []json.RawMessage{
			json.RawMessage(`["values", {"step": 1}]`),
			json.RawMessage(`["values", {"step": 2}]`),
		},
		Delay: 10 * time.Second, // never finishes on its own
	}
	ts := newTestServer(t, engine)
	th := ts.createThread(t)
	a := ts.createAssistant(t, `{"name": "helper", "graph_id": "g"}`)

	rec := ts.do(t, http.MethodPost, "/v1/threads/"+th.ID.String()+"/runs",
		fmt.Sprintf(`{"assistant_id": %q}`, a.ID))
	require.Equal(t, http.StatusCreated, rec.Code)
	var run model.Run
	decodeData(t, rec, &run)

	rec = ts.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cancelled model.Run
	decodeData(t, rec, &cancelled)
	assert.Equal(t, model.RunStatusCancelled, cancelled.Status)

	// Idempotent.
	rec = ts.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeleteThreadCancelsActiveRuns(t *testing.T) {
	engine := &stream.ScriptedEngine{
		Script: []json.RawMessage{json.RawMessage(`["values", {}]`)},
		Delay:  10 * time.Second,
	}
	ts := newTestServer(t, engine)
	th := ts.createThread(t)
	a := ts.createAssistant(t, `{"name": "helper", "graph_id": "g"}`)

	rec := ts.do(t, http.MethodPost, "/v1/threads/"+th.ID.String()+"/runs",
		fmt.Sprintf(`{"assistant_id": %q}`, a.ID))
	require.Equal(t, http.StatusCreated, rec.Code)
	var run model.Run
	decodeData(t, rec, &run)

	rec = ts.do(t, http.MethodDelete, "/v1/threads/"+th.ID.String(), "")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/v1/runs/"+run.ID.String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamReplaysTerminalRun(t *testing.T) {
	ts := newTestServer(t, nil)
	th := ts.createThread(t)
	a := ts.createAssistant(t, `{"name": "helper", "graph_id": "g"}`)

	rec := ts.do(t, http.MethodPost, "/v1/threads/"+th.ID.String()+"/runs",
		fmt.Sprintf(`{"assistant_id": %q}`, a.ID))
	require.Equal(t, http.StatusCreated, rec.Code)
	var run model.Run
	decodeData(t, rec, &run)

	rec = ts.do(t, http.MethodGet, "/v1/runs/"+run.ID.String()+"/join", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// The run is terminal; the stream replays the log and returns.
	rec = ts.do(t, http.MethodGet, "/v1/runs/"+run.ID.String()+"/stream", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: values\n")
	assert.Contains(t, body, "id: "+model.FormatEventID(run.ID.String(), 0)+"\n")
	assert.Contains(t, body, "event: end\n")
	// Terminal envelope is the last frame.
	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	assert.True(t, strings.HasPrefix(frames[len(frames)-1], "event: end\n"),
		"last frame should be the terminal envelope: %q", frames[len(frames)-1])
}

func TestStreamResumesAfterCursor(t *testing.T) {
	ts := newTestServer(t, nil)
	th := ts.createThread(t)
	a := ts.createAssistant(t, `{"name": "helper", "graph_id": "g"}`)

	rec := ts.do(t, http.MethodPost, "/v1/threads/"+th.ID.String()+"/runs",
		fmt.Sprintf(`{"assistant_id": %q}`, a.ID))
	require.Equal(t, http.StatusCreated, rec.Code)
	var run model.Run
	decodeData(t, rec, &run)

	rec = ts.do(t, http.MethodGet, "/v1/runs/"+run.ID.String()+"/join", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Resume strictly after event 0 via the header.
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.ID.String()+"/stream", nil)
	req.Header.Set("Last-Event-ID", model.FormatEventID(run.ID.String(), 0))
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.NotContains(t, body, "id: "+model.FormatEventID(run.ID.String(), 0)+"\n")
	assert.Contains(t, body, "id: "+model.FormatEventID(run.ID.String(), 1)+"\n")
	assert.Contains(t, body, "event: end\n")
}

func TestStreamMalformedCursorReplaysFromStart(t *testing.T) {
	ts := newTestServer(t, nil)
	th := ts.createThread(t)
	a := ts.createAssistant(t, `{"name": "helper", "graph_id": "g"}`)

	rec := ts.do(t, http.MethodPost, "/v1/threads/"+th.ID.String()+"/runs",
		fmt.Sprintf(`{"assistant_id": %q}`, a.ID))
	require.Equal(t, http.StatusCreated, rec.Code)
	var run model.Run
	decodeData(t, rec, &run)

	rec = ts.do(t, http.MethodGet, "/v1/runs/"+run.ID.String()+"/join", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// An unparseable cursor is not a position; the full log replays,
	// event 0 included.
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.ID.String()+"/stream", nil)
	req.Header.Set("Last-Event-ID", "not-a-valid-id")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "id: "+model.FormatEventID(run.ID.String(), 0)+"\n")
	assert.Contains(t, body, "id: "+model.FormatEventID(run.ID.String(), 1)+"\n")
	assert.Contains(t, body, "event: end\n")
}

func TestStreamUnknownRun(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/v1/runs/"+uuid.New().String()+"/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthTokenDisabled(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/auth/token", `{"owner": "x", "api_key": "y"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDPropagated(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	var envelope struct {
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "req-123", envelope.Meta.RequestID)
}

func TestUnknownFieldRejected(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/threads", `{"bogus": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
