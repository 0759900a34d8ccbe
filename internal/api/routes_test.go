package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
	"dirwatch/internal/watcher"
)

type testServer struct {
	server   *httptest.Server
	watcher  *watcher.Watcher
	hub      *watcher.EventHub
	registry *metrics.Registry
	logger   *logging.Logger
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	registry := &metrics.Registry{}
	instance, err := watcher.NewWithOptions(watcher.Options{
		Logger:         logging.Discard(),
		Backend:        watcher.BackendPoll,
		PollInterval:   20 * time.Millisecond,
		SettlingWindow: 20 * time.Millisecond,
		Metrics:        registry,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = instance.Close() })

	hub := watcher.NewEventHub(context.Background(), watcher.HubOptions{HistorySize: 16, Metrics: registry})
	t.Cleanup(func() { _ = hub.Close() })
	hub.Attach(instance)

	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(64), logging.LevelInfo, nil)
	mux := http.NewServeMux()
	RegisterRoutes(mux, Options{
		Watches:   instance,
		Hub:       hub,
		Metrics:   registry,
		Logger:    logger,
		AuthToken: token,
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &testServer{server: server, watcher: instance, hub: hub, registry: registry, logger: logger}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestWatchLifecycle(t *testing.T) {
	ts := newTestServer(t, "")
	dir := t.TempDir()

	resp := ts.do(t, http.MethodPost, "/watches", map[string]any{"path": dir, "recursive": false})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created watcher.WatchTarget
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotZero(t, created.ID)
	assert.Equal(t, filepath.Clean(dir), created.Root)
	assert.False(t, created.Recursive)

	resp = ts.do(t, http.MethodPost, "/watches", map[string]any{"path": dir})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/watches", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var targets []watcher.WatchTarget
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&targets))
	require.Len(t, targets, 1)
	assert.Equal(t, created, targets[0])

	resp = ts.do(t, http.MethodDelete, "/watches/"+strconvID(created.ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/watches/"+strconvID(created.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, ts.watcher.Targets())
}

func TestAddWatchErrors(t *testing.T) {
	ts := newTestServer(t, "")
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"missing", map[string]any{"path": filepath.Join(dir, "absent")}, http.StatusNotFound, "path_not_found"},
		{"file", map[string]any{"path": file}, http.StatusBadRequest, "not_directory"},
		{"empty", map[string]any{"path": " "}, http.StatusBadRequest, "invalid_request"},
		{"unknown field", map[string]any{"path": dir, "depth": 2}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/watches", tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			var payload errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
			assert.Equal(t, tc.code, payload.Code)
		})
	}

	resp := ts.do(t, http.MethodDelete, "/watches/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWatchesRequireToken(t *testing.T) {
	ts := newTestServer(t, "secret")

	resp := ts.do(t, http.MethodGet, "/watches", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/watches?token=secret", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsAndHealth(t *testing.T) {
	ts := newTestServer(t, "")
	ts.registry.IncEmitted("create")

	resp := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dirwatch_")

	resp = ts.do(t, http.MethodGet, "/healthz", nil)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(body))

	resp = ts.do(t, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsStreamReplaysAndFilters(t *testing.T) {
	ts := newTestServer(t, "")
	require.NoError(t, ts.hub.Invoke(watcher.SemanticEvent{Kind: watcher.Create, Path: "/r/a"}))
	require.NoError(t, ts.hub.Invoke(watcher.SemanticEvent{Kind: watcher.Update, Path: "/r/a"}))
	require.NoError(t, ts.hub.Invoke(watcher.SemanticEvent{Kind: watcher.Delete, Path: "/r/a"}))

	wsURL := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/events?replay=3&type=create,delete"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	for _, want := range []watcher.WireEvent{{Type: "create", Path: "/r/a"}, {Type: "delete", Path: "/r/a"}} {
		var got watcher.WireEvent
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, want, got)
	}

	require.NoError(t, ts.hub.Invoke(watcher.SemanticEvent{Kind: watcher.Create, Path: "/r/live"}))
	var live watcher.WireEvent
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, watcher.WireEvent{Type: "create", Path: "/r/live"}, live)
}

func TestEventsReplayCountsOnlyMatchingKinds(t *testing.T) {
	ts := newTestServer(t, "")
	require.NoError(t, ts.hub.Invoke(watcher.SemanticEvent{Kind: watcher.Create, Path: "/r/a"}))
	require.NoError(t, ts.hub.Invoke(watcher.SemanticEvent{Kind: watcher.Update, Path: "/r/a"}))
	require.NoError(t, ts.hub.Invoke(watcher.SemanticEvent{Kind: watcher.Update, Path: "/r/b"}))

	wsURL := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/events?replay=1&type=create"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var got watcher.WireEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, watcher.WireEvent{Type: "create", Path: "/r/a"}, got)
}

func TestEventsRejectsBadQuery(t *testing.T) {
	ts := newTestServer(t, "")
	for _, query := range []string{"replay=-1", "replay=x", "type=rename"} {
		resp := ts.do(t, http.MethodGet, "/events?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}
}

func TestEventsEndToEnd(t *testing.T) {
	ts := newTestServer(t, "")
	dir := t.TempDir()
	_, err := ts.watcher.Watch(dir)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	path := filepath.Join(dir, "streamed.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.Eventually(t, func() bool {
		ts.watcher.ProcessEvents()
		return ts.hub.Bus() != nil && len(ts.hub.Bus().DumpHistory()) > 0
	}, 5*time.Second, 20*time.Millisecond, "poll pass never surfaced the change")

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var got watcher.WireEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, watcher.WireEvent{Type: "create", Path: path}, got)
}

func TestRecentEventsAndStatus(t *testing.T) {
	ts := newTestServer(t, "")
	require.NoError(t, ts.hub.Invoke(watcher.SemanticEvent{Kind: watcher.Create, Path: "/r/a"}))
	require.NoError(t, ts.hub.Invoke(watcher.SemanticEvent{Kind: watcher.Update, Path: "/r/a"}))
	require.NoError(t, ts.hub.Invoke(watcher.SemanticEvent{Kind: watcher.Delete, Path: "/r/b"}))

	resp := ts.do(t, http.MethodGet, "/events/recent?type=create,delete&limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []watcher.WireEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	assert.Equal(t, []watcher.WireEvent{{Type: "create", Path: "/r/a"}, {Type: "delete", Path: "/r/b"}}, events)

	resp = ts.do(t, http.MethodGet, "/events/recent?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	assert.Equal(t, []watcher.WireEvent{{Type: "delete", Path: "/r/b"}}, events)

	for _, query := range []string{"type=rename", "limit=0"} {
		resp := ts.do(t, http.MethodGet, "/events/recent?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}

	_, cancel := ts.hub.Bus().Subscribe()
	defer cancel()
	resp = ts.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 0, status.Watches)
	require.NotNil(t, status.Events)
	assert.Equal(t, "semantic_events", status.Events.Name)
	assert.Equal(t, int64(3), status.Events.Published)
	assert.Equal(t, int64(0), status.Events.Dropped)
	assert.Equal(t, 1, status.Events.Subscribers)
}

func TestStatusRequiresToken(t *testing.T) {
	ts := newTestServer(t, "secret")
	for _, path := range []string{"/status", "/events/recent"} {
		resp := ts.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func strconvID(id watcher.WatchID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func TestRecentLogs(t *testing.T) {
	ts := newTestServer(t, "")
	ts.logger.Info("watching", logging.Fields{"path": "/r"})
	ts.logger.Warn("subscriber failed", nil)
	ts.logger.Error("event source failed", nil)

	resp := ts.do(t, http.MethodGet, "/logs/recent?level=warning&limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []logging.LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "event source failed", entries[0].Message)

	for _, query := range []string{"level=trace", "limit=0", "limit=x"} {
		resp := ts.do(t, http.MethodGet, "/logs/recent?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}
}

func TestLogStream(t *testing.T) {
	ts := newTestServer(t, "secret")

	base := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/logs?level=warning"
	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{"Authorization": []string{"Bearer secret"}}
	conn, _, err := websocket.DefaultDialer.Dial(base, header)
	require.NoError(t, err)
	defer conn.Close()

	ts.logger.Info("routine", nil)
	ts.logger.Warn("queue dropped events", logging.Fields{"count": "3"})

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var entry logging.LogEntry
	require.NoError(t, conn.ReadJSON(&entry))
	assert.Equal(t, "queue dropped events", entry.Message)
	assert.Equal(t, logging.LevelWarning, entry.Level)
	assert.Equal(t, "3", entry.Context["count"])
}
