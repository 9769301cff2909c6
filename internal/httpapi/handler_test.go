package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/telemetry-agent/internal/logging/channel"
	"github.com/Chichichkin/telemetry-agent/internal/metrics"
	"github.com/Chichichkin/telemetry-agent/internal/persistence/memory"
	"github.com/Chichichkin/telemetry-agent/internal/testutils"
)

type env struct {
	mux    *http.ServeMux
	ch     *channel.Channel
	store  *memory.Store
	sender *testutils.MockSender
}

func newEnv(t *testing.T) *env {
	t.Helper()

	reg := prometheus.NewRegistry()
	store := memory.New()
	sender := &testutils.MockSender{Hold: true}
	ch, err := channel.New(context.Background(), channel.Options{
		Store:   store,
		Sender:  sender,
		Device:  &testutils.StaticDevice{},
		Metrics: metrics.NewChannelMetrics(reg),
	})
	require.NoError(t, err)
	t.Cleanup(ch.Close)
	require.NoError(t, ch.AddGroup(channel.GroupConfig{
		Name:               "analytics",
		MaxLogsPerBatch:    10,
		BatchInterval:      time.Hour,
		MaxParallelBatches: 1,
	}))

	mux := http.NewServeMux()
	NewHandler(ch, reg, nil).RegisterRoutes(mux)
	return &env{mux: mux, ch: ch, store: store, sender: sender}
}

func (e *env) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleEnqueue(t *testing.T) {
	cases := []struct {
		name   string
		group  string
		body   string
		status int
		queued int
	}{
		{
			name:   "accepted",
			group:  "analytics",
			body:   `[{"type":"pageView","properties":{"page":"home"}},{"type":" click "}]`,
			status: http.StatusAccepted,
			queued: 2,
		},
		{name: "unknown group", group: "nope", body: `[{"type":"x"}]`, status: http.StatusNotFound},
		{name: "invalid json", group: "analytics", body: `{invalid`, status: http.StatusBadRequest},
		{name: "trailing data", group: "analytics", body: `[{"type":"x"}] []`, status: http.StatusBadRequest},
		{name: "empty batch", group: "analytics", body: `[]`, status: http.StatusBadRequest},
		{name: "missing type", group: "analytics", body: `[{"message":"m"}]`, status: http.StatusBadRequest},
		{name: "null entry", group: "analytics", body: `[null]`, status: http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			rec := e.do(http.MethodPost, "/v1/groups/"+tc.group+"/logs", tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.queued, e.ch.Counter("analytics"))
		})
	}
}

func TestHandleEnqueue_IgnoresClientToffset(t *testing.T) {
	e := newEnv(t)
	before := time.Now().UnixMilli()

	rec := e.do(http.MethodPost, "/v1/groups/analytics/logs", `[{"type":"x","toffset":1500}]`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	batch, err := e.store.NextBatch(context.Background(), "analytics", 10)
	require.NoError(t, err)
	require.Len(t, batch.Logs, 1)
	assert.GreaterOrEqual(t, batch.Logs[0].Toffset, before)
}

func TestHandleEnqueue_DisabledChannel(t *testing.T) {
	e := newEnv(t)
	e.ch.SetEnabled(false)

	rec := e.do(http.MethodPost, "/v1/groups/analytics/logs", `[{"type":"x"}]`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestHandleEnqueue_MethodNotAllowed(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodGet, "/v1/groups/analytics/logs", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleStatus(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusAccepted, e.do(http.MethodPost, "/v1/groups/analytics/logs", `[{"type":"a"},{"type":"b"}]`).Code)

	rec := e.do(http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Enabled)
	require.Len(t, resp.Groups, 1)
	assert.Equal(t, channel.GroupStatus{Name: "analytics", Counter: 2, Queued: 2}, resp.Groups[0])
}

func TestHandleEnableDisable(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodPost, "/v1/disable", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, e.ch.IsEnabled())

	rec = e.do(http.MethodPost, "/v1/enable", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, e.ch.IsEnabled())

	_, reopens := e.sender.Closes()
	assert.Equal(t, 1, reopens)
}

func TestHandleClear(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusAccepted, e.do(http.MethodPost, "/v1/groups/analytics/logs", `[{"type":"a"}]`).Code)

	rec := e.do(http.MethodDelete, "/v1/groups/analytics/logs", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	n, err := e.store.Count(context.Background(), "analytics")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	rec = e.do(http.MethodDelete, "/v1/groups/nope/logs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusAccepted, e.do(http.MethodPost, "/v1/groups/analytics/logs", `[{"type":"a"}]`).Code)

	rec := e.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `telemetry_logs_enqueued_total{group="analytics"} 1`)
}
