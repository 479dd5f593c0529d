package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fastjson"

	"github.com/costpilot/resilience/internal/cache"
	"github.com/costpilot/resilience/internal/circuit"
	"github.com/costpilot/resilience/internal/events"
	"github.com/costpilot/resilience/internal/health"
	"github.com/costpilot/resilience/internal/memo"
	"github.com/costpilot/resilience/internal/orchestrator"
	"github.com/costpilot/resilience/internal/throttle"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	bus := events.NewBus()

	c := cache.New(cache.Config{SweepInterval: time.Hour}, nil)
	t.Cleanup(c.Stop)
	m := memo.New(memo.Config{Interval: time.Hour}, c)
	t.Cleanup(m.Stop)
	d := circuit.NewController(bus)
	t.Cleanup(d.Stop)
	th := throttle.NewController(throttle.Config{GlobalConcurrency: 50}, bus)
	t.Cleanup(th.Stop)
	mon := health.NewMonitor(health.Config{EvalInterval: time.Hour}, health.RecoveryHooks{}, nil, bus)
	t.Cleanup(mon.Stop)

	orch := orchestrator.New(orchestrator.Config{
		SnapshotInterval: time.Hour,
		LoadFeedInterval: time.Hour,
	}, c, m, d, th, mon, bus, nil, nil)
	t.Cleanup(orch.Stop)

	d.Register(circuit.FeatureConfig{
		Name:             "cost_estimation",
		FailureThreshold: 5,
		RecoveryTimeout:  time.Hour,
		ExecutionTimeout: time.Second,
	})
	orch.RegisterOperation("estimate", "cost_estimation", func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		return payload, nil
	})

	return NewHandler(orch, prometheus.NewRegistry())
}

func doRequest(h *Handler, method, uri, body string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	if body != "" {
		req.SetBodyString(body)
	}
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	h.Handle(ctx)
	return ctx
}

func TestProcessEndpoint(t *testing.T) {
	h := newTestHandler(t)

	ctx := doRequest(h, "POST", "/v1/process", `{
		"type": "estimate",
		"caller": {"id": "shop-1", "tier": "premium"},
		"payload": {"items": [{"quantity": 2, "unit_cost": 10}], "note": "rush"}
	}`)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var resp struct {
		Status string                 `json:"status"`
		Value  map[string]interface{} `json:"value"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "rush", resp.Value["note"])

	items, ok := resp.Value["items"].([]interface{})
	require.True(t, ok)
	assert.Len(t, items, 1)
}

func TestProcessRejectsBadInput(t *testing.T) {
	h := newTestHandler(t)

	ctx := doRequest(h, "POST", "/v1/process", `{not json`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = doRequest(h, "POST", "/v1/process", `{"payload": {}}`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestUnknownRouteIs404(t *testing.T) {
	h := newTestHandler(t)

	ctx := doRequest(h, "GET", "/v2/other", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	ctx = doRequest(h, "GET", "/v1/process", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode(), "process is POST-only")
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	h := newTestHandler(t)

	ctx := doRequest(h, "GET", "/v1/health", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var healthView map[string]interface{}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &healthView))
	assert.Contains(t, healthView, "degradation_level")

	ctx = doRequest(h, "GET", "/v1/metrics", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var metricsView map[string]interface{}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &metricsView))
	assert.Contains(t, metricsView, "throttle")
}

func TestValueConversion(t *testing.T) {
	v, err := fastjson.Parse(`{
		"name": "widget",
		"count": 3,
		"price": 9.5,
		"active": true,
		"missing": null,
		"tags": ["a", "b"],
		"nested": {"deep": false}
	}`)
	require.NoError(t, err)

	out := valueToMap(v)
	assert.Equal(t, "widget", out["name"])
	assert.Equal(t, 3.0, out["count"])
	assert.Equal(t, 9.5, out["price"])
	assert.Equal(t, true, out["active"])
	assert.Nil(t, out["missing"])
	assert.Equal(t, []interface{}{"a", "b"}, out["tags"])

	nested, ok := out["nested"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, nested["deep"])
}

func TestValueConversionEmpty(t *testing.T) {
	assert.Empty(t, valueToMap(nil))

	v, err := fastjson.Parse(`"just a string"`)
	require.NoError(t, err)
	assert.Empty(t, valueToMap(v))
}
