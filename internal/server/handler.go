package server

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"github.com/valyala/fastjson"

	"github.com/costpilot/resilience/internal/orchestrator"
	"github.com/costpilot/resilience/internal/throttle"
)

var parserPool = sync.Pool{
	New: func() interface{} {
		return &fastjson.Parser{}
	},
}

// Handler routes HTTP requests to the orchestrator
type Handler struct {
	orch        *orchestrator.Orchestrator
	promHandler fasthttp.RequestHandler
}

// NewHandler creates a new request handler
func NewHandler(orch *orchestrator.Orchestrator, promReg *prometheus.Registry) *Handler {
	return &Handler{
		orch: orch,
		promHandler: fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		),
	}
}

// Handle dispatches by method and path
func (h *Handler) Handle(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())

	switch {
	case ctx.IsPost() && path == "/v1/process":
		h.handleProcess(ctx)
	case ctx.IsGet() && path == "/v1/health":
		h.writeJSON(ctx, fasthttp.StatusOK, h.orch.SystemHealth())
	case ctx.IsGet() && path == "/v1/metrics":
		h.writeJSON(ctx, fasthttp.StatusOK, h.orch.Metrics())
	case ctx.IsGet() && path == "/metrics":
		h.promHandler(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (h *Handler) handleProcess(ctx *fasthttp.RequestCtx) {
	parser := parserPool.Get().(*fastjson.Parser)
	defer parserPool.Put(parser)

	v, err := parser.ParseBytes(ctx.PostBody())
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetBodyString(`{"error":"invalid JSON"}`)
		return
	}

	requestType := string(v.GetStringBytes("type"))
	if requestType == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetBodyString(`{"error":"missing request type"}`)
		return
	}

	caller := orchestrator.Caller{
		ID:       string(v.GetStringBytes("caller", "id")),
		Tier:     throttle.Tier(string(v.GetStringBytes("caller", "tier"))),
		Critical: v.GetBool("caller", "critical"),
		ReadOnly: v.GetBool("caller", "read_only"),
		Batch:    v.GetBool("caller", "batch"),
	}
	if caller.ID == "" {
		caller.ID = ctx.RemoteIP().String()
	}
	if caller.Tier == "" {
		caller.Tier = throttle.TierFree
	}

	payload := valueToMap(v.Get("payload"))

	resp := h.orch.ProcessRequest(ctx, requestType, payload, caller)

	status := fasthttp.StatusOK
	switch resp.Status {
	case "throttled":
		status = fasthttp.StatusTooManyRequests
		if resp.RetryAfter > 0 {
			secs := int(resp.RetryAfter / time.Second)
			if secs < 1 {
				secs = 1
			}
			ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
		}
	case "error":
		status = fasthttp.StatusServiceUnavailable
	}
	h.writeJSON(ctx, status, resp)
}

func (h *Handler) writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Errorf("Response encode failed: %v", err)
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// valueToMap converts a parsed JSON object to the generic map the
// orchestrator expects
func valueToMap(v *fastjson.Value) map[string]interface{} {
	out := make(map[string]interface{})
	if v == nil {
		return out
	}
	obj, err := v.Object()
	if err != nil {
		return out
	}
	obj.Visit(func(key []byte, val *fastjson.Value) {
		out[string(key)] = valueToInterface(val)
	})
	return out
}

func valueToInterface(v *fastjson.Value) interface{} {
	switch v.Type() {
	case fastjson.TypeObject:
		return valueToMap(v)
	case fastjson.TypeArray:
		arr := v.GetArray()
		out := make([]interface{}, 0, len(arr))
		for _, item := range arr {
			out = append(out, valueToInterface(item))
		}
		return out
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		return v.GetFloat64()
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	default:
		return nil
	}
}
