package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mindtide/sidecar/internal/controller"
)

// StateSource reports the current lifecycle state and backend URL. Satisfied
// by *controller.Controller.
type StateSource interface {
	State() controller.State
	ServerURL() string
}

// Result is the normalized shape every gateway call returns. Transport and
// not-running failures are data here, never panics or thrown errors.
type Result struct {
	OK     bool            `json:"ok"`
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Gateway is a thin client over the backend's local HTTP surface. Every call
// consults the lifecycle state first and fails fast with 503 when the backend
// is not Ready; no network I/O happens in that case. No retries are performed
// here; retry policy belongs to the caller.
type Gateway struct {
	src    StateSource
	client *resty.Client
	logger *slog.Logger
}

// New builds a gateway against the given state source.
func New(src StateSource, timeout time.Duration, log *slog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	return &Gateway{src: src, client: client, logger: log}
}

// HealthCheck probes GET /health. False when the backend is not Ready (no
// network call) or the probe does not come back 200.
func (g *Gateway) HealthCheck(ctx context.Context) bool {
	if g.src.State() != controller.Ready {
		return false
	}
	resp, err := g.client.R().SetContext(ctx).Get(g.src.ServerURL() + "/health")
	if err != nil {
		g.logger.Debug("health check failed", "err", err)
		return false
	}
	return resp.StatusCode() == http.StatusOK
}

// Request forwards one call to the backend verbatim and normalizes the
// response. body may be nil; a non-nil body is sent as JSON.
func (g *Gateway) Request(ctx context.Context, method, path string, body any) Result {
	if g.src.State() != controller.Ready {
		return Result{OK: false, Status: http.StatusServiceUnavailable, Error: "backend not running"}
	}
	req := g.client.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, g.src.ServerURL()+path)
	if err != nil {
		g.logger.Debug("backend request failed", "method", method, "path", path, "err", err)
		return Result{OK: false, Status: http.StatusInternalServerError, Error: err.Error()}
	}
	res := Result{
		OK:     resp.IsSuccess(),
		Status: resp.StatusCode(),
	}
	if b := resp.Body(); len(b) > 0 {
		if json.Valid(b) {
			res.Data = json.RawMessage(append([]byte(nil), b...))
		} else {
			quoted, _ := json.Marshal(string(b))
			res.Data = quoted
		}
	}
	if !res.OK {
		res.Error = http.StatusText(resp.StatusCode())
	}
	return res
}
