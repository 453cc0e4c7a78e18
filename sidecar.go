// Package sidecar supervises a local language-runtime backend process for an
// embedding desktop application: it locates an interpreter, provisions an
// isolated dependency environment, optionally builds derived index artifacts,
// launches the backend, watches its output for readiness, and tears it down
// on exit. The embedding application talks to the running backend through the
// request gateway, which fails fast whenever the backend is not ready.
package sidecar

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mindtide/sidecar/internal/config"
	"github.com/mindtide/sidecar/internal/controller"
	"github.com/mindtide/sidecar/internal/gateway"
	"github.com/mindtide/sidecar/internal/logger"
	"github.com/mindtide/sidecar/internal/metrics"
	"github.com/mindtide/sidecar/internal/store"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Config = config.FileConfig

type ServerConfig = config.Server

type Snapshot = controller.Snapshot

type State = controller.State

type Result = gateway.Result

type Event = store.Event

// Lifecycle states of interest to embedders.
const (
	StateIdle    = controller.Idle
	StateReady   = controller.Ready
	StateStopped = controller.Stopped
	StateFailed  = controller.Failed
)

// Sidecar is the embeddable entry point: one lifecycle controller, one
// gateway, one optional history store, owned together.
type Sidecar struct {
	ctrl *controller.Controller
	gw   *gateway.Gateway
	hist *store.DB
	log  *slog.Logger
}

// New wires a Sidecar from configuration. The history store is opened when a
// path is configured; a store that fails to open is logged and skipped, never
// fatal.
func New(cfg *Config, log *slog.Logger) *Sidecar {
	if log == nil {
		log = logger.New(slog.LevelInfo, false)
	}
	var hist *store.DB
	if cfg.History.Path != "" {
		db, err := store.Open(cfg.History.Path)
		if err == nil {
			if serr := db.EnsureSchema(context.Background()); serr != nil {
				_ = db.Close()
				log.Warn("history schema setup failed, continuing without history", "err", serr)
			} else {
				hist = db
			}
		} else {
			log.Warn("history store unavailable, continuing without history", "path", cfg.History.Path, "err", err)
		}
	}
	ctrl := controller.New(cfg, log, hist)
	return &Sidecar{
		ctrl: ctrl,
		gw:   gateway.New(ctrl, 10*time.Second, log),
		hist: hist,
		log:  log,
	}
}

// LoadConfig reads the TOML configuration at path.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig returns the dev-bundle configuration rooted at baseDir.
func DefaultConfig(baseDir string) *Config { return config.Default(baseDir) }

// NewLogger builds the application logger used across the module.
func NewLogger(level slog.Level, color bool) *slog.Logger { return logger.New(level, color) }

// Initialize runs the full startup sequence and blocks until the backend is
// ready or a fatal stage error occurs. Concurrent calls are collapsed: only
// the first does any work.
func (s *Sidecar) Initialize(ctx context.Context) error { return s.ctrl.Initialize(ctx) }

// Shutdown terminates the backend and always converges to Stopped. Safe to
// call at any time, repeatedly, from any state.
func (s *Sidecar) Shutdown(ctx context.Context) error {
	err := s.ctrl.Shutdown(ctx)
	if s.hist != nil {
		_ = s.hist.Close()
		s.hist = nil
	}
	return err
}

// Status returns the current lifecycle snapshot.
func (s *Sidecar) Status() Snapshot { return s.ctrl.Status() }

// HealthCheck probes the backend's health endpoint; false when not ready.
func (s *Sidecar) HealthCheck(ctx context.Context) bool { return s.gw.HealthCheck(ctx) }

// Request forwards one HTTP call to the backend, failing fast with 503 when
// it is not ready.
func (s *Sidecar) Request(ctx context.Context, method, path string, body any) Result {
	return s.gw.Request(ctx, method, path, body)
}

// History returns recent lifecycle events, newest first.
func (s *Sidecar) History(ctx context.Context, limit int) ([]Event, error) {
	return s.ctrl.History(ctx, limit)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves the default registry; the embedding wires the route.
func MetricsHandler() http.Handler { return metrics.Handler() }
