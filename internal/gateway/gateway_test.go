package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindtide/sidecar/internal/controller"
)

type fakeSource struct {
	state controller.State
	url   string
}

func (f *fakeSource) State() controller.State { return f.state }
func (f *fakeSource) ServerURL() string       { return f.url }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRequestFailsFastWhenNotReady(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	for _, state := range []controller.State{
		controller.Idle, controller.Provisioning, controller.Indexing,
		controller.Launching, controller.AwaitingReady, controller.Terminating,
		controller.Stopped, controller.Failed,
	} {
		g := New(&fakeSource{state: state, url: srv.URL}, time.Second, quietLogger())
		res := g.Request(context.Background(), http.MethodGet, "/api/query", nil)
		assert.False(t, res.OK, "state %v", state)
		assert.Equal(t, http.StatusServiceUnavailable, res.Status, "state %v", state)
		assert.Equal(t, "backend not running", res.Error, "state %v", state)
	}
	assert.Zero(t, hits.Load(), "no network call may happen before Ready")
}

func TestRequestForwardsAndNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "hello", body["message"])
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"answer":"hi"}`))
	}))
	defer srv.Close()

	g := New(&fakeSource{state: controller.Ready, url: srv.URL}, time.Second, quietLogger())
	res := g.Request(context.Background(), http.MethodPost, "/api/chat", map[string]string{"message": "hello"})
	require.True(t, res.OK)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.JSONEq(t, `{"answer":"hi"}`, string(res.Data))
	assert.Empty(t, res.Error)
}

func TestRequestWrapsNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	g := New(&fakeSource{state: controller.Ready, url: srv.URL}, time.Second, quietLogger())
	res := g.Request(context.Background(), http.MethodGet, "/", nil)
	require.True(t, res.OK)
	assert.Equal(t, `"plain text"`, string(res.Data))
}

func TestRequestBackendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	g := New(&fakeSource{state: controller.Ready, url: srv.URL}, time.Second, quietLogger())
	res := g.Request(context.Background(), http.MethodGet, "/api/query", nil)
	assert.False(t, res.OK)
	assert.Equal(t, http.StatusBadGateway, res.Status)
	assert.Equal(t, http.StatusText(http.StatusBadGateway), res.Error)
}

func TestRequestTransportError(t *testing.T) {
	// Closed server: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	g := New(&fakeSource{state: controller.Ready, url: url}, time.Second, quietLogger())
	res := g.Request(context.Background(), http.MethodGet, "/health", nil)
	assert.False(t, res.OK)
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestHealthCheck(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := &fakeSource{state: controller.Ready, url: srv.URL}
	g := New(src, time.Second, quietLogger())

	healthy.Store(true)
	assert.True(t, g.HealthCheck(context.Background()))

	healthy.Store(false)
	assert.False(t, g.HealthCheck(context.Background()))

	src.state = controller.Stopped
	assert.False(t, g.HealthCheck(context.Background()), "no probe when not Ready")
}
