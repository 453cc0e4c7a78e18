package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/mindtide/sidecar"
)

func loadConfig(gf *GlobalFlags) (*sidecar.Config, error) {
	if gf.ConfigPath != "" {
		return sidecar.LoadConfig(gf.ConfigPath)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return sidecar.DefaultConfig(wd), nil
}

func newRunCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the backend and supervise it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			log := sidecar.NewLogger(parseLevel(cfg.Log.Level), cfg.Log.Color)
			if err := sidecar.RegisterMetricsDefault(); err != nil {
				return err
			}

			sc := sidecar.New(cfg, log)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := statusServer(gf.ListenAddr, sc)
			go func() { _ = srv.ListenAndServe() }()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			if err := sc.Initialize(ctx); err != nil {
				// Leave the process up in degraded mode: the status endpoint
				// keeps reporting the failure until the user quits.
				log.Error("backend unavailable, running degraded", "err", err)
			}
			<-ctx.Done()
			log.Info("shutting down")
			return sc.Shutdown(context.Background())
		},
	}
}

func newStatusCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running sidecar instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := "http://" + gf.ListenAddr + "/status"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("sidecar not reachable at %s: %w", gf.ListenAddr, err)
			}
			defer func() { _ = resp.Body.Close() }()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Println(strings.TrimSpace(string(body)))
			return nil
		},
	}
}

// statusServer exposes the embedding-side local surface: the lifecycle
// snapshot, a health probe proxied through the gateway, recent history, and
// Prometheus metrics.
func statusServer(addr string, sc *sidecar.Sidecar) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, sc.Status())
	})
	g.GET("/health", func(c *gin.Context) {
		if sc.HealthCheck(c.Request.Context()) {
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
	})
	g.GET("/history", func(c *gin.Context) {
		events, err := sc.History(c.Request.Context(), 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, events)
	})
	g.GET("/metrics", gin.WrapH(sidecar.MetricsHandler()))
	return &http.Server{
		Addr:              addr,
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
