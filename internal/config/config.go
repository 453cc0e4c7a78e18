package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/mindtide/sidecar/internal/env"
)

// Server is the immutable per-launch backend configuration. It is assembled
// fresh for every initialize and not mutated once a launch begins.
type Server struct {
	Host        string
	Port        int
	Mode        string  // "development" or "production"
	Env         env.Vars // variables injected into the child
	RuntimePath string  // interpreter used to run the entry script
	Script      string  // backend entry script
	WorkDir     string
}

// URL returns the backend's local base URL.
func (s Server) URL() string {
	host := s.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.Port)
}

// FileConfig is the embedding application's TOML configuration.
type FileConfig struct {
	Backend   BackendConfig   `mapstructure:"backend"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Supervise SuperviseConfig `mapstructure:"supervise"`
	Log       LogConfig       `mapstructure:"log"`
	History   HistoryConfig   `mapstructure:"history"`
}

type BackendConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Mode          string `mapstructure:"mode"`
	EntryScript   string `mapstructure:"entry_script"`
	IndexScript   string `mapstructure:"index_script"`
	CredentialKey string `mapstructure:"credential_key"`
	// Packaged selects the packaged directory layout; off means the in-place
	// dev bundle, which mirrors it.
	Packaged bool `mapstructure:"packaged"`
}

type PathsConfig struct {
	BundleDir string `mapstructure:"bundle_dir"` // root searched for a bundled runtime
	EnvDir    string `mapstructure:"env_dir"`    // provisioned environment target
	Manifest  string `mapstructure:"manifest"`   // dependency manifest (may be absent)
	DocsDir   string `mapstructure:"docs_dir"`   // indexing input documents
	IndexDir  string `mapstructure:"index_dir"`  // indexing output artifacts
	DataDir   string `mapstructure:"data_dir"`   // backend working/storage directory
}

type SuperviseConfig struct {
	ReadinessMarkers []string      `mapstructure:"readiness_markers"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	StartupTimeout   time.Duration `mapstructure:"startup_timeout"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Color    bool   `mapstructure:"color"`
	ChildDir string `mapstructure:"child_dir"` // raw backend output tee directory
}

type HistoryConfig struct {
	Path string `mapstructure:"path"` // sqlite file; empty disables history
}

// Tunables are environment-variable overrides for the timing knobs, applied
// on top of the file config. Zero values mean "no override".
type Tunables struct {
	StartupTimeout time.Duration `envconfig:"STARTUP_TIMEOUT"`
	SettleDelay    time.Duration `envconfig:"SETTLE_DELAY"`
	ShutdownGrace  time.Duration `envconfig:"SHUTDOWN_GRACE"`
}

// LoadTunables reads SIDECAR_* overrides from the process environment.
func LoadTunables() (Tunables, error) {
	var t Tunables
	if err := envconfig.Process("sidecar", &t); err != nil {
		return Tunables{}, fmt.Errorf("load tunables: %w", err)
	}
	return t, nil
}

// Load reads the TOML config file at path and applies defaults and SIDECAR_*
// environment overrides.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	t, err := LoadTunables()
	if err != nil {
		return nil, err
	}
	fc.applyTunables(t)
	return &fc, nil
}

// Default returns the configuration used when no file is given: a dev bundle
// rooted at baseDir.
func Default(baseDir string) *FileConfig {
	v := viper.New()
	setDefaults(v)
	var fc FileConfig
	_ = v.Unmarshal(&fc)
	fc.Paths = PathsConfig{
		BundleDir: baseDir,
		EnvDir:    filepath.Join(baseDir, "venv"),
		Manifest:  filepath.Join(baseDir, "requirements.txt"),
		DocsDir:   filepath.Join(baseDir, "docs"),
		IndexDir:  filepath.Join(baseDir, "vector_store"),
		DataDir:   baseDir,
	}
	fc.Backend.EntryScript = filepath.Join(baseDir, "run.py")
	fc.Backend.IndexScript = filepath.Join(baseDir, "index_pdfs.py")
	if t, err := LoadTunables(); err == nil {
		fc.applyTunables(t)
	}
	return &fc
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.host", "127.0.0.1")
	v.SetDefault("backend.port", 5000)
	v.SetDefault("backend.mode", "production")
	v.SetDefault("backend.credential_key", "GOOGLE_API_KEY")
	v.SetDefault("supervise.readiness_markers", []string{"Starting server on", "Running on"})
	v.SetDefault("supervise.settle_delay", "400ms")
	v.SetDefault("supervise.startup_timeout", "30s")
	v.SetDefault("supervise.shutdown_grace", "4s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", true)
}

func (c *FileConfig) applyTunables(t Tunables) {
	if t.StartupTimeout > 0 {
		c.Supervise.StartupTimeout = t.StartupTimeout
	}
	if t.SettleDelay > 0 {
		c.Supervise.SettleDelay = t.SettleDelay
	}
	if t.ShutdownGrace > 0 {
		c.Supervise.ShutdownGrace = t.ShutdownGrace
	}
}

// BuildServer assembles the per-launch Server config from the file config and
// the located runtime. Credentials and storage paths are passed through to
// the child keyed the way the backend reads them.
func (c *FileConfig) BuildServer(runtimePath string) Server {
	vars := env.Vars{
		"FLASK_HOST": c.Backend.Host,
		"FLASK_PORT": strconv.Itoa(c.Backend.Port),
		"FLASK_ENV":  c.Backend.Mode,
	}
	if c.Paths.IndexDir != "" {
		vars["VECTOR_STORE_PATH"] = c.Paths.IndexDir
	}
	if c.Paths.DataDir != "" {
		vars["DATABASE_PATH"] = filepath.Join(c.Paths.DataDir, "conversations.db")
	}
	if key := c.Backend.CredentialKey; key != "" {
		if val := os.Getenv(key); val != "" {
			vars[key] = val
		}
	}
	return Server{
		Host:        c.Backend.Host,
		Port:        c.Backend.Port,
		Mode:        c.Backend.Mode,
		Env:         vars,
		RuntimePath: runtimePath,
		Script:      c.Backend.EntryScript,
		WorkDir:     c.Paths.DataDir,
	}
}
