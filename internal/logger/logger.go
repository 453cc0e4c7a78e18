package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for raw backend output files.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// TeeConfig describes where raw child stdout/stderr is persisted. The
// supervisor classifies lines for its own state machine; the tee keeps the
// unmodified stream on disk so backend logs survive the process.
// Rotation parameters follow lumberjack semantics.
type TeeConfig struct {
	Dir        string // base directory; files are <name>.stdout.log / <name>.stderr.log
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ChildWriters returns rotating writers for the named child's two streams.
// A zero Dir disables the tee; both writers are nil then.
func (c TeeConfig) ChildWriters(name string) (stdout, stderr io.WriteCloser) {
	if c.Dir == "" {
		return nil, nil
	}
	_ = os.MkdirAll(c.Dir, 0o750)
	mk := func(suffix string) io.WriteCloser {
		return &lj.Logger{
			Filename:   filepath.Join(c.Dir, name+"."+suffix+".log"),
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
	}
	return mk("stdout"), mk("stderr")
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// New builds the application logger. Interactive runs get the colored text
// handler; otherwise a plain text handler at the given level.
func New(level slog.Level, color bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if color {
		return slog.New(NewColorTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
