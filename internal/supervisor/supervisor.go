package supervisor

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/mindtide/sidecar/internal/logger"
	"github.com/mindtide/sidecar/internal/logline"
)

// Command describes the backend process to spawn: interpreter, arguments,
// working directory, and a fully composed environment.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Options are the per-launch readiness parameters. All durations come from
// configuration; the supervisor has no built-in timing constants.
type Options struct {
	// Name labels the child in logs and tee filenames.
	Name string
	// ReadinessMarkers are the substrings whose appearance in output signals
	// the backend is accepting requests.
	ReadinessMarkers []string
	// SettleDelay is the pause between seeing a marker and committing to
	// Ready. The marker can print slightly before the listening socket is
	// bound, so readiness is two-phase: marker seen, then settle.
	SettleDelay time.Duration
	// StartupTimeout bounds the whole launch; expiry kills the child.
	StartupTimeout time.Duration
	// OnAwaitingReady, when set, is called once the process is spawned and
	// the supervisor starts watching for the marker.
	OnAwaitingReady func()
}

// Supervisor launches the backend, drains both output streams for the life of
// the process, and resolves a launch exactly once: with a ready Child or with
// a startup error after killing whatever was spawned.
type Supervisor struct {
	Logger *slog.Logger
	Tee    logger.TeeConfig
}

func New(log *slog.Logger, tee logger.TeeConfig) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{Logger: log, Tee: tee}
}

// Launch spawns the backend and blocks until it is ready, it fails, or the
// startup timeout fires. On every error path any spawned process has been
// killed before Launch returns. On success the returned Child is live and
// both streams keep being drained in the background until it exits.
func (s *Supervisor) Launch(ctx context.Context, spec Command, opts Options) (*Child, error) {
	cls := logline.New(opts.ReadinessMarkers)

	// #nosec G204 -- path and args come from the resolved runtime config
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	configureSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &CrashError{ExitErr: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &CrashError{ExitErr: err}
	}

	teeOut, teeErr := s.Tee.ChildWriters(opts.Name)
	if err := cmd.Start(); err != nil {
		closeWriter(teeOut)
		closeWriter(teeErr)
		return nil, &CrashError{ExitErr: err}
	}
	child := newChild(cmd)
	s.Logger.Info("backend spawned", "name", opts.Name, "pid", child.PID())

	lines := make(chan logline.Line, 64)
	var wg sync.WaitGroup
	wg.Add(2)
	go s.drain(stdout, logline.Stdout, cls, teeOut, lines, &wg)
	go s.drain(stderr, logline.Stderr, cls, teeErr, lines, &wg)
	go func() {
		// Wait must not run until both pipes hit EOF.
		wg.Wait()
		close(lines)
		waitErr := cmd.Wait()
		closeWriter(teeOut)
		closeWriter(teeErr)
		child.markExited(waitErr)
	}()

	if opts.OnAwaitingReady != nil {
		opts.OnAwaitingReady()
	}
	return s.awaitReady(ctx, child, lines, opts)
}

// awaitReady is the single decision point for the launch result. It runs in
// the caller's goroutine, so resolution is inherently single-fire, and the
// settle timer cannot commit Ready after a timeout or crash has already been
// chosen.
func (s *Supervisor) awaitReady(ctx context.Context, child *Child, lines <-chan logline.Line, opts Options) (*Child, error) {
	timeout := time.NewTimer(opts.StartupTimeout)
	defer timeout.Stop()

	var settle *time.Timer
	var settleC <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	fail := func(err error) (*Child, error) {
		child.Kill()
		go s.drainBackground(opts.Name, lines)
		return nil, err
	}

	for {
		select {
		case ln, ok := <-lines:
			if !ok {
				// Streams closed; the exit notification arrives via Done.
				lines = nil
				continue
			}
			s.logLine(opts.Name, ln)
			switch ln.Class {
			case logline.ReadinessMarker:
				if settleC == nil {
					settle = time.NewTimer(opts.SettleDelay)
					settleC = settle.C
				}
			case logline.FatalError:
				return fail(&CrashError{Line: ln.Text})
			}
		case <-settleC:
			s.Logger.Info("backend ready", "name", opts.Name, "pid", child.PID())
			go s.drainBackground(opts.Name, lines)
			return child, nil
		case <-child.Done():
			return nil, &CrashError{ExitErr: child.ExitErr()}
		case <-timeout.C:
			return fail(&TimeoutError{Timeout: opts.StartupTimeout})
		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}
}

// drain reads one stream line by line, tees the raw bytes, classifies, and
// forwards. Both streams must be consumed continuously or the child can block
// on a full pipe.
func (s *Supervisor) drain(r io.Reader, origin logline.Origin, cls *logline.Classifier, tee io.Writer, out chan<- logline.Line, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		text := sc.Text()
		if tee != nil {
			_, _ = tee.Write(append([]byte(text), '\n'))
		}
		out <- cls.Classify(origin, text)
	}
}

// drainBackground keeps consuming classified lines after the launch has
// resolved. Past that point stderr content is logged only; nothing here can
// fail the supervisor.
func (s *Supervisor) drainBackground(name string, lines <-chan logline.Line) {
	if lines == nil {
		return
	}
	for ln := range lines {
		s.logLine(name, ln)
	}
}

func (s *Supervisor) logLine(name string, ln logline.Line) {
	attrs := []any{"origin", ln.Origin.String(), "class", ln.Class.String(), "line", ln.Text}
	if name != "" {
		attrs = append(attrs, "name", name)
	}
	switch ln.Class {
	case logline.AccessLog:
		s.Logger.Debug("backend output", attrs...)
	case logline.FatalError:
		s.Logger.Warn("backend output", attrs...)
	default:
		s.Logger.Info("backend output", attrs...)
	}
}

func closeWriter(w io.Closer) {
	if w != nil {
		_ = w.Close()
	}
}
