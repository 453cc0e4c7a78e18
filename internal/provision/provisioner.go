package provision

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
)

// checksumFile sits next to the environment and records the manifest hash the
// environment was last installed from. Existence of the environment directory
// alone short-circuits provisioning, so a drifted manifest is only surfaced
// as a warning, not reinstalled.
const checksumFile = ".manifest.sha256"

// Error is a fatal provisioning failure: environment creation or dependency
// install exited non-zero, or the runtime could not be spawned at all.
type Error struct {
	Stage  string // "create" or "install"
	Err    error
	Stderr string // tail of captured stderr for diagnostics
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("provisioning %s failed: %v: %s", e.Stage, e.Err, e.Stderr)
	}
	return fmt.Sprintf("provisioning %s failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Provisioner creates an isolated interpreter environment and installs the
// dependency manifest into it. It never runs concurrently with itself; the
// lifecycle controller sequences it before indexing and launch.
type Provisioner struct {
	Logger *slog.Logger
}

func New(logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{Logger: logger}
}

// Provision ensures targetDir holds a usable environment with the manifest
// installed.
//
// An existing targetDir short-circuits the whole step: the directory is
// treated as already provisioned and the install is skipped too. That leaves
// a staleness window when the manifest changed since the last install; the
// recorded checksum is compared and a mismatch logged so the drift is at
// least visible.
func (p *Provisioner) Provision(ctx context.Context, runtimePath, targetDir, manifestPath string) error {
	if dirExists(targetDir) {
		p.Logger.Info("environment already provisioned, skipping", "dir", targetDir)
		p.warnIfStale(targetDir, manifestPath)
		return nil
	}

	p.Logger.Info("creating environment", "runtime", runtimePath, "dir", targetDir)
	if err := p.runVerbose(ctx, "create", runtimePath, "-m", "venv", targetDir); err != nil {
		return err
	}
	// Confirmation only: a missing interpreter here is unusual but spawn
	// failures at launch time carry better diagnostics.
	if py := VenvPython(targetDir); !fileExists(py) {
		p.Logger.Warn("environment created but interpreter not found inside", "expected", py)
	} else {
		p.Logger.Debug("environment interpreter confirmed", "path", py)
	}

	if manifestPath == "" || !fileExists(manifestPath) {
		// Some deployments ship without a manifest; a missing file is a
		// valid no-op, not an error.
		p.Logger.Info("no dependency manifest, skipping install", "path", manifestPath)
		return nil
	}

	p.Logger.Info("installing dependency manifest", "manifest", manifestPath)
	pip := VenvPip(targetDir)
	if err := p.runVerbose(ctx, "install", pip, "install", "-r", manifestPath); err != nil {
		return err
	}
	p.recordChecksum(targetDir, manifestPath)
	return nil
}

// runVerbose runs one provisioning command, streaming stdout at debug level
// and stderr as warnings (install-time stderr is informational, not fatal).
// A spawn failure or non-zero exit is a fatal *Error for the stage.
func (p *Provisioner) runVerbose(ctx context.Context, stage, name string, args ...string) error {
	// #nosec G204 -- the command comes from the resolved runtime, not user input
	cmd := exec.CommandContext(ctx, name, args...)
	var errTail bytes.Buffer
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &Error{Stage: stage, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &Error{Stage: stage, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &Error{Stage: stage, Err: err}
	}

	done := make(chan struct{}, 2)
	go func() {
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			p.Logger.Debug("provision output", "stage", stage, "line", sc.Text())
		}
		done <- struct{}{}
	}()
	go func() {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			p.Logger.Warn("provision stderr", "stage", stage, "line", line)
			if errTail.Len() < 2048 {
				errTail.WriteString(line)
				errTail.WriteByte('\n')
			}
		}
		done <- struct{}{}
	}()
	<-done
	<-done

	if err := cmd.Wait(); err != nil {
		return &Error{Stage: stage, Err: err, Stderr: strings.TrimSpace(errTail.String())}
	}
	return nil
}

func (p *Provisioner) recordChecksum(targetDir, manifestPath string) {
	sum, err := manifestChecksum(manifestPath)
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(targetDir, checksumFile), []byte(sum), 0o600)
}

func (p *Provisioner) warnIfStale(targetDir, manifestPath string) {
	if manifestPath == "" || !fileExists(manifestPath) {
		return
	}
	want, err := manifestChecksum(manifestPath)
	if err != nil {
		return
	}
	got, err := os.ReadFile(filepath.Join(targetDir, checksumFile))
	if err != nil || strings.TrimSpace(string(got)) != want {
		p.Logger.Warn("dependency manifest changed since environment was provisioned; remove the environment directory to reinstall",
			"dir", targetDir, "manifest", manifestPath)
	}
}

func manifestChecksum(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:]), nil
}

// VenvPython returns the interpreter path inside an environment directory.
func VenvPython(targetDir string) string {
	if goruntime.GOOS == "windows" {
		return filepath.Join(targetDir, "Scripts", "python.exe")
	}
	return filepath.Join(targetDir, "bin", "python3")
}

// VenvPip returns the package-install executable inside an environment.
func VenvPip(targetDir string) string {
	if goruntime.GOOS == "windows" {
		return filepath.Join(targetDir, "Scripts", "pip.exe")
	}
	return filepath.Join(targetDir, "bin", "pip")
}

func dirExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}
