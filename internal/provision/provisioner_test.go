//go:build !windows

package provision

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// writeScript drops an executable shell script and returns its path.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return p
}

// fakeRuntime builds a stand-in interpreter whose "-m venv <dir>" call
// creates the environment layout, including a pip stub with the given body.
func fakeRuntime(t *testing.T, pipBody string) string {
	t.Helper()
	return writeScript(t, "python3", `
# expects: -m venv <target>
target="$3"
mkdir -p "$target/bin"
touch "$target/bin/python3"
chmod +x "$target/bin/python3"
cat > "$target/bin/pip" <<'PIP'
#!/bin/sh
`+pipBody+`
PIP
chmod +x "$target/bin/pip"
`)
}

func newTestProvisioner() *Provisioner {
	return New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestProvisionFreshEnvironmentWithManifest(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "venv")
	manifest := filepath.Join(dir, "requirements.txt")
	if err := os.WriteFile(manifest, []byte("flask==3.0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	rt := fakeRuntime(t, "exit 0")

	p := newTestProvisioner()
	if err := p.Provision(context.Background(), rt, target, manifest); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := os.Stat(VenvPython(target)); err != nil {
		t.Fatalf("interpreter missing after provision: %v", err)
	}
	// checksum recorded for staleness detection
	if _, err := os.Stat(filepath.Join(target, checksumFile)); err != nil {
		t.Fatalf("manifest checksum not recorded: %v", err)
	}
}

func TestProvisionSkipsExistingDir(t *testing.T) {
	target := t.TempDir() // already exists
	p := newTestProvisioner()
	// A bogus runtime proves no subprocess runs on the short-circuit path.
	if err := p.Provision(context.Background(), "/nonexistent/python3", target, ""); err != nil {
		t.Fatalf("existing dir must short-circuit: %v", err)
	}
}

func TestProvisionNoManifestIsValidNoop(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "venv")
	rt := fakeRuntime(t, "exit 1") // pip would fail if it ran

	p := newTestProvisioner()
	if err := p.Provision(context.Background(), rt, target, filepath.Join(dir, "absent.txt")); err != nil {
		t.Fatalf("missing manifest must be a no-op: %v", err)
	}
}

func TestProvisionCreateFailure(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "venv")
	rt := writeScript(t, "python3", `echo "venv: error" >&2; exit 3`)

	p := newTestProvisioner()
	err := p.Provision(context.Background(), rt, target, "")
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("want *Error, got %v", err)
	}
	if perr.Stage != "create" {
		t.Fatalf("stage = %q, want create", perr.Stage)
	}
	if perr.Stderr == "" {
		t.Fatal("stderr tail not captured")
	}
}

func TestProvisionSpawnFailure(t *testing.T) {
	dir := t.TempDir()
	p := newTestProvisioner()
	err := p.Provision(context.Background(), "/nonexistent/python3", filepath.Join(dir, "venv"), "")
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("want *Error for spawn failure, got %v", err)
	}
	if perr.Stage != "create" {
		t.Fatalf("stage = %q, want create", perr.Stage)
	}
}

func TestProvisionInstallFailure(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "venv")
	manifest := filepath.Join(dir, "requirements.txt")
	if err := os.WriteFile(manifest, []byte("badpkg\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	rt := fakeRuntime(t, `echo "no matching distribution" >&2; exit 1`)

	p := newTestProvisioner()
	err := p.Provision(context.Background(), rt, target, manifest)
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("want *Error, got %v", err)
	}
	if perr.Stage != "install" {
		t.Fatalf("stage = %q, want install", perr.Stage)
	}
}

func TestVenvPaths(t *testing.T) {
	py := VenvPython("/x/venv")
	pip := VenvPip("/x/venv")
	if py != filepath.Join("/x/venv", "bin", "python3") {
		t.Fatalf("python path: %s", py)
	}
	if pip != filepath.Join("/x/venv", "bin", "pip") {
		t.Fatalf("pip path: %s", pip)
	}
}
