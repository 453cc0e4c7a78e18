package runtime

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when no interpreter can be offered at all. With the
// system fallback enabled this only happens for an unknown platform tag with
// the fallback disabled.
var ErrNotFound = errors.New("runtime: no usable interpreter found")

// candidates maps a platform tag to the ordered list of bundled interpreter
// locations, relative to the bundle root. First existing entry wins.
// Covered layouts: the unpacked archive layout shipped in packaged builds,
// the Windows embeddable distribution, and the in-place dev bundle that
// mirrors the packaged layout under resources/.
var candidates = map[string][]string{
	"darwin": {
		filepath.Join("python", "bin", "python3"),
		filepath.Join("resources", "python", "bin", "python3"),
	},
	"linux": {
		filepath.Join("python", "bin", "python3"),
		filepath.Join("resources", "python", "bin", "python3"),
	},
	"windows": {
		filepath.Join("python", "python.exe"),
		filepath.Join("resources", "python", "python.exe"),
	},
}

// systemFallback is the bare command name tried when no bundled copy exists.
// It is returned unverified: a broken PATH surfaces later as a provisioning
// failure, which is where spawn errors are already handled.
func systemFallback(goos string) string {
	if goos == "windows" {
		return "python"
	}
	return "python3"
}

// Locator resolves an interpreter path for a platform. The existence predicate
// is injectable so the candidate table is testable without a filesystem.
type Locator struct {
	// Exists reports whether a path is present on disk. Defaults to os.Stat.
	Exists func(string) bool
	// RequireBundled disables the system fallback; locate then fails when no
	// bundled candidate exists.
	RequireBundled bool
}

func NewLocator() *Locator {
	return &Locator{Exists: func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
	}}
}

// Locate returns the interpreter to use for the given platform. Bundled
// candidates under baseDir are tried in table order; when packaged is false
// the same table applies (the dev bundle mirrors the packaged layout), with
// the system interpreter as the shared fallback.
func (l *Locator) Locate(goos, arch, baseDir string, packaged bool) (string, error) {
	_ = arch // all current bundles are arch-neutral at the path level
	exists := l.Exists
	if exists == nil {
		exists = func(p string) bool {
			_, err := os.Stat(p)
			return err == nil
		}
	}
	for _, rel := range candidates[goos] {
		p := filepath.Join(baseDir, rel)
		if exists(p) {
			return p, nil
		}
	}
	if l.RequireBundled {
		return "", ErrNotFound
	}
	return systemFallback(goos), nil
}
