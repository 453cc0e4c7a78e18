package env

import (
	"os"
	"sort"
	"strings"
)

// Vars is the set of variables injected into the backend child process
// (host/port/mode plus passthrough credentials and storage paths).
type Vars map[string]string

// Merge composes the final child environment: the parent's OS environment as
// the base, with injected variables applied on top. Values may reference other
// variables with ${VAR}; a single expansion pass runs over the composed map.
// The result is sorted for determinism.
func Merge(injected Vars) []string {
	m := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range injected {
		if k == "" {
			continue
		}
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Lookup finds a key in a composed "K=V" environment slice.
func Lookup(environ []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range environ {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

// expand performs simple, non-recursive ${VAR} substitution.
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	for k, v := range m {
		s = strings.ReplaceAll(s, "${"+k+"}", v)
	}
	return s
}
