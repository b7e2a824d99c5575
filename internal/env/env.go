package env

import (
	"os"
	"sort"
	"strings"
)

// Vars holds simulator environment overrides (K->V).
type Vars map[string]string

// Parse turns "K=V" entries into Vars. Entries without '=' or with an
// empty key are skipped; later entries win.
func Parse(kvs []string) Vars {
	m := make(Vars, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// Compose builds the child's environment: the current OS environment, then
// vars on top. ${VAR} and $VAR references in override values are expanded
// against the composed set, one level deep. The result is sorted by key.
// It returns nil when there are no overrides so the child simply inherits.
func Compose(vars Vars) []string {
	if len(vars) == 0 {
		return nil
	}
	return ComposeOn(os.Environ(), vars)
}

// ComposeOn is Compose with an explicit base instead of os.Environ.
func ComposeOn(base []string, vars Vars) []string {
	m := Parse(base)
	for k, v := range vars {
		if k != "" {
			m[k] = v
		}
	}
	lookup := func(k string) string { return m[k] }
	out := make([]string, 0, len(m))
	for k, v := range m {
		if _, override := vars[k]; override {
			v = os.Expand(v, lookup)
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
