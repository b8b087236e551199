// Package envutil manipulates child-process environments held as maps and
// describes environment deltas produced by locators and validators.
package envutil

import (
	"os"
	"sort"
	"strings"
)

// Delta describes changes to an environment: keys to set, keys to remove,
// and keys whose values get a directory prepended as a list entry.
type Delta struct {
	Set         map[string]string `json:"set,omitempty" yaml:"set,omitempty"`
	Unset       []string          `json:"unset,omitempty" yaml:"unset,omitempty"`
	PathPrepend map[string]string `json:"path_prepend,omitempty" yaml:"path_prepend,omitempty"`
}

// IsEmpty reports whether d changes nothing.
func (d Delta) IsEmpty() bool {
	return len(d.Set) == 0 && len(d.Unset) == 0 && len(d.PathPrepend) == 0
}

// Clone returns a copy of env. A nil map yields an empty, non-nil map.
func Clone(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// Merge returns base overlaid with overrides; overrides win.
func Merge(base, overrides map[string]string) map[string]string {
	out := Clone(base)
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Apply returns env with d merged in. Unset keys are removed. Set keys are
// written only when absent, unless clobber is true. PathPrepend entries are
// always applied, and are idempotent when the directory already leads.
func Apply(env map[string]string, d Delta, clobber bool) map[string]string {
	out := Clone(env)
	for _, k := range d.Unset {
		delete(out, k)
	}
	for k, v := range d.Set {
		if _, exists := out[k]; exists && !clobber {
			continue
		}
		out[k] = v
	}
	for k, dir := range d.PathPrepend {
		out[k] = Prepend(out[k], dir)
	}
	return out
}

// Prepend puts dir at the front of a list-separated value, removing any
// later duplicate of dir.
func Prepend(list, dir string) string {
	if list == "" {
		return dir
	}
	parts := strings.Split(list, string(os.PathListSeparator))
	kept := make([]string, 0, len(parts)+1)
	kept = append(kept, dir)
	for _, p := range parts {
		if p != dir {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, string(os.PathListSeparator))
}

// ToList renders env as sorted KEY=VALUE entries for exec.Cmd.Env.
func ToList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

// FromList parses KEY=VALUE entries. Entries without '=' are skipped.
func FromList(list []string) map[string]string {
	out := make(map[string]string, len(list))
	for _, e := range list {
		if idx := strings.IndexByte(e, '='); idx > 0 {
			out[e[:idx]] = e[idx+1:]
		}
	}
	return out
}

// Pick copies the named keys from lookup into a new map, skipping unset ones.
// Callers use it to copy host variables into a base environment explicitly.
func Pick(lookup func(string) (string, bool), keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := lookup(k); ok {
			out[k] = v
		}
	}
	return out
}
