// Package env composes the environment passed to deployment commands:
// OS environment as the base, then daemon-global overrides, then the
// per-deployment list, with simple ${VAR} expansion over the merged set.
package env

import (
	"os"
	"strings"
)

type Vars map[string]string

type Env struct {
	global Vars // daemon-global overrides
	base   Vars // cached OS environment
}

func New() *Env {
	return &Env{global: make(Vars)}
}

// Set adds a daemon-global variable.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.global[k] = v
}

// SetAll parses "K=V" entries into daemon-global variables.
func (e *Env) SetAll(kvs []string) {
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.global[kv[:i]] = kv[i+1:]
		}
	}
}

func (e *Env) cacheOS() {
	e.base = make(Vars)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.base[kv[:i]] = kv[i+1:]
		}
	}
}

// Merge returns the final "K=V" environment for one deployment. Precedence:
// OS env < daemon-global < perDeployment.
func (e *Env) Merge(perDeployment []string) []string {
	if e.base == nil {
		e.cacheOS()
	}
	m := make(Vars, len(e.base)+len(e.global)+len(perDeployment))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.global {
		m[k] = v
	}
	for _, kv := range perDeployment {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	return out
}

// expand substitutes ${VAR} using the merged map. Single pass, no recursion.
func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	for k, v := range m {
		s = strings.ReplaceAll(s, "${"+k+"}", v)
	}
	return s
}
