package env

import (
	"os"
	"strings"
)

// Well-known variables exported to scripts when object storage is enabled.
const (
	KeyCustomS3      = "CUSTOM_S3"
	KeyS3EndpointURL = "S3_ENDPOINT_URL"
	KeyS3AccessKeyID = "S3_ACCESSKEYID"
	KeyS3SecretKey   = "S3_SECRETACCESSKEY"
)

// Source supplies "K=V" pairs added to a child environment. It is consulted
// once per process launch so configuration changes apply to the next run.
type Source interface {
	Vars() []string
}

// SourceFunc adapts a function to Source.
type SourceFunc func() []string

func (f SourceFunc) Vars() []string { return f() }

// S3 describes the object-storage endpoint handed to scripts.
type S3 struct {
	Enabled         bool
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
}

// Vars returns nothing unless Enabled is set.
func (s S3) Vars() []string {
	if !s.Enabled {
		return nil
	}
	return []string{
		KeyCustomS3 + "=true",
		KeyS3EndpointURL + "=" + s.EndpointURL,
		KeyS3AccessKeyID + "=" + s.AccessKeyID,
		KeyS3SecretKey + "=" + s.SecretAccessKey,
	}
}

type Var map[string]string

type Env struct {
	Var     Var // global variables (K->V)
	sources []Source
	env     Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	e.env = base
}

// SetBase replaces the base environment with the given "K=V" pairs instead
// of the OS environment. SetBase(nil) launches children with only the
// global variables and sources.
func (e *Env) SetBase(kvs []string) {
	base := make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	e.env = base
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// AddSource registers a dynamic source applied after the global variables.
func (e *Env) AddSource(s Source) *Env {
	if s != nil {
		e.sources = append(e.sources, s)
	}
	return e
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then global e.Var overrides
// then every registered Source, in registration order
// then extra (slice of "K=V") overrides.
// Existing keys are never dropped. ${VAR} references are expanded once
// using the composed map.
func (e *Env) Merge(extra []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	apply := func(list []string) {
		for _, kv := range list {
			if k, v, ok := split(kv); ok {
				m[k] = v
			}
		}
	}
	for _, s := range e.sources {
		apply(s.Vars())
	}
	apply(extra)

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	return out
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
