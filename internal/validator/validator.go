// Package validator defines the per-program validator contract and the
// registry the executor dispatches through.
//
// Validators are stateless values. Everything a validator needs for one
// decision arrives in a Context: the path fence, the venv locator and the
// policy record. A denial is an ordinary Result, never an error.
package validator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/warden/internal/denial"
	"github.com/jkaninda/warden/internal/envutil"
	"github.com/jkaninda/warden/internal/pathsafety"
	"github.com/jkaninda/warden/internal/policy"
	"github.com/jkaninda/warden/internal/venv"
)

// GenericName is the validator used when a policy names no validator and
// no validator is registered under the program name.
const GenericName = "generic"

// Context carries the per-call dependencies of a validator.
type Context struct {
	Fence  pathsafety.Fence
	Venv   *venv.Locator // nil disables venv detection
	Policy *policy.Policy
}

// Result is the outcome of Validate.
type Result struct {
	Allowed  bool
	Reason   denial.Reason
	Timeout  time.Duration
	EnvDelta envutil.Delta
	PolicyID string

	// Paths holds the canonical locations of every path-bearing token that
	// was confirmed inside the workspace.
	Paths []string
}

// Allow builds an allowed result carrying p's default timeout.
func Allow(p *policy.Policy, paths []string) Result {
	return Result{
		Allowed:  true,
		Timeout:  p.DefaultTimeout,
		PolicyID: p.ID(),
		Paths:    paths,
	}
}

// Deny builds a denied result. p may be nil when no policy was resolved.
func Deny(p *policy.Policy, reason denial.Reason) Result {
	r := Result{Reason: reason}
	if p != nil {
		r.PolicyID = p.ID()
	}
	return r
}

// Validator applies a policy to an argv.
type Validator interface {
	// Name returns the registry key, e.g. "pytest".
	Name() string

	// Validate decides whether argv may run. argv[0] is the program token
	// as lexed.
	Validate(vc *Context, argv []string) Result

	// AdjustEnvironment returns the child environment for an allowed argv.
	// base is never modified.
	AdjustEnvironment(ctx context.Context, vc *Context, base map[string]string, argv []string) map[string]string
}

// Registry holds validators keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

// NewRegistry creates a registry holding vs.
func NewRegistry(vs ...Validator) *Registry {
	r := &Registry{validators: make(map[string]Validator, len(vs))}
	for _, v := range vs {
		r.Register(v)
	}
	return r
}

// DefaultRegistry returns a registry with every built-in validator.
func DefaultRegistry() *Registry {
	return NewRegistry(Generic{}, Pytest{}, Pip{}, Git{})
}

// Register adds a validator. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.validators[v.Name()]; exists {
		panic("duplicate validator registration: " + v.Name())
	}
	r.validators[v.Name()] = v
}

// Get returns the validator by name, or nil if not found.
func (r *Registry) Get(name string) Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validators[name]
}

// List returns all registered validator names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.validators))
	for name := range r.validators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// For resolves the validator for p: the one the policy names explicitly,
// else one registered under the program name, else the generic walker.
func (r *Registry) For(p *policy.Policy) (Validator, error) {
	if p.Validator != "" {
		v := r.Get(p.Validator)
		if v == nil {
			return nil, fmt.Errorf("policy %q names unknown validator %q", p.ID(), p.Validator)
		}
		return v, nil
	}
	if v := r.Get(p.ID()); v != nil {
		return v, nil
	}
	if v := r.Get(GenericName); v != nil {
		return v, nil
	}
	return nil, fmt.Errorf("no validator for policy %q", p.ID())
}

// Verify checks that every policy in store resolves to a validator.
func (r *Registry) Verify(store *policy.Store) error {
	for _, name := range store.Names() {
		p, _ := store.Lookup(name)
		if _, err := r.For(p); err != nil {
			return err
		}
	}
	return nil
}
