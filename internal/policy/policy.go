// Package policy holds the per-program execution policies.
//
// A Store is built once at startup and never mutated afterwards, so it can
// be shared freely between concurrent executions. Records handed out by
// the store are shared and must be treated as read-only.
package policy

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrInvalidPolicy is wrapped by every policy validation failure.
var ErrInvalidPolicy = errors.New("invalid policy")

// Policy governs which argv shapes and environments a program may use.
type Policy struct {
	Name                  string            `json:"name" yaml:"name"`
	Validator             string            `json:"validator,omitempty" yaml:"validator,omitempty"`
	AllowedFlags          []string          `json:"allowed_flags" yaml:"allowed_flags"`
	ValueFlags            []string          `json:"value_flags,omitempty" yaml:"value_flags,omitempty"`
	DefaultTimeout        time.Duration     `json:"-" yaml:"-"`
	MaxArgvBytes          int               `json:"max_argv_bytes" yaml:"max_argv_bytes"`
	MaxPositionalArgs     int               `json:"max_positional_args" yaml:"max_positional_args"`
	MaxOutputBytes        int               `json:"max_output_bytes" yaml:"max_output_bytes"`
	EnvOverrides          map[string]string `json:"env_overrides,omitempty" yaml:"env_overrides,omitempty"`
	DetectVenv            bool              `json:"detect_venv" yaml:"detect_venv"`
	WorkspaceRootRequired bool              `json:"workspace_root_required" yaml:"workspace_root_required"`
	Extensions            Extensions        `json:"extensions,omitempty" yaml:"extensions,omitempty"`

	allowed map[string]bool
	value   map[string]bool
}

// DefaultMaxOutputBytes is used when a policy does not set max_output_bytes.
const DefaultMaxOutputBytes = 1 << 20

// ID returns the policy identifier reported in execution results.
func (p *Policy) ID() string { return p.Name }

// Allows reports whether flag is in the allowed set.
func (p *Policy) Allows(flag string) bool { return p.allowed[flag] }

// TakesValue reports whether flag consumes a value.
func (p *Policy) TakesValue(flag string) bool { return p.value[flag] }

// seal validates p and builds its lookup sets.
func (p *Policy) seal() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if p.DefaultTimeout <= 0 {
		return fmt.Errorf("%w: %s.default_timeout_seconds must be positive", ErrInvalidPolicy, p.Name)
	}
	if p.MaxArgvBytes <= 0 {
		return fmt.Errorf("%w: %s.max_argv_bytes must be positive", ErrInvalidPolicy, p.Name)
	}
	if p.MaxPositionalArgs < 0 {
		return fmt.Errorf("%w: %s.max_positional_args must not be negative", ErrInvalidPolicy, p.Name)
	}
	if p.MaxOutputBytes < 0 {
		return fmt.Errorf("%w: %s.max_output_bytes must not be negative", ErrInvalidPolicy, p.Name)
	}
	if p.MaxOutputBytes == 0 {
		p.MaxOutputBytes = DefaultMaxOutputBytes
	}

	p.allowed = make(map[string]bool, len(p.AllowedFlags))
	for _, f := range p.AllowedFlags {
		if !strings.HasPrefix(f, "-") {
			return fmt.Errorf("%w: %s.allowed_flags entry %q is not a flag", ErrInvalidPolicy, p.Name, f)
		}
		p.allowed[f] = true
	}
	p.value = make(map[string]bool, len(p.ValueFlags))
	for _, f := range p.ValueFlags {
		if !p.allowed[f] {
			return fmt.Errorf("%w: %s.value_flags entry %q is not in allowed_flags", ErrInvalidPolicy, p.Name, f)
		}
		p.value[f] = true
	}
	if err := p.Extensions.check(p.Name); err != nil {
		return err
	}
	for _, f := range p.Extensions.Strings(ExtPathFlags) {
		if !p.value[f] {
			return fmt.Errorf("%w: %s.extensions.%s entry %q is not a value flag", ErrInvalidPolicy, p.Name, ExtPathFlags, f)
		}
	}
	return nil
}

// CanonicalName maps a program token to its policy key: basename,
// lowercased, extension removed. Both / and \ count as separators.
func CanonicalName(program string) string {
	base := program
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	base = strings.ToLower(base)
	if stem := strings.TrimSuffix(base, filepath.Ext(base)); stem != "" {
		base = stem
	}
	return base
}

// Store is an immutable set of policies keyed by canonical program name.
type Store struct {
	policies map[string]*Policy
	names    []string
}

// NewStore validates the given policies and indexes them by canonical name,
// rewriting each Name to its canonical form. Two policies whose names
// canonicalize to the same key are rejected.
func NewStore(policies ...*Policy) (*Store, error) {
	s := &Store{policies: make(map[string]*Policy, len(policies))}
	for _, p := range policies {
		if p == nil {
			continue
		}
		key := CanonicalName(p.Name)
		p.Name = key
		if err := p.seal(); err != nil {
			return nil, err
		}
		if _, dup := s.policies[key]; dup {
			return nil, fmt.Errorf("%w: duplicate policy for %q", ErrInvalidPolicy, key)
		}
		s.policies[key] = p
		s.names = append(s.names, key)
	}
	sort.Strings(s.names)
	return s, nil
}

// Lookup returns the policy for a program token (canonicalized first).
func (s *Store) Lookup(program string) (*Policy, bool) {
	if s == nil {
		return nil, false
	}
	p, ok := s.policies[CanonicalName(program)]
	return p, ok
}

// Names returns the canonical program names in sorted order.
func (s *Store) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Len returns the number of policies.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}
