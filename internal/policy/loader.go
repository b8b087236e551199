package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultPolicies []byte

// Supported file formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// document is the on-disk policy table.
type document struct {
	Version  int                  `json:"version,omitempty" yaml:"version,omitempty"`
	Policies map[string]rawPolicy `json:"policies" yaml:"policies"`
}

// rawPolicy mirrors the file format. Pointer fields distinguish "missing"
// from an explicit zero so required fields can be enforced.
type rawPolicy struct {
	Validator             string            `json:"validator,omitempty" yaml:"validator,omitempty"`
	AllowedFlags          *[]string         `json:"allowed_flags" yaml:"allowed_flags"`
	ValueFlags            []string          `json:"value_flags,omitempty" yaml:"value_flags,omitempty"`
	DefaultTimeoutSeconds *float64          `json:"default_timeout_seconds" yaml:"default_timeout_seconds"`
	MaxArgvBytes          *int              `json:"max_argv_bytes" yaml:"max_argv_bytes"`
	MaxPositionalArgs     *int              `json:"max_positional_args" yaml:"max_positional_args"`
	MaxOutputBytes        int               `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"`
	EnvOverrides          map[string]string `json:"env_overrides,omitempty" yaml:"env_overrides,omitempty"`
	DetectVenv            bool              `json:"detect_venv,omitempty" yaml:"detect_venv,omitempty"`
	WorkspaceRootRequired *bool             `json:"workspace_root_required,omitempty" yaml:"workspace_root_required,omitempty"`
	Extensions            map[string]any    `json:"extensions,omitempty" yaml:"extensions,omitempty"`
}

// Load reads a policy table from path. The format is chosen by extension:
// .json for JSON, anything else is parsed as YAML.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policies %s: %w", path, err)
	}
	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	store, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("loading policies %s: %w", path, err)
	}
	return store, nil
}

// Defaults returns the built-in policy table.
func Defaults() (*Store, error) {
	return Parse(defaultPolicies, FormatYAML)
}

// DefaultsYAML returns the raw built-in policy table, for `warden init` and `warden policies defaults`.
func DefaultsYAML() []byte {
	out := make([]byte, len(defaultPolicies))
	copy(out, defaultPolicies)
	return out
}

// Parse decodes a policy table. Unknown fields anywhere outside
// `extensions` are rejected, as are missing required fields.
func Parse(data []byte, format string) (*Store, error) {
	var doc document
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: parsing JSON: %v", ErrInvalidPolicy, err)
		}
	case FormatYAML, "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: empty policy document", ErrInvalidPolicy)
			}
			return nil, fmt.Errorf("%w: parsing YAML: %v", ErrInvalidPolicy, err)
		}
	default:
		return nil, fmt.Errorf("unsupported policy format %q", format)
	}

	if len(doc.Policies) == 0 {
		return nil, fmt.Errorf("%w: no policies defined", ErrInvalidPolicy)
	}

	policies := make([]*Policy, 0, len(doc.Policies))
	for name, raw := range doc.Policies {
		p, err := raw.build(name)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return NewStore(policies...)
}

func (r rawPolicy) build(name string) (*Policy, error) {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s.%s is required", ErrInvalidPolicy, name, field)
	}
	switch {
	case r.AllowedFlags == nil:
		return nil, missing("allowed_flags")
	case r.DefaultTimeoutSeconds == nil:
		return nil, missing("default_timeout_seconds")
	case r.MaxArgvBytes == nil:
		return nil, missing("max_argv_bytes")
	case r.MaxPositionalArgs == nil:
		return nil, missing("max_positional_args")
	}

	rootRequired := true
	if r.WorkspaceRootRequired != nil {
		rootRequired = *r.WorkspaceRootRequired
	}

	return &Policy{
		Name:                  name,
		Validator:             r.Validator,
		AllowedFlags:          *r.AllowedFlags,
		ValueFlags:            r.ValueFlags,
		DefaultTimeout:        time.Duration(*r.DefaultTimeoutSeconds * float64(time.Second)),
		MaxArgvBytes:          *r.MaxArgvBytes,
		MaxPositionalArgs:     *r.MaxPositionalArgs,
		MaxOutputBytes:        r.MaxOutputBytes,
		EnvOverrides:          r.EnvOverrides,
		DetectVenv:            r.DetectVenv,
		WorkspaceRootRequired: rootRequired,
		Extensions:            Extensions(r.Extensions),
	}, nil
}

// Summary is the listing view of a policy.
type Summary struct {
	Name                  string   `json:"name" yaml:"name"`
	Validator             string   `json:"validator,omitempty" yaml:"validator,omitempty"`
	AllowedFlags          []string `json:"allowed_flags" yaml:"allowed_flags"`
	ValueFlags            []string `json:"value_flags,omitempty" yaml:"value_flags,omitempty"`
	DefaultTimeoutSeconds float64  `json:"default_timeout_seconds" yaml:"default_timeout_seconds"`
	MaxArgvBytes          int      `json:"max_argv_bytes" yaml:"max_argv_bytes"`
	MaxPositionalArgs     int      `json:"max_positional_args" yaml:"max_positional_args"`
	MaxOutputBytes        int      `json:"max_output_bytes" yaml:"max_output_bytes"`
	DetectVenv            bool     `json:"detect_venv" yaml:"detect_venv"`
	Subcommands           []string `json:"subcommands,omitempty" yaml:"subcommands,omitempty"`
}

// Summarize returns the listing view of p. Env override values are omitted.
func (p *Policy) Summarize() Summary {
	return Summary{
		Name:                  p.Name,
		Validator:             p.Validator,
		AllowedFlags:          p.AllowedFlags,
		ValueFlags:            p.ValueFlags,
		DefaultTimeoutSeconds: p.DefaultTimeout.Seconds(),
		MaxArgvBytes:          p.MaxArgvBytes,
		MaxPositionalArgs:     p.MaxPositionalArgs,
		MaxOutputBytes:        p.MaxOutputBytes,
		DetectVenv:            p.DetectVenv,
		Subcommands:           p.Extensions.Strings(ExtSubcommands),
	}
}

// Summaries lists every policy in name order.
func (s *Store) Summaries() []Summary {
	out := make([]Summary, 0, s.Len())
	for _, name := range s.Names() {
		p, _ := s.Lookup(name)
		out = append(out, p.Summarize())
	}
	return out
}
