package policy

import "fmt"

// Extension keys understood by the built-in validators.
const (
	ExtDisablePluginAutoload = "disable_plugin_autoload" // pytest: set PYTEST_DISABLE_PLUGIN_AUTOLOAD=1
	ExtPathFlags             = "path_flags"              // value flags whose values are path-fenced
	ExtSubcommands           = "subcommands"             // whitelist for the first positional
	ExtFenceAllPositionals   = "fence_all_positionals"   // fence every positional, not just path-looking ones
	ExtExposeWorkspaceEnv    = "expose_workspace_env"    // inject WORKSPACE_ROOT and CWD
	ExtHonorDoubleDash       = "honor_double_dash"       // treat tokens after "--" as positionals
	ExtInterpreters          = "interpreters"            // program names accepted for "-m <module>" invocation
)

// Known keys are type-checked at load time so a mistyped value cannot fall
// back to a weaker default.
var (
	boolExtensions = []string{
		ExtDisablePluginAutoload, ExtFenceAllPositionals, ExtExposeWorkspaceEnv, ExtHonorDoubleDash,
	}
	listExtensions = []string{ExtPathFlags, ExtSubcommands, ExtInterpreters}
)

// Extensions carries program-specific switches. Values come straight from
// the decoded YAML or JSON, so accessors tolerate both []any and []string.
type Extensions map[string]any

// Bool returns the boolean at key, or def.
func (e Extensions) Bool(key string, def bool) bool {
	v, ok := e[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// String returns the string at key, or def.
func (e Extensions) String(key, def string) string {
	if s, ok := e[key].(string); ok {
		return s
	}
	return def
}

// Strings returns the string list at key, or nil.
func (e Extensions) Strings(key string) []string {
	switch v := e[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

// Has reports whether key is present.
func (e Extensions) Has(key string) bool {
	_, ok := e[key]
	return ok
}

// check rejects known keys whose values have the wrong type. Unknown keys
// are left to custom validators.
func (e Extensions) check(policyName string) error {
	for _, key := range boolExtensions {
		v, ok := e[key]
		if !ok {
			continue
		}
		if _, isBool := v.(bool); !isBool {
			return fmt.Errorf("%w: %s.extensions.%s must be a boolean, got %T", ErrInvalidPolicy, policyName, key, v)
		}
	}
	for _, key := range listExtensions {
		v, ok := e[key]
		if !ok {
			continue
		}
		switch list := v.(type) {
		case []string:
		case []any:
			for i, item := range list {
				if _, isString := item.(string); !isString {
					return fmt.Errorf("%w: %s.extensions.%s[%d] must be a string, got %T", ErrInvalidPolicy, policyName, key, i, item)
				}
			}
		default:
			return fmt.Errorf("%w: %s.extensions.%s must be a list of strings, got %T", ErrInvalidPolicy, policyName, key, v)
		}
	}
	return nil
}
