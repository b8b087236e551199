package validator

import (
	"context"
	"slices"
	"strings"

	"github.com/jkaninda/warden/internal/denial"
	"github.com/jkaninda/warden/internal/envutil"
	"github.com/jkaninda/warden/internal/pathsafety"
	"github.com/jkaninda/warden/internal/policy"
)

// Workspace context variables injected by expose_workspace_env.
const (
	EnvWorkspaceRoot = "WORKSPACE_ROOT"
	EnvCwd           = "CWD"
)

// Generic validates any program purely from its policy record.
type Generic struct{}

func (Generic) Name() string { return GenericName }

func (Generic) Validate(vc *Context, argv []string) Result {
	start, ok := programStart(vc.Policy, argv)
	if !ok {
		return Deny(vc.Policy, denial.NoPolicyForProgram)
	}
	return walk(vc, argv, start, rulesFor(vc.Policy))
}

func (Generic) AdjustEnvironment(ctx context.Context, vc *Context, base map[string]string, _ []string) map[string]string {
	return baseEnvironment(ctx, vc, base)
}

// Route resolves the policy governing argv. "<interpreter> -m <module> ..."
// goes to the module's policy when that policy lists the interpreter under
// the interpreters extension; anything else goes to argv[0]'s policy.
func Route(store *policy.Store, argv []string) (*policy.Policy, bool) {
	if len(argv) == 0 {
		return nil, false
	}
	if len(argv) >= 3 && argv[1] == "-m" {
		module := strings.ToLower(argv[2])
		if p, ok := store.Lookup(module); ok && p.ID() == module && acceptsInterpreter(p, argv[0]) {
			return p, true
		}
	}
	return store.Lookup(argv[0])
}

func acceptsInterpreter(p *policy.Policy, program string) bool {
	return slices.Contains(p.Extensions.Strings(policy.ExtInterpreters), policy.CanonicalName(program))
}

// programStart returns the index where the program's own arguments begin:
// 1 for a direct invocation, 3 for "<interpreter> -m <program>". The module
// name must match the policy exactly; "pytest.evil" is a different module.
func programStart(p *policy.Policy, argv []string) (int, bool) {
	if len(argv) == 0 {
		return 0, false
	}
	if policy.CanonicalName(argv[0]) == p.ID() {
		return 1, true
	}
	if len(argv) >= 3 && argv[1] == "-m" && strings.ToLower(argv[2]) == p.ID() && acceptsInterpreter(p, argv[0]) {
		return 3, true
	}
	return 0, false
}

// argvBytes is the length of argv joined by single spaces.
func argvBytes(argv []string) int {
	if len(argv) == 0 {
		return 0
	}
	n := len(argv) - 1
	for _, tok := range argv {
		n += len(tok)
	}
	return n
}

// rules customizes the argument walk for one program.
type rules struct {
	subcommands          map[string]bool
	fenceAll             bool
	honorDoubleDash      bool
	fenceAfterDoubleDash bool
	pathFlags            map[string]bool

	// screen runs on every positional and flag value before any fencing.
	screen func(tok string) denial.Reason
	// positional judges positionals that were not fenced as paths.
	positional func(tok string) denial.Reason
}

func rulesFor(p *policy.Policy) rules {
	r := rules{
		fenceAll:        p.Extensions.Bool(policy.ExtFenceAllPositionals, false),
		honorDoubleDash: p.Extensions.Bool(policy.ExtHonorDoubleDash, false),
		pathFlags:       toSet(p.Extensions.Strings(policy.ExtPathFlags)),
	}
	if subs := p.Extensions.Strings(policy.ExtSubcommands); len(subs) > 0 {
		r.subcommands = toSet(subs)
	}
	return r
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

// walk applies the universal contract to argv[start:]: argv size, flags,
// flag values, subcommand, positionals, and the positional cap.
func walk(vc *Context, argv []string, start int, r rules) Result {
	p := vc.Policy
	if argvBytes(argv) > p.MaxArgvBytes {
		return Deny(p, denial.ArgvTooLong)
	}

	var paths []string
	fence := func(tok string) denial.Reason {
		if !vc.Fence.Contains(tok) {
			return denial.UnsafePath(tok)
		}
		if resolved, err := vc.Fence.Resolve(tok); err == nil {
			paths = append(paths, resolved)
		}
		return denial.None
	}

	args := argv[start:]
	needSubcommand := len(r.subcommands) > 0
	afterDoubleDash := false
	positionals := 0

	for i := 0; i < len(args); i++ {
		tok := args[i]

		if !afterDoubleDash && strings.HasPrefix(tok, "-") && tok != "-" {
			if tok == "--" && r.honorDoubleDash {
				afterDoubleDash = true
				continue
			}
			name, value, hasEq := strings.Cut(tok, "=")
			if !p.Allows(tok) && !(hasEq && p.Allows(name)) {
				return Deny(p, denial.FlagNotAllowed(tok))
			}
			if !p.TakesValue(name) {
				if hasEq && !p.Allows(tok) {
					return Deny(p, denial.FlagNotAllowed(tok))
				}
				continue
			}
			if hasEq {
				if value == "" {
					return Deny(p, denial.FlagExpectsValue(name))
				}
			} else {
				if i+1 >= len(args) || strings.HasPrefix(args[i+1], "-") {
					return Deny(p, denial.FlagExpectsValue(name))
				}
				i++
				value = args[i]
			}
			if r.screen != nil {
				if reason := r.screen(value); reason.Denied() {
					return Deny(p, reason)
				}
			}
			if r.pathFlags[name] {
				if reason := fence(value); reason.Denied() {
					return Deny(p, reason)
				}
			}
			continue
		}

		if needSubcommand {
			if !r.subcommands[tok] {
				return Deny(p, denial.SubcommandNotAllowed(tok))
			}
			needSubcommand = false
			continue
		}

		positionals++
		if r.screen != nil {
			if reason := r.screen(tok); reason.Denied() {
				return Deny(p, reason)
			}
		}
		switch {
		case tok == "-":
		case r.fenceAll, afterDoubleDash && r.fenceAfterDoubleDash, pathsafety.LooksLikePath(tok):
			if reason := fence(tok); reason.Denied() {
				return Deny(p, reason)
			}
		case r.positional != nil:
			if reason := r.positional(tok); reason.Denied() {
				return Deny(p, reason)
			}
		}
	}

	if positionals > p.MaxPositionalArgs {
		return Deny(p, denial.TooManyPositionals)
	}
	return Allow(p, paths)
}

// baseEnvironment merges base, the policy's env overrides, the optional
// workspace context variables and, when enabled, the venv delta. Venv
// values never clobber what is already set; PATH is always prepended.
func baseEnvironment(ctx context.Context, vc *Context, base map[string]string) map[string]string {
	p := vc.Policy
	env := envutil.Merge(base, p.EnvOverrides)
	if vc.Fence.IsZero() {
		return env
	}
	if p.Extensions.Bool(policy.ExtExposeWorkspaceEnv, false) {
		env[EnvWorkspaceRoot] = vc.Fence.Root()
		env[EnvCwd] = vc.Fence.Cwd()
	}
	if p.DetectVenv && vc.Venv != nil {
		env = envutil.Apply(env, vc.Venv.Find(ctx, vc.Fence).Delta(), false)
	}
	return env
}
