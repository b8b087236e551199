package validator

import (
	"context"
	"regexp"
	"strings"

	"github.com/jkaninda/warden/internal/denial"
	"github.com/jkaninda/warden/internal/envutil"
)

// packageSpec accepts a distribution name with optional extras and
// version constraints, e.g. "requests", "uvicorn[standard]>=0.30,<1".
var packageSpec = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(\[[A-Za-z0-9._,-]+\])?([<>=!~]=?=?[A-Za-z0-9.*+!_-]+(,[<>=!~]=?=?[A-Za-z0-9.*+!_-]+)*)?$`)

// remotePrefixes mark requirement specifiers that fetch from outside the workspace.
var remotePrefixes = []string{"git+", "hg+", "svn+", "bzr+", "http:", "https:", "ftp:", "file:"}

// Pip validates package-manager invocations. Subcommands come from the
// policy whitelist; package names must match packageSpec; local paths
// (wheels, project dirs, requirement files) are fenced.
type Pip struct{}

func (Pip) Name() string { return "pip" }

func (Pip) Validate(vc *Context, argv []string) Result {
	start, ok := programStart(vc.Policy, argv)
	if !ok {
		return Deny(vc.Policy, denial.NoPolicyForProgram)
	}
	r := rulesFor(vc.Policy)
	r.screen = screenRemote
	r.positional = func(tok string) denial.Reason {
		if !packageSpec.MatchString(tok) {
			return denial.InvalidArgument(tok)
		}
		return denial.None
	}
	return walk(vc, argv, start, r)
}

func screenRemote(tok string) denial.Reason {
	lower := strings.ToLower(tok)
	if strings.Contains(lower, "://") {
		return denial.InvalidArgument(tok)
	}
	for _, prefix := range remotePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return denial.InvalidArgument(tok)
		}
	}
	return denial.None
}

func (Pip) AdjustEnvironment(ctx context.Context, vc *Context, base map[string]string, _ []string) map[string]string {
	env := baseEnvironment(ctx, vc, base)
	return envutil.Apply(env, envutil.Delta{Set: map[string]string{
		"PIP_NO_INPUT":                  "1",
		"PIP_DISABLE_PIP_VERSION_CHECK": "1",
	}}, false)
}
