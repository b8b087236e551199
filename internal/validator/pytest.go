package validator

import (
	"context"

	"github.com/jkaninda/warden/internal/denial"
	"github.com/jkaninda/warden/internal/policy"
)

// Pytest validates test-runner invocations, both "pytest ..." and
// "python -m pytest ...". Positionals are file paths or node-ids and are
// fenced after selector stripping.
type Pytest struct{}

func (Pytest) Name() string { return "pytest" }

func (Pytest) Validate(vc *Context, argv []string) Result {
	start, ok := programStart(vc.Policy, argv)
	if !ok {
		return Deny(vc.Policy, denial.NoPolicyForProgram)
	}
	return walk(vc, argv, start, rulesFor(vc.Policy))
}

func (Pytest) AdjustEnvironment(ctx context.Context, vc *Context, base map[string]string, _ []string) map[string]string {
	env := baseEnvironment(ctx, vc, base)
	if vc.Policy.Extensions.Bool(policy.ExtDisablePluginAutoload, false) {
		env["PYTEST_DISABLE_PLUGIN_AUTOLOAD"] = "1"
	}
	return env
}
