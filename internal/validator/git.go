package validator

import (
	"context"

	"github.com/jkaninda/warden/internal/denial"
	"github.com/jkaninda/warden/internal/envutil"
)

// readOnlySubcommands apply when a git policy carries no subcommands extension.
var readOnlySubcommands = []string{"log", "diff", "status", "show", "branch"}

// Credential-related env vars that must never reach git.
var gitCredentialVars = []string{
	"GIT_ASKPASS",
	"GIT_CONFIG",
	"GIT_CONFIG_GLOBAL",
	"GIT_CONFIG_SYSTEM",
	"GIT_CREDENTIAL_HELPER",
	"SSH_AUTH_SOCK",
	"SSH_AGENT_PID",
	"GIT_SSH",
	"GIT_SSH_COMMAND",
}

// Git validates version-control invocations: a subcommand whitelist, with
// path-looking arguments fenced and everything after "--" treated as a
// pathspec.
type Git struct{}

func (Git) Name() string { return "git" }

func (Git) Validate(vc *Context, argv []string) Result {
	start, ok := programStart(vc.Policy, argv)
	if !ok {
		return Deny(vc.Policy, denial.NoPolicyForProgram)
	}
	r := rulesFor(vc.Policy)
	if r.subcommands == nil {
		r.subcommands = toSet(readOnlySubcommands)
	}
	r.honorDoubleDash = true
	r.fenceAfterDoubleDash = true
	return walk(vc, argv, start, r)
}

func (Git) AdjustEnvironment(ctx context.Context, vc *Context, base map[string]string, _ []string) map[string]string {
	stripped := envutil.Apply(base, envutil.Delta{Unset: gitCredentialVars}, false)
	env := baseEnvironment(ctx, vc, stripped)
	return envutil.Apply(env, envutil.Delta{Set: map[string]string{"GIT_TERMINAL_PROMPT": "0"}}, false)
}
