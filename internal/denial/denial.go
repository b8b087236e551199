// Package denial defines the stable reason strings reported when a command
// is refused or fails to start. The strings are surface-visible: callers
// render them verbatim and match on them, so they must never change.
package denial

import "strings"

// Reason is a stable denial identifier, optionally carrying a detail after
// a colon (e.g. "FlagNotAllowed:--evil").
type Reason string

// None is the zero Reason; the command was not denied.
const None Reason = ""

// Bare reasons.
const (
	NoPolicyForProgram  Reason = "NoPolicyForProgram"
	MalformedCommand    Reason = "MalformedCommand"
	ShellMetacharacter  Reason = "ShellMetacharacter"
	TooManyPositionals  Reason = "TooManyPositionals"
	ArgvTooLong         Reason = "ArgvTooLong"
	CwdOutsideWorkspace Reason = "CwdOutsideWorkspace"
	Cancelled           Reason = "Cancelled"
)

// Reason kinds that carry a detail.
const (
	kindFlagNotAllowed      = "FlagNotAllowed"
	kindFlagExpectsValue    = "FlagExpectsValue"
	kindUnsafePath          = "UnsafePath"
	kindSpawnFailed         = "SpawnFailed"
	kindSubcommandForbidden = "SubcommandNotAllowed"
	kindInvalidArgument     = "InvalidArgument"
)

// FlagNotAllowed reports a flag absent from the policy's allowed set.
func FlagNotAllowed(flag string) Reason { return with(kindFlagNotAllowed, flag) }

// FlagExpectsValue reports a value flag with no usable value.
func FlagExpectsValue(flag string) Reason { return with(kindFlagExpectsValue, flag) }

// UnsafePath reports a positional that resolves outside the workspace.
func UnsafePath(token string) Reason { return with(kindUnsafePath, token) }

// SpawnFailed reports a failure to start the child process.
func SpawnFailed(cause string) Reason { return with(kindSpawnFailed, cause) }

// SubcommandNotAllowed reports a subcommand outside a policy whitelist.
func SubcommandNotAllowed(sub string) Reason { return with(kindSubcommandForbidden, sub) }

// InvalidArgument reports a positional rejected by a program-specific rule.
func InvalidArgument(arg string) Reason { return with(kindInvalidArgument, arg) }

func with(kind, detail string) Reason {
	return Reason(kind + ":" + detail)
}

// Kind returns the reason without its detail, e.g. "UnsafePath".
// Used as a low-cardinality metrics label.
func (r Reason) Kind() string {
	s := string(r)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

// Detail returns the part after the first colon, or "".
func (r Reason) Detail() string {
	s := string(r)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

func (r Reason) String() string { return string(r) }

// Denied reports whether r names an actual denial.
func (r Reason) Denied() bool { return r != None }
