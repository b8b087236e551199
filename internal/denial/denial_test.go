package denial

import "testing"

func TestReasonStrings(t *testing.T) {
	tests := []struct {
		reason Reason
		want   string
		kind   string
		detail string
	}{
		{NoPolicyForProgram, "NoPolicyForProgram", "NoPolicyForProgram", ""},
		{FlagNotAllowed("--evil-flag"), "FlagNotAllowed:--evil-flag", "FlagNotAllowed", "--evil-flag"},
		{FlagExpectsValue("-k"), "FlagExpectsValue:-k", "FlagExpectsValue", "-k"},
		{UnsafePath("../../../etc/passwd"), "UnsafePath:../../../etc/passwd", "UnsafePath", "../../../etc/passwd"},
		{SpawnFailed("executable not found"), "SpawnFailed:executable not found", "SpawnFailed", "executable not found"},
		{UnsafePath("C:\\x"), "UnsafePath:C:\\x", "UnsafePath", "C:\\x"},
	}
	for _, tt := range tests {
		if got := tt.reason.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		if got := tt.reason.Kind(); got != tt.kind {
			t.Errorf("%q Kind() = %q, want %q", tt.want, got, tt.kind)
		}
		if got := tt.reason.Detail(); got != tt.detail {
			t.Errorf("%q Detail() = %q, want %q", tt.want, got, tt.detail)
		}
	}
}

func TestNoneIsNotDenied(t *testing.T) {
	if None.Denied() {
		t.Error("None should not be a denial")
	}
	if !Cancelled.Denied() {
		t.Error("Cancelled should be a denial")
	}
}
