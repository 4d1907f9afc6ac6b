// Package slug derives deterministic identifiers from panic locations.
// The same slug names the sandbox session, the fix branch suffix, and the
// TCL test file for a given panic.
package slug

import "strings"

// Make lowercases s, collapses every run of characters outside [a-z0-9]
// into a single '-', and trims leading/trailing dashes. The transform is
// idempotent.
func Make(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	pendingDash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		} else {
			pendingDash = true
		}
	}
	return b.String()
}

// SessionName returns the sandbox session name for a panic location.
func SessionName(panicLocation string) string {
	return Make(panicLocation)
}

// BranchName returns the fix branch for a panic location.
func BranchName(panicLocation string) string {
	return "fix/panic-" + Make(panicLocation)
}

// TestFileName returns the TCL regression test path for a panic location,
// relative to the repository root inside the sandbox.
func TestFileName(panicLocation string) string {
	return "test/panic-" + Make(panicLocation) + ".test"
}
