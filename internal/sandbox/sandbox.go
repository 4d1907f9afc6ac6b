// Package sandbox talks to the isolation provider: per-panic sessions that
// commands execute inside. The adapter is deliberately opaque about what a
// command does; it ships shell strings in and captures output, exit code,
// or an unreachable error out.
package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnreachable is returned when the session itself cannot be reached —
// as opposed to a command that ran and exited non-zero, which is reported
// through Result.ExitCode.
var ErrUnreachable = errors.New("sandbox session unreachable")

// Result captures one command execution inside a session.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Ok reports whether the command exited zero.
func (r *Result) Ok() bool {
	return r.ExitCode == 0
}

// Combined returns stdout and stderr concatenated, for matching provider
// messages that may land on either stream.
func (r *Result) Combined() string {
	return r.Stdout + r.Stderr
}

// Adapter is the sandbox provider contract consumed by the workflow
// engine. Implementations must return a Result even for non-zero exits and
// reserve errors for unreachable sessions.
type Adapter interface {
	// RunInSession executes a shell command inside the named session.
	RunInSession(ctx context.Context, session, command string) (*Result, error)

	// SessionExists reports whether the named session is live.
	SessionExists(ctx context.Context, session string) (bool, error)

	// CreateSession provisions a fresh session with the given name.
	CreateSession(ctx context.Context, session string) error

	// DeleteSession tears a session down. Deleting an absent session is
	// not an error.
	DeleteSession(ctx context.Context, session string) error
}

// unreachable wraps an adapter-level failure with session context.
func unreachable(session string, err error) error {
	return fmt.Errorf("session %s: %w: %v", session, ErrUnreachable, err)
}
