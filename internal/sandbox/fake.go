package sandbox

import (
	"context"
	"strings"
	"sync"
)

// FakeAdapter is a scripted in-memory Adapter for tests. Commands succeed
// with empty output unless a rule matches; every call is recorded.
type FakeAdapter struct {
	mu       sync.Mutex
	rules    []fakeRule
	commands []string
	sessions map[string]bool

	// CreateErr and DeleteErr, when set, fail the corresponding calls.
	CreateErr error
	DeleteErr error
}

type fakeRule struct {
	substr string
	result *Result
	err    error
	once   bool
	used   bool
}

// NewFakeAdapter creates an empty fake.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{sessions: make(map[string]bool)}
}

// Stub makes every command containing substr return the given result.
func (f *FakeAdapter) Stub(substr string, result *Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{substr: substr, result: result})
}

// StubOnce is like Stub but the rule is consumed by its first match.
func (f *FakeAdapter) StubOnce(substr string, result *Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{substr: substr, result: result, once: true})
}

// StubErr makes every command containing substr fail at the adapter level.
func (f *FakeAdapter) StubErr(substr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{substr: substr, err: err})
}

// RunInSession matches the command against the scripted rules.
func (f *FakeAdapter) RunInSession(ctx context.Context, session, command string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, command)
	for i := range f.rules {
		r := &f.rules[i]
		if r.used || !strings.Contains(command, r.substr) {
			continue
		}
		if r.once {
			r.used = true
		}
		if r.err != nil {
			return nil, r.err
		}
		return r.result, nil
	}
	return &Result{}, nil
}

// SessionExists reports sessions created through CreateSession.
func (f *FakeAdapter) SessionExists(ctx context.Context, session string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[session], nil
}

// CreateSession records the session as live.
func (f *FakeAdapter) CreateSession(ctx context.Context, session string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return f.CreateErr
	}
	f.sessions[session] = true
	return nil
}

// DeleteSession removes the session.
func (f *FakeAdapter) DeleteSession(ctx context.Context, session string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	delete(f.sessions, session)
	return nil
}

// Commands returns a copy of every command seen, in order.
func (f *FakeAdapter) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// SawCommand reports whether any recorded command contains substr.
func (f *FakeAdapter) SawCommand(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

var _ Adapter = (*FakeAdapter)(nil)
