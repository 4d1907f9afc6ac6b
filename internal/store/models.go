package store

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the workflow phase a panic fix is in.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPreflight        Status = "preflight"
	StatusRepoSetup        Status = "repo_setup"
	StatusReproducing      Status = "reproducing"
	StatusFixing           Status = "fixing"
	StatusShipping         Status = "shipping"
	StatusPROpen           Status = "pr_open"
	StatusNeedsHumanReview Status = "needs_human_review"
)

// IsTerminal returns true when no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusPROpen || s == StatusNeedsHumanReview
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPreflight, StatusRepoSetup, StatusReproducing,
		StatusFixing, StatusShipping, StatusPROpen, StatusNeedsHumanReview:
		return true
	}
	return false
}

// WorkflowError records why a panic fix was parked for a human.
type WorkflowError struct {
	Phase     string    `json:"phase"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// PanicFix is the durable record for one reported panic.
type PanicFix struct {
	PanicLocation string
	PanicMessage  string
	SQLStatements []string
	Status        Status
	RetryCount    int
	BranchName    string
	PRURL         string
	WorkflowError *WorkflowError
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LogLevel classifies a durable log event.
type LogLevel string

const (
	LevelInfo   LogLevel = "info"
	LevelWarn   LogLevel = "warn"
	LevelError  LogLevel = "error"
	LevelSystem LogLevel = "system"
)

// LogEvent is an append-only observation record. It is never read back by
// the engine.
type LogEvent struct {
	ID            int64
	PanicLocation string
	Phase         string
	Level         LogLevel
	Message       string
	Details       map[string]string
	Timestamp     time.Time
}

// panicFixModel is the database row shape for the panic_fixes table.
// Timestamps are Unix nanoseconds so insertion order survives sub-second
// bursts.
type panicFixModel struct {
	PanicLocation string
	PanicMessage  string
	SQLStatements string
	Status        string
	RetryCount    int
	BranchName    *string
	PRURL         *string
	WorkflowError *string
	CreatedAt     int64
	UpdatedAt     int64
}

func (m *panicFixModel) toDomain() (*PanicFix, error) {
	p := &PanicFix{
		PanicLocation: m.PanicLocation,
		PanicMessage:  m.PanicMessage,
		Status:        Status(m.Status),
		RetryCount:    m.RetryCount,
		CreatedAt:     time.Unix(0, m.CreatedAt),
		UpdatedAt:     time.Unix(0, m.UpdatedAt),
	}
	if m.SQLStatements != "" {
		p.SQLStatements = strings.Split(m.SQLStatements, "\n")
	}
	if m.BranchName != nil {
		p.BranchName = *m.BranchName
	}
	if m.PRURL != nil {
		p.PRURL = *m.PRURL
	}
	if m.WorkflowError != nil {
		var we WorkflowError
		if err := json.Unmarshal([]byte(*m.WorkflowError), &we); err != nil {
			return nil, err
		}
		p.WorkflowError = &we
	}
	return p, nil
}
