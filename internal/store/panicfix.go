package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/mend/internal/log"
)

const panicFixColumns = `panic_location, panic_message, sql_statements, status,
	retry_count, branch_name, pr_url, workflow_error, created_at, updated_at`

// StatusFields carries the optional columns UpdatePanicStatus can set in
// the same transaction as the status change.
type StatusFields struct {
	BranchName string
	PRURL      string
}

func scanPanicFix(scanner interface{ Scan(...any) error }) (*panicFixModel, error) {
	var m panicFixModel
	err := scanner.Scan(
		&m.PanicLocation, &m.PanicMessage, &m.SQLStatements, &m.Status,
		&m.RetryCount, &m.BranchName, &m.PRURL, &m.WorkflowError,
		&m.CreatedAt, &m.UpdatedAt,
	)
	return &m, err
}

// CreatePanicFix inserts a new record with status pending.
// Returns ErrAlreadyExists when the location is already tracked.
func (s *Store) CreatePanicFix(location, message string, sqlStatements []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("CreatePanicFix"); err != nil {
		return err
	}

	now := time.Now().UnixNano()
	_, err := s.db.Exec(
		`INSERT INTO panic_fixes (panic_location, panic_message, sql_statements, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		location, message, strings.Join(sqlStatements, "\n"), string(StatusPending), now, now,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create %s: %w", location, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("creating panic fix %s: %w", location, err)
	}
	log.Info(log.CatStore, "Created panic fix", "location", location)
	return nil
}

// GetPanicFix retrieves a record by location. Returns (nil, nil) when the
// location is unknown.
func (s *Store) GetPanicFix(location string) (*PanicFix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("GetPanicFix"); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(
		`SELECT `+panicFixColumns+` FROM panic_fixes WHERE panic_location = ?`, location)
	m, err := scanPanicFix(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting panic fix %s: %w", location, err)
	}
	return m.toDomain()
}

// GetPendingPanics returns up to limit pending records, oldest first.
func (s *Store) GetPendingPanics(limit int) ([]*PanicFix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("GetPendingPanics"); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT `+panicFixColumns+` FROM panic_fixes
		 WHERE status = ? ORDER BY created_at ASC, panic_location ASC LIMIT ?`,
		string(StatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing pending panics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var fixes []*PanicFix
	for rows.Next() {
		m, err := scanPanicFix(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning panic fix row: %w", err)
		}
		p, err := m.toDomain()
		if err != nil {
			return nil, fmt.Errorf("decoding panic fix row: %w", err)
		}
		fixes = append(fixes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending panics: %w", err)
	}
	return fixes, nil
}

// UpdatePanicStatus sets the status and optional fields in one
// transaction. Forward transitions never carry a workflow error, so the
// column is cleared. Returns ErrNotFound for an unknown location.
func (s *Store) UpdatePanicStatus(location string, status Status, fields *StatusFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("UpdatePanicStatus"); err != nil {
		return err
	}

	set := []string{"status = ?", "workflow_error = NULL", "updated_at = ?"}
	args := []any{string(status), time.Now().UnixNano()}
	if fields != nil && fields.BranchName != "" {
		set = append(set, "branch_name = ?")
		args = append(args, fields.BranchName)
	}
	if fields != nil && fields.PRURL != "" {
		set = append(set, "pr_url = ?")
		args = append(args, fields.PRURL)
	}
	args = append(args, location)

	res, err := s.db.Exec(
		`UPDATE panic_fixes SET `+strings.Join(set, ", ")+` WHERE panic_location = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating status of %s: %w", location, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating status of %s: %w", location, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", location, ErrNotFound)
	}
	log.Debug(log.CatStore, "Status updated", "location", location, "status", status)
	return nil
}

// ClaimPanic atomically transitions a record out of pending. Returns
// ErrConflict when another worker already claimed it.
func (s *Store) ClaimPanic(location string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("ClaimPanic"); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE panic_fixes SET status = ?, updated_at = ?
		 WHERE panic_location = ? AND status = ?`,
		string(to), time.Now().UnixNano(), location, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("claiming %s: %w", location, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claiming %s: %w", location, err)
	}
	if n == 0 {
		return fmt.Errorf("claim %s: %w", location, ErrConflict)
	}
	log.Debug(log.CatStore, "Panic claimed", "location", location, "status", to)
	return nil
}

// IncrementRetryCount adds one to the retry counter.
func (s *Store) IncrementRetryCount(location string) error {
	return s.adjustRetryCount("IncrementRetryCount", location,
		`UPDATE panic_fixes SET retry_count = retry_count + 1, updated_at = ? WHERE panic_location = ?`)
}

// ResetRetryCount restores the retry counter to zero.
func (s *Store) ResetRetryCount(location string) error {
	return s.adjustRetryCount("ResetRetryCount", location,
		`UPDATE panic_fixes SET retry_count = 0, updated_at = ? WHERE panic_location = ?`)
}

func (s *Store) adjustRetryCount(op, location, query string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected(op); err != nil {
		return err
	}

	res, err := s.db.Exec(query, time.Now().UnixNano(), location)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, location, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, location, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, location, ErrNotFound)
	}
	return nil
}

// MarkNeedsHumanReview terminalizes a record, setting the status and the
// workflow error in the same transaction.
func (s *Store) MarkNeedsHumanReview(location string, we WorkflowError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("MarkNeedsHumanReview"); err != nil {
		return err
	}

	encoded, err := json.Marshal(we)
	if err != nil {
		return fmt.Errorf("encoding workflow error for %s: %w", location, err)
	}

	res, err := s.db.Exec(
		`UPDATE panic_fixes SET status = ?, workflow_error = ?, updated_at = ?
		 WHERE panic_location = ?`,
		string(StatusNeedsHumanReview), string(encoded), time.Now().UnixNano(), location,
	)
	if err != nil {
		return fmt.Errorf("marking %s for human review: %w", location, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking %s for human review: %w", location, err)
	}
	if n == 0 {
		return fmt.Errorf("mark %s: %w", location, ErrNotFound)
	}
	log.Warn(log.CatStore, "Panic parked for human review",
		"location", location, "phase", we.Phase, "error", we.Error)
	return nil
}

// ListPanicFixes returns every record, oldest first. Used by the status
// command.
func (s *Store) ListPanicFixes() ([]*PanicFix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("ListPanicFixes"); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT ` + panicFixColumns + ` FROM panic_fixes ORDER BY created_at ASC, panic_location ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing panic fixes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var fixes []*PanicFix
	for rows.Next() {
		m, err := scanPanicFix(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning panic fix row: %w", err)
		}
		p, err := m.toDomain()
		if err != nil {
			return nil, fmt.Errorf("decoding panic fix row: %w", err)
		}
		fixes = append(fixes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating panic fixes: %w", err)
	}
	return fixes, nil
}
