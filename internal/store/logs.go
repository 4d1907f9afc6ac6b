package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// InsertLog appends a structured log event. The timestamp is assigned here
// unless the caller already set one.
func (s *Store) InsertLog(ev LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("InsertLog"); err != nil {
		return err
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var details *string
	if len(ev.Details) > 0 {
		encoded, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("encoding log details: %w", err)
		}
		d := string(encoded)
		details = &d
	}

	var location, phase *string
	if ev.PanicLocation != "" {
		location = &ev.PanicLocation
	}
	if ev.Phase != "" {
		phase = &ev.Phase
	}

	_, err := s.db.Exec(
		`INSERT INTO logs (panic_location, phase, level, message, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		location, phase, string(ev.Level), ev.Message, details, ts.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting log event: %w", err)
	}
	return nil
}

// GetLogs returns the most recent limit events, newest first.
func (s *Store) GetLogs(limit int) ([]*LogEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("GetLogs"); err != nil {
		return nil, err
	}
	return s.queryLogs(
		`SELECT id, panic_location, phase, level, message, details, created_at
		 FROM logs ORDER BY id DESC LIMIT ?`, limit)
}

// GetLogsByPanicLocation returns every event for one panic, oldest first.
func (s *Store) GetLogsByPanicLocation(location string) ([]*LogEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("GetLogsByPanicLocation"); err != nil {
		return nil, err
	}
	return s.queryLogs(
		`SELECT id, panic_location, phase, level, message, details, created_at
		 FROM logs WHERE panic_location = ? ORDER BY id ASC`, location)
}

// queryLogs must be called with s.mu held.
func (s *Store) queryLogs(query string, args ...any) ([]*LogEvent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*LogEvent
	for rows.Next() {
		ev, err := scanLogEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating logs: %w", err)
	}
	return events, nil
}

func scanLogEvent(rows *sql.Rows) (*LogEvent, error) {
	var (
		ev              LogEvent
		location, phase *string
		details         *string
		level           string
		createdAt       int64
	)
	if err := rows.Scan(&ev.ID, &location, &phase, &level, &ev.Message, &details, &createdAt); err != nil {
		return nil, err
	}
	if location != nil {
		ev.PanicLocation = *location
	}
	if phase != nil {
		ev.Phase = *phase
	}
	ev.Level = LogLevel(level)
	ev.Timestamp = time.Unix(0, createdAt)
	if details != nil {
		if err := json.Unmarshal([]byte(*details), &ev.Details); err != nil {
			return nil, err
		}
	}
	return &ev, nil
}
