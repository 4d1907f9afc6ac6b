// Package ingest turns panic reports into pending store records. Reports
// are JSON files, either handed to Ingest directly (the `mend ingest`
// command) or dropped into a spool directory the Watcher picks up.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zjrosen/mend/internal/log"
	"github.com/zjrosen/mend/internal/store"
)

// Report is the on-disk shape of one panic report.
type Report struct {
	PanicLocation string   `json:"panic_location"`
	PanicMessage  string   `json:"panic_message"`
	SQLStatements []string `json:"sql_statements"`
}

// Validate checks the fields the workflow cannot run without.
func (r *Report) Validate() error {
	if strings.TrimSpace(r.PanicLocation) == "" {
		return errors.New("panic_location is required")
	}
	if strings.TrimSpace(r.PanicMessage) == "" {
		return errors.New("panic_message is required")
	}
	return nil
}

// ParseReport decodes and validates a report.
func ParseReport(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding panic report: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid panic report: %w", err)
	}
	return &r, nil
}

// IngestFile reads a report file and creates its store record. A report
// for an already-tracked location is skipped, not an error.
func IngestFile(st *store.Store, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied report path
	if err != nil {
		return fmt.Errorf("reading report %s: %w", path, err)
	}
	r, err := ParseReport(data)
	if err != nil {
		return fmt.Errorf("report %s: %w", path, err)
	}

	err = st.CreatePanicFix(r.PanicLocation, r.PanicMessage, r.SQLStatements)
	if errors.Is(err, store.ErrAlreadyExists) {
		log.Info(log.CatIngest, "Report already tracked",
			"path", path, "location", r.PanicLocation)
		return nil
	}
	if err != nil {
		return err
	}
	log.Info(log.CatIngest, "Report ingested", "path", path, "location", r.PanicLocation)
	return nil
}
