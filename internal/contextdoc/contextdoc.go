// Package contextdoc reads and writes panic_context.md, the markdown file
// inside a fix branch that carries machine-readable state between phases
// and agents. The first fenced ```json block in the file is authoritative.
package contextdoc

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// FileName is the context document's path inside the sandbox checkout.
const FileName = "panic_context.md"

// fencedJSON captures the body of the first ```json fence. Non-greedy and
// dot-all so later fences and embedded backticks don't extend the match.
var fencedJSON = regexp.MustCompile("(?s)```json\\s*\n(.*?)\n```")

// Data is the structured payload of the context document. Fields fill in
// progressively as phases complete.
type Data struct {
	PanicLocation      string `json:"panic_location"`
	PanicMessage       string `json:"panic_message"`
	TCLTestFile        string `json:"tcl_test_file"`
	FailingSeed        string `json:"failing_seed"`
	WhySimulatorMissed string `json:"why_simulator_missed"`
	SimulatorChanges   string `json:"simulator_changes"`
	BugDescription     string `json:"bug_description"`
	FixDescription     string `json:"fix_description"`
}

// Phase selects which required-field set applies during validation. The
// sets grow monotonically: every later phase requires all earlier fields.
type Phase string

const (
	PhaseRepoSetup  Phase = "repo_setup"
	PhaseReproducer Phase = "reproducer"
	PhaseFixer      Phase = "fixer"
	PhaseShip       Phase = "ship"
)

var (
	repoSetupFields  = []string{"panic_location", "panic_message", "tcl_test_file"}
	reproducerFields = append(repoSetupFields[:len(repoSetupFields):len(repoSetupFields)],
		"failing_seed", "why_simulator_missed", "simulator_changes")
	fixerFields = append(reproducerFields[:len(reproducerFields):len(reproducerFields)],
		"bug_description", "fix_description")
)

// RequiredFields returns the field names a document must carry to pass
// validation for the given phase.
func RequiredFields(phase Phase) []string {
	switch phase {
	case PhaseRepoSetup:
		return repoSetupFields
	case PhaseReproducer:
		return reproducerFields
	case PhaseFixer, PhaseShip:
		return fixerFields
	default:
		return nil
	}
}

// ParseError reports a document whose JSON block is absent or malformed.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("context document parse error: %s", e.Reason)
}

// ValidationError lists every required field that is absent, null, or
// empty. All failures are reported together.
type ValidationError struct {
	Phase   Phase
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("context document invalid for %s: missing %s",
		e.Phase, strings.Join(e.Missing, ", "))
}

// Parse extracts and decodes the first fenced JSON block of content.
func Parse(content string) (*Data, error) {
	m := fencedJSON.FindStringSubmatch(content)
	if m == nil {
		return nil, &ParseError{Reason: "no fenced json block found"}
	}

	var data Data
	if err := json.Unmarshal([]byte(m[1]), &data); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("invalid json: %v", err)}
	}
	return &data, nil
}

// ParseAndValidate parses content and checks the required-field set for
// phase. A field is present iff it is neither absent, null, nor "".
func ParseAndValidate(content string, phase Phase) (*Data, error) {
	m := fencedJSON.FindStringSubmatch(content)
	if m == nil {
		return nil, &ParseError{Reason: "no fenced json block found"}
	}

	// Decode into a loose map first so absent, null, and empty are
	// distinguishable, then into the typed record.
	var raw map[string]any
	if err := json.Unmarshal([]byte(m[1]), &raw); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("invalid json: %v", err)}
	}

	var missing []string
	for _, field := range RequiredFields(phase) {
		v, ok := raw[field]
		if !ok || v == nil {
			missing = append(missing, field)
			continue
		}
		if s, isString := v.(string); isString && s == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Phase: phase, Missing: missing}
	}

	var data Data
	if err := json.Unmarshal([]byte(m[1]), &data); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("invalid json: %v", err)}
	}
	return &data, nil
}

// Generate produces the initial context document for a panic. The fenced
// JSON block seeds the fields repo_setup is responsible for; agents fill
// the rest in place.
func Generate(panicLocation, panicMessage, tclTestFile string, sqlStatements []string) (string, error) {
	seed := map[string]string{
		"panic_location": panicLocation,
		"panic_message":  panicMessage,
		"tcl_test_file":  tclTestFile,
	}
	encoded, err := json.MarshalIndent(seed, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding context seed: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Panic Context\n\n")
	b.WriteString("## Panic Info\n\n")
	fmt.Fprintf(&b, "- Location: `%s`\n", panicLocation)
	fmt.Fprintf(&b, "- Message: %s\n\n", panicMessage)
	b.WriteString("## SQL Statements\n\n")
	b.WriteString("```sql\n")
	for _, stmt := range sqlStatements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		b.WriteString(stmt)
		b.WriteString("\n")
	}
	b.WriteString("```\n\n")
	b.WriteString("## Reproducer Notes\n\n")
	b.WriteString("_Filled in by the reproducer agent: failing seed, why the simulator missed this, simulator changes._\n\n")
	b.WriteString("## Fixer Notes\n\n")
	b.WriteString("_Filled in by the fixer agent: bug description, fix description._\n\n")
	b.WriteString("```json\n")
	b.Write(encoded)
	b.WriteString("\n```\n")
	return b.String(), nil
}
