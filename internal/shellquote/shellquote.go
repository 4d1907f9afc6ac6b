// Package shellquote builds shell fragments for commands executed inside
// sandbox sessions. All quoting in the orchestrator funnels through here:
// commit messages, TCL test files, and the context document heredoc.
package shellquote

import (
	"fmt"
	"strings"
)

// Escape makes s safe for embedding inside a single-quoted shell string:
// each single quote becomes quote, backslash-quote, quote. The caller
// supplies the surrounding quotes.
func Escape(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}

// Single returns s wrapped in single quotes with internal quotes escaped,
// ready to be used as one shell word.
func Single(s string) string {
	return "'" + Escape(s) + "'"
}

// Heredoc returns a command writing content to path via a quoted heredoc.
// The delimiter is quoted so the body is taken literally, without variable
// or command expansion.
func Heredoc(path, content string) string {
	delim := heredocDelimiter(content)
	return fmt.Sprintf("cat > %s << '%s'\n%s\n%s", Single(path), delim, content, delim)
}

// heredocDelimiter picks a delimiter that does not occur as a line of the
// body. ENDXX works for everything the orchestrator writes; the suffix grows
// in the degenerate case where the body contains the delimiter itself.
func heredocDelimiter(content string) string {
	delim := "ENDXX"
	for lineEquals(content, delim) {
		delim += "X"
	}
	return delim
}

func lineEquals(content, delim string) bool {
	for _, line := range strings.Split(content, "\n") {
		if line == delim {
			return true
		}
	}
	return false
}
