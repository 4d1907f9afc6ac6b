package workflow

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zjrosen/mend/internal/agent"
)

//go:embed prompts/*.md
var promptFS embed.FS

var (
	promptsOnce sync.Once
	promptsDir  string
	promptsErr  error
)

// PromptPath materializes the embedded prompt for an agent kind to disk
// and returns its path. Files are written once per process.
func PromptPath(kind agent.Kind) (string, error) {
	promptsOnce.Do(func() {
		dir, err := os.MkdirTemp("", "mend-prompts-")
		if err != nil {
			promptsErr = fmt.Errorf("creating prompt dir: %w", err)
			return
		}
		entries, err := promptFS.ReadDir("prompts")
		if err != nil {
			promptsErr = fmt.Errorf("reading embedded prompts: %w", err)
			return
		}
		for _, entry := range entries {
			data, err := promptFS.ReadFile("prompts/" + entry.Name())
			if err != nil {
				promptsErr = fmt.Errorf("reading prompt %s: %w", entry.Name(), err)
				return
			}
			if err := os.WriteFile(filepath.Join(dir, entry.Name()), data, 0600); err != nil {
				promptsErr = fmt.Errorf("writing prompt %s: %w", entry.Name(), err)
				return
			}
		}
		promptsDir = dir
	})
	if promptsErr != nil {
		return "", promptsErr
	}

	path := filepath.Join(promptsDir, string(kind)+".md")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no prompt for agent kind %s: %w", kind, err)
	}
	return path, nil
}
