package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/mend/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <report.json>...",
	Short: "Create pending panic records from report files",
	Long: `Reads one or more panic report JSON files and creates a pending record for
each. A report: {"panic_location": "...", "panic_message": "...",
"sql_statements": ["...", ...]}. Reports for already-tracked locations are
skipped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cleanup := initLogging()
		defer cleanup()

		st, err := openStore()
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer func() { _ = st.Close() }()

		for _, path := range args {
			if err := ingest.IngestFile(st, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %s\n", path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
