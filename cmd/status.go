package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List tracked panics and their workflow state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cleanup := initLogging()
		defer cleanup()

		st, err := openStore()
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer func() { _ = st.Close() }()

		fixes, err := st.ListPanicFixes()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LOCATION\tSTATUS\tRETRIES\tBRANCH\tPR")
		for _, p := range fixes {
			pr := p.PRURL
			if pr == "" && p.WorkflowError != nil {
				pr = fmt.Sprintf("(%s: %s)", p.WorkflowError.Phase, p.WorkflowError.Error)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				p.PanicLocation, p.Status, p.RetryCount, p.BranchName, pr)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
