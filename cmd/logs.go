package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/mend/internal/store"
)

var (
	logsLimit    int
	logsLocation string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print durable workflow log events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cleanup := initLogging()
		defer cleanup()

		st, err := openStore()
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer func() { _ = st.Close() }()

		var events []*store.LogEvent
		if logsLocation != "" {
			events, err = st.GetLogsByPanicLocation(logsLocation)
		} else {
			events, err = st.GetLogs(logsLimit)
		}
		if err != nil {
			return err
		}

		for _, ev := range events {
			line := fmt.Sprintf("%s [%s]", ev.Timestamp.Format("2006-01-02T15:04:05"), ev.Level)
			if ev.PanicLocation != "" {
				line += " " + ev.PanicLocation
			}
			if ev.Phase != "" {
				line += " (" + ev.Phase + ")"
			}
			line += " " + ev.Message
			for k, v := range ev.Details {
				line += fmt.Sprintf(" %s=%s", k, v)
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 50, "number of recent events")
	logsCmd.Flags().StringVarP(&logsLocation, "location", "l", "", "filter by panic location")
	rootCmd.AddCommand(logsCmd)
}
