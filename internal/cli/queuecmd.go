package cli

import (
	"github.com/spf13/cobra"
)

func addQueueCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the submission queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered submissions",
		Long: `List queue entries that exhausted their delivery retries. Dead
letters are never retried automatically; resubmit the order to try
again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			entries, err := engine.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(entries)
			}
			if len(entries) == 0 {
				output.Dim("Dead-letter queue is empty")
				return nil
			}
			for _, e := range entries {
				output.Header("%s  (%d retries)", e.ID, e.RetryCount)
				output.Printf("  %s\n", string(e.Payload))
				output.Error("  last error: %s", e.LastError)
			}
			return nil
		},
	})

	rootCmd.AddCommand(cmd)
}
