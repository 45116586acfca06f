package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sandbox engine",
		Long: `Run the engine loops: queue delivery, order checks, mark-to-market,
auto square-off, settlement and the weekly reset. Blocks until
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app.Logger.Info().Msg("Sandbox engine starting")
			if err := engine.Run(ctx); err != nil {
				return err
			}
			app.Logger.Info().Msg("Sandbox engine stopped")
			return nil
		},
	}
}
