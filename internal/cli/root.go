package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sandbox-exchange/internal/config"
	"sandbox-exchange/internal/logging"
	"sandbox-exchange/internal/sandbox"
)

// Version information
const (
	Version = "0.1.0"
)

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	engine *sandbox.Engine
}

// Engine lazily assembles the sandbox engine. Commands that never touch
// the ledger (version, help) avoid opening it.
func (a *App) Engine() (*sandbox.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	engine, err := sandbox.New(a.Config, a.Logger)
	if err != nil {
		return nil, err
	}
	a.engine = engine
	return engine, nil
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Sandbox Exchange - virtual trading engine",
		Long: `Sandbox Exchange is a paper-trading engine for the Indian stock market.

Orders execute against live or seeded market prices with virtual funds:
margin blocking, weighted-average positions, T+1 delivery, intraday
square-off and a weekly reset to starting capital.

Use 'sandbox help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app.engine != nil {
				app.engine.Close()
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("api-key", "", "API key for authenticated commands")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd(app))
	addOrderCommands(rootCmd, app)
	addPortfolioCommands(rootCmd, app)
	addQueueCommands(rootCmd, app)
	addConfigCommands(rootCmd, app)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"version": Version})
				return
			}
			output.Printf("Sandbox Exchange v%s\n", Version)
		},
	}
}

func addConfigCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Runtime engine parameters",
		Long: `Read and write the engine parameters stored in the ledger.

Changes apply on the next engine cycle; no restart is needed.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show all runtime parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			values, err := engine.AllConfig(cmd.Context())
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(values)
			}
			for key, value := range values {
				output.Printf("%-28s %s\n", key, value)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Read one runtime parameter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			value, err := engine.ConfigValue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{args[0]: value})
			}
			output.Println(value)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write one runtime parameter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			if err := engine.SetConfigValue(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			NewOutput(cmd).Success("%s = %s", args[0], args[1])
			return nil
		},
	})

	rootCmd.AddCommand(cmd)
}
