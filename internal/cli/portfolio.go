package cli

import (
	"github.com/spf13/cobra"
)

func addPortfolioCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newHoldingsCmd(app))
	rootCmd.AddCommand(newFundsCmd(app))
	rootCmd.AddCommand(newTradesCmd(app))
}

func newPositionsCmd(app *App) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Show a user's open positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			positions, err := engine.Positions(cmd.Context(), user)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(positions)
			}
			if len(positions) == 0 {
				output.Dim("No open positions")
				return nil
			}
			output.Header("%-12s %-5s %-6s %8s %12s %12s %12s", "SYMBOL", "EXCH", "PROD", "QTY", "AVG", "LTP", "P&L")
			for _, p := range positions {
				output.Printf("%-12s %-5s %-6s %8d %12s %12s %12s\n",
					p.Symbol, p.Exchange, p.Product, p.Quantity,
					p.AveragePrice.StringFixed(2), p.LastPrice.StringFixed(2),
					p.UnrealizedPnL.StringFixed(2))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newHoldingsCmd(app *App) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "holdings",
		Short: "Show a user's delivery holdings",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			holdings, err := engine.Holdings(cmd.Context(), user)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(holdings)
			}
			if len(holdings) == 0 {
				output.Dim("No holdings")
				return nil
			}
			output.Header("%-12s %-5s %8s %12s %12s %s", "SYMBOL", "EXCH", "QTY", "AVG", "SETTLES", "STATE")
			for _, h := range holdings {
				state := "pending"
				if h.Settled {
					state = "settled"
				}
				output.Printf("%-12s %-5s %8d %12s %12s %s\n",
					h.Symbol, h.Exchange, h.Quantity, h.AveragePrice.StringFixed(2),
					h.SettlementDate.Format("2006-01-02"), state)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newFundsCmd(app *App) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "funds",
		Short: "Show a user's fund balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			funds, err := engine.Funds(cmd.Context(), user)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(funds)
			}
			output.Header("Funds for %s", funds.UserID)
			output.Printf("  capital:    %s\n", funds.TotalCapital.StringFixed(2))
			output.Printf("  available:  %s\n", funds.AvailableBalance.StringFixed(2))
			output.Printf("  used:       %s\n", funds.UsedMargin.StringFixed(2))
			output.Printf("  realized:   %s\n", funds.RealizedPnL.StringFixed(2))
			output.Printf("  unrealized: %s\n", funds.UnrealizedPnL.StringFixed(2))
			output.Printf("  total P&L:  %s\n", funds.TotalPnL.StringFixed(2))
			output.Dim("  resets: %d, last %s", funds.ResetCount, funds.LastReset.Format("2006-01-02 15:04"))
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newTradesCmd(app *App) *cobra.Command {
	var user string
	var limit int
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Show a user's fills",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			trades, err := engine.Trades(cmd.Context(), user, limit)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(trades)
			}
			if len(trades) == 0 {
				output.Dim("No trades")
				return nil
			}
			output.Header("%-20s %-12s %-5s %-4s %8s %12s %-6s", "TIME", "SYMBOL", "EXCH", "SIDE", "QTY", "PRICE", "PROD")
			for _, t := range trades {
				output.Printf("%-20s %-12s %-5s %-4s %8d %12s %-6s\n",
					t.CreatedAt.Format("2006-01-02 15:04:05"), t.Symbol, t.Exchange,
					t.Side, t.Quantity, t.Price.StringFixed(2), t.Product)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (required)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum trades to show")
	cmd.MarkFlagRequired("user")
	return cmd
}
