package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"sandbox-exchange/internal/sandbox"
)

func addOrderCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Submit, cancel and inspect orders",
	}

	cmd.AddCommand(newOrderSubmitCmd(app))
	cmd.AddCommand(newOrderCancelCmd(app))
	cmd.AddCommand(newOrderStatusCmd(app))
	cmd.AddCommand(newOrderListCmd(app))

	rootCmd.AddCommand(cmd)
}

func newOrderSubmitCmd(app *App) *cobra.Command {
	var (
		symbol   string
		exchange string
		side     string
		quantity int
		price    string
		trigger  string
		ordType  string
		product  string
		strategy string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue an order for execution",
		Long: `Queue an order through the durable submission queue. The returned id
is both the queue entry id and, once delivered, the order id.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			apiKey, _ := cmd.Flags().GetString("api-key")
			if apiKey == "" {
				return fmt.Errorf("--api-key is required")
			}

			priceDec, err := parsePrice(price, "price")
			if err != nil {
				return err
			}
			triggerDec, err := parsePrice(trigger, "trigger")
			if err != nil {
				return err
			}

			engine, err := app.Engine()
			if err != nil {
				return err
			}
			id, err := engine.SubmitOrder(cmd.Context(), apiKey, sandbox.SubmitPayload{
				Strategy:     strategy,
				Symbol:       symbol,
				Exchange:     exchange,
				Side:         side,
				Quantity:     quantity,
				Price:        priceDec,
				TriggerPrice: triggerDec,
				Type:         ordType,
				Product:      product,
			})
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{"id": id, "status": "queued"})
			}
			output.Success("Order queued: %s", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "", "trading symbol (required)")
	cmd.Flags().StringVar(&exchange, "exchange", "NSE", "exchange (NSE, BSE, NFO, CDS, MCX, NCDEX)")
	cmd.Flags().StringVar(&side, "side", "", "BUY or SELL (required)")
	cmd.Flags().IntVar(&quantity, "quantity", 0, "order quantity (required)")
	cmd.Flags().StringVar(&price, "price", "", "limit price")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger price for SL/SL-M")
	cmd.Flags().StringVar(&ordType, "type", "MARKET", "order type (MARKET, LIMIT, SL, SL-M)")
	cmd.Flags().StringVar(&product, "product", "MIS", "product (CNC, NRML, MIS)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "strategy tag")
	cmd.MarkFlagRequired("symbol")
	cmd.MarkFlagRequired("side")
	cmd.MarkFlagRequired("quantity")

	return cmd
}

func newOrderCancelCmd(app *App) *cobra.Command {
	var queued bool
	cmd := &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel an open order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			output := NewOutput(cmd)

			if queued {
				if err := engine.CancelQueued(cmd.Context(), args[0]); err != nil {
					return err
				}
				output.Success("Queued submission cancelled: %s", args[0])
				return nil
			}

			apiKey, _ := cmd.Flags().GetString("api-key")
			if apiKey == "" {
				return fmt.Errorf("--api-key is required")
			}
			order, err := engine.CancelOrder(cmd.Context(), apiKey, args[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(order)
			}
			output.Success("Order cancelled: %s", order.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&queued, "queued", false, "cancel an undelivered queue entry instead of an open order")
	return cmd
}

func newOrderStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status <order-id>",
		Short: "Show one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			order, err := engine.OrderStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(order)
			}
			output.Header("%s  %s %d %s @ %s", order.ID, order.Side, order.Quantity, order.Symbol, order.Exchange)
			output.Printf("  type: %-8s product: %-6s status: %s\n", order.Type, order.Product, order.Status)
			if order.Status == "complete" {
				output.Printf("  filled %d @ %s\n", order.FilledQty, order.AveragePrice.StringFixed(2))
			}
			if order.Reason != "" {
				output.Dim("  reason: %s", order.Reason)
			}
			return nil
		},
	}
}

func newOrderListCmd(app *App) *cobra.Command {
	var user string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			orders, err := engine.Orders(cmd.Context(), user, limit)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(orders)
			}
			if len(orders) == 0 {
				output.Dim("No orders")
				return nil
			}
			for _, o := range orders {
				output.Printf("%-36s  %-4s %6d %-12s %-5s %-8s %-6s %s\n",
					o.ID, o.Side, o.Quantity, o.Symbol, o.Exchange, o.Type, o.Product, o.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (required)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum orders to show")
	cmd.MarkFlagRequired("user")
	return cmd
}

func parsePrice(raw, field string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q", field, raw)
	}
	return d, nil
}
