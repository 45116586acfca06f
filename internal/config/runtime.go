package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"sandbox-exchange/internal/models"
)

// Ledger config keys. These rows are read by every engine loop on each
// cycle so changes take effect without a restart.
const (
	KeyStartingCapital    = "starting_capital"
	KeyOrderCheckInterval = "order_check_interval"
	KeyMTMInterval        = "mtm_interval"
	KeyResetDay           = "reset_day"
	KeyResetTime          = "reset_time"
	KeyLeverageEquityMIS  = "leverage_equity_mis"
	KeyLeverageFutures    = "leverage_futures"
	KeySettlementDays     = "settlement_days"
	KeyQueueMaxRetries    = "queue_max_retries"
	KeyQueuePollInterval  = "queue_poll_interval"
)

// SquareOffKey returns the ledger key holding a segment's square-off time.
func SquareOffKey(segment models.Segment) string {
	return "squareoff_time_" + string(segment)
}

// KV is the slice of the ledger store the runtime reader needs.
type KV interface {
	GetConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error
}

// Runtime reads engine parameters from the ledger config table.
type Runtime struct {
	kv KV
}

// NewRuntime creates a runtime parameter reader over the ledger.
func NewRuntime(kv KV) *Runtime {
	return &Runtime{kv: kv}
}

// In returns a Runtime reading through kv in place of the root ledger
// handle. Callers holding an open transaction must use it with a
// transaction-scoped config view; a root-handle read under a transaction
// deadlocks the single-connection pool.
func (r *Runtime) In(kv KV) *Runtime {
	return &Runtime{kv: kv}
}

// Seed writes the engine defaults into the ledger for any key not already
// present. Administrative edits are never overwritten.
func (r *Runtime) Seed(ctx context.Context, e EngineConfig) error {
	seeds := map[string]string{
		KeyStartingCapital:                      e.StartingCapital,
		KeyOrderCheckInterval:                   strconv.Itoa(e.OrderCheckInterval),
		KeyMTMInterval:                          strconv.Itoa(e.MTMInterval),
		KeyResetDay:                             e.ResetDay,
		KeyResetTime:                            e.ResetTime,
		SquareOffKey(models.SegmentEquity):      e.SquareOffEquity,
		SquareOffKey(models.SegmentCurrency):    e.SquareOffCurrency,
		SquareOffKey(models.SegmentCommodity):   e.SquareOffCommodity,
		SquareOffKey(models.SegmentAgri):        e.SquareOffAgri,
		KeyLeverageEquityMIS:                    e.LeverageEquityMIS,
		KeyLeverageFutures:                      e.LeverageFutures,
		KeySettlementDays:                       strconv.Itoa(e.SettlementDays),
		KeyQueueMaxRetries:                      strconv.Itoa(e.QueueMaxRetries),
		KeyQueuePollInterval:                    strconv.Itoa(e.QueuePollInterval),
	}

	for key, value := range seeds {
		existing, err := r.kv.GetConfigValue(ctx, key)
		if err != nil {
			return fmt.Errorf("seeding %s: %w", key, err)
		}
		if existing != "" {
			continue
		}
		if err := r.kv.SetConfigValue(ctx, key, value); err != nil {
			return fmt.Errorf("seeding %s: %w", key, err)
		}
	}
	return nil
}

func (r *Runtime) decimalValue(ctx context.Context, key string, fallback decimal.Decimal) decimal.Decimal {
	raw, err := r.kv.GetConfigValue(ctx, key)
	if err != nil || raw == "" {
		return fallback
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fallback
	}
	return d
}

func (r *Runtime) intValue(ctx context.Context, key string, fallback int) int {
	raw, err := r.kv.GetConfigValue(ctx, key)
	if err != nil || raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// StartingCapital returns the capital each user starts and resets with.
func (r *Runtime) StartingCapital(ctx context.Context) decimal.Decimal {
	return r.decimalValue(ctx, KeyStartingCapital, decimal.NewFromInt(10000000))
}

// OrderCheckInterval returns the order-check tick interval.
func (r *Runtime) OrderCheckInterval(ctx context.Context) time.Duration {
	return time.Duration(r.intValue(ctx, KeyOrderCheckInterval, 5)) * time.Second
}

// MTMInterval returns the mark-to-market tick interval; zero disables MTM.
func (r *Runtime) MTMInterval(ctx context.Context) time.Duration {
	return time.Duration(r.intValue(ctx, KeyMTMInterval, 5)) * time.Second
}

// SettlementDays returns the CNC settlement delay in trading days.
func (r *Runtime) SettlementDays(ctx context.Context) int {
	return r.intValue(ctx, KeySettlementDays, 1)
}

// QueueMaxRetries returns the delivery retry budget before dead-lettering.
func (r *Runtime) QueueMaxRetries(ctx context.Context) int {
	return r.intValue(ctx, KeyQueueMaxRetries, 3)
}

// QueuePollInterval returns the queue worker poll interval.
func (r *Runtime) QueuePollInterval(ctx context.Context) time.Duration {
	return time.Duration(r.intValue(ctx, KeyQueuePollInterval, 2)) * time.Second
}

// Leverage returns the margin multiplier for an instrument class and
// product. Equity CNC and options (both sides) stay at 1x; the option-sell
// case deliberately mirrors option-buy, no margin benefit is modelled.
func (r *Runtime) Leverage(ctx context.Context, class models.InstrumentClass, product models.ProductType) decimal.Decimal {
	one := decimal.NewFromInt(1)
	switch class {
	case models.ClassFutures:
		return r.decimalValue(ctx, KeyLeverageFutures, decimal.NewFromInt(10))
	case models.ClassOption:
		return one
	default:
		if product == models.ProductMIS {
			return r.decimalValue(ctx, KeyLeverageEquityMIS, decimal.NewFromInt(5))
		}
		return one
	}
}

// SquareOffTime returns the wall-clock square-off time for a segment.
func (r *Runtime) SquareOffTime(ctx context.Context, segment models.Segment) (hour, minute int, err error) {
	raw, err := r.kv.GetConfigValue(ctx, SquareOffKey(segment))
	if err != nil {
		return 0, 0, err
	}
	if raw == "" {
		return 0, 0, fmt.Errorf("square-off time for %s not configured", segment)
	}
	return parseClock(raw)
}

// ResetSchedule returns the weekly reset day and clock time.
func (r *Runtime) ResetSchedule(ctx context.Context) (day time.Weekday, hour, minute int, err error) {
	rawDay, err := r.kv.GetConfigValue(ctx, KeyResetDay)
	if err != nil {
		return 0, 0, 0, err
	}
	day, err = parseWeekday(rawDay)
	if err != nil {
		return 0, 0, 0, err
	}
	rawTime, err := r.kv.GetConfigValue(ctx, KeyResetTime)
	if err != nil {
		return 0, 0, 0, err
	}
	if rawTime == "" {
		rawTime = "00:00"
	}
	hour, minute, err = parseClock(rawTime)
	return day, hour, minute, err
}

func parseClock(raw string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock time %q", raw)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid clock time %q", raw)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid clock time %q", raw)
	}
	return hour, minute, nil
}

func parseWeekday(raw string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	default:
		return time.Sunday, fmt.Errorf("invalid weekday %q", raw)
	}
}
