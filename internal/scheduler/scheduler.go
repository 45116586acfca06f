// Package scheduler runs the engine's time-driven jobs: the order-check
// tick, mark-to-market, per-segment auto square-off, the settlement
// sweep and the weekly reset. Every calendar-driven job is idempotent so
// restarts and overlapping checks never run one twice.
package scheduler

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sandbox-exchange/internal/accounting"
	"sandbox-exchange/internal/config"
	"sandbox-exchange/internal/logging"
	"sandbox-exchange/internal/matching"
	"sandbox-exchange/internal/models"
	"sandbox-exchange/internal/oracle"
	"sandbox-exchange/internal/store"
)

// calendarCheckInterval is how often calendar-driven jobs (square-off,
// settlement, weekly reset) are re-evaluated. The jobs themselves guard
// against double runs, so the interval only bounds latency.
const calendarCheckInterval = 30 * time.Second

// Scheduler owns the engine's background loops.
type Scheduler struct {
	store    *store.SQLiteStore
	matching *matching.Engine
	acct     *accounting.Engine
	oracle   oracle.PriceOracle
	runtime  *config.Runtime
	logger   zerolog.Logger
	loc      *time.Location
	now      func() time.Time
}

// New creates a scheduler. All market-calendar arithmetic happens in IST.
func New(s *store.SQLiteStore, m *matching.Engine, a *accounting.Engine, o oracle.PriceOracle, r *config.Runtime, logger zerolog.Logger) *Scheduler {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	return &Scheduler{
		store:    s,
		matching: m,
		acct:     a,
		oracle:   o,
		runtime:  r,
		logger:   logger,
		loc:      loc,
		now:      time.Now,
	}
}

// Run drives all loops until ctx is cancelled. Blocking.
func (s *Scheduler) Run(ctx context.Context) {
	go s.orderCheckLoop(ctx)
	go s.mtmLoop(ctx)
	s.calendarLoop(ctx)
}

// orderCheckLoop fills eligible open orders. The interval is re-read from
// the ledger each cycle so config changes apply without a restart.
func (s *Scheduler) orderCheckLoop(ctx context.Context) {
	for {
		interval := s.runtime.OrderCheckInterval(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		start := s.now()
		filled, err := s.matching.CheckOrders(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("Order check failed")
			continue
		}
		logging.LogTick(s.logger, "order_check", filled, time.Since(start))
	}
}

// mtmLoop refreshes unrealized P&L. A zero interval disables MTM; the
// loop keeps polling the ledger so it can be re-enabled live.
func (s *Scheduler) mtmLoop(ctx context.Context) {
	for {
		interval := s.runtime.MTMInterval(ctx)
		if interval <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(calendarCheckInterval):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		start := s.now()
		n, err := s.RunMTM(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("Mark-to-market failed")
			continue
		}
		logging.LogTick(s.logger, "mtm", n, time.Since(start))
	}
}

func (s *Scheduler) calendarLoop(ctx context.Context) {
	ticker := time.NewTicker(calendarCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := s.now()
		if err := s.RunSquareOffs(ctx, now); err != nil {
			s.logger.Error().Err(err).Msg("Square-off sweep failed")
		}
		if n, err := s.RunSettlement(ctx, now); err != nil {
			s.logger.Error().Err(err).Msg("Settlement sweep failed")
		} else if n > 0 {
			s.logger.Info().Int("holdings", n).Msg("Holdings settled")
		}
		if err := s.RunWeeklyReset(ctx, now); err != nil {
			s.logger.Error().Err(err).Msg("Weekly reset failed")
		}
	}
}

// RunMTM recomputes unrealized P&L for every open position against one
// price snapshot per instrument, then folds the totals into each user's
// funds. Returns the number of positions refreshed.
func (s *Scheduler) RunMTM(ctx context.Context) (int, error) {
	positions, err := s.store.ListAllPositions(ctx)
	if err != nil {
		return 0, err
	}
	if len(positions) == 0 {
		return 0, nil
	}

	snapshot := make(map[string]decimal.Decimal)
	users := make(map[string]bool)
	refreshed := 0
	for i := range positions {
		p := &positions[i]
		key := string(p.Exchange) + ":" + p.Symbol
		price, ok := snapshot[key]
		if !ok {
			quote, err := s.oracle.LastPrice(ctx, p.Symbol, p.Exchange)
			if err != nil {
				continue
			}
			price = quote.Price
			snapshot[key] = price
		}
		if err := s.acct.RefreshPosition(ctx, p, price); err != nil {
			s.logger.Error().Err(err).Str("position", p.Key()).Msg("MTM refresh failed")
			continue
		}
		users[p.UserID] = true
		refreshed++
	}

	for userID := range users {
		if err := s.acct.AggregateUserPnL(ctx, userID); err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("MTM aggregate failed")
		}
	}
	return refreshed, nil
}

// exchangesForSegment lists the exchanges a segment's square-off covers.
func exchangesForSegment(segment models.Segment) []models.Exchange {
	switch segment {
	case models.SegmentCurrency:
		return []models.Exchange{models.CDS}
	case models.SegmentCommodity:
		return []models.Exchange{models.MCX}
	case models.SegmentAgri:
		return []models.Exchange{models.NCDEX}
	default:
		return []models.Exchange{models.NSE, models.BSE, models.NFO}
	}
}

func squareOffDoneKey(segment models.Segment) string {
	return "squareoff_done_" + string(segment)
}

// RunSquareOffs closes intraday positions for every segment whose
// square-off time has passed today. A per-segment date watermark in the
// ledger makes the job idempotent: a segment squares off at most once
// per calendar day no matter how often this runs.
func (s *Scheduler) RunSquareOffs(ctx context.Context, now time.Time) error {
	local := now.In(s.loc)
	today := local.Format("2006-01-02")

	for _, segment := range models.AllSegments() {
		hour, minute, err := s.runtime.SquareOffTime(ctx, segment)
		if err != nil {
			s.logger.Warn().Err(err).Str("segment", string(segment)).Msg("Square-off time unavailable")
			continue
		}
		cutoff := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, s.loc)
		if local.Before(cutoff) {
			continue
		}
		done, err := s.store.GetConfigValue(ctx, squareOffDoneKey(segment))
		if err != nil {
			return err
		}
		if done == today {
			continue
		}

		closed, failed := s.squareOffSegment(ctx, segment)
		if closed > 0 || failed > 0 {
			s.logger.Info().
				Str("segment", string(segment)).
				Int("closed", closed).
				Int("failed", failed).
				Msg("Segment square-off")
		}
		if failed > 0 {
			// Leave the watermark unset so the remaining positions are
			// retried on the next check.
			continue
		}
		if err := s.store.SetConfigValue(ctx, squareOffDoneKey(segment), today); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) squareOffSegment(ctx context.Context, segment models.Segment) (closed, failed int) {
	positions, err := s.store.ListMISPositions(ctx, exchangesForSegment(segment))
	if err != nil {
		s.logger.Error().Err(err).Str("segment", string(segment)).Msg("Listing MIS positions failed")
		return 0, 1
	}

	for i := range positions {
		p := &positions[i]
		quote, err := s.oracle.LastPrice(ctx, p.Symbol, p.Exchange)
		if err != nil {
			s.logger.Warn().Err(err).Str("position", p.Key()).Msg("No price for square-off")
			failed++
			continue
		}
		if _, err := s.matching.ClosePosition(ctx, p, "auto square-off", quote.Price); err != nil {
			s.logger.Error().Err(err).Str("position", p.Key()).Msg("Square-off failed")
			failed++
			continue
		}
		closed++
	}
	return closed, failed
}

// RunSettlement converts due CNC positions into settled holdings: the
// position row shrinks by the settled quantity while the holding becomes
// sellable delivery. Safe to run repeatedly; only unsettled holdings past
// their settlement date are touched.
func (s *Scheduler) RunSettlement(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDueHoldings(ctx, now.UTC())
	if err != nil {
		return 0, err
	}

	settled := 0
	for i := range due {
		h := &due[i]
		mu := s.store.UserLock(h.UserID)
		mu.Lock()
		err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
			return s.settleHolding(ctx, tx, h)
		})
		mu.Unlock()
		if err != nil {
			s.logger.Error().Err(err).
				Str("user_id", h.UserID).
				Str("symbol", h.Symbol).
				Msg("Settlement failed")
			continue
		}
		settled++
	}
	return settled, nil
}

func (s *Scheduler) settleHolding(ctx context.Context, tx *sql.Tx, h *models.Holding) error {
	pos, err := s.store.GetPosition(ctx, tx, h.UserID, h.Symbol, h.Exchange, models.ProductCNC)
	if err != nil {
		return err
	}
	if pos != nil && pos.Quantity > 0 {
		moved := h.Quantity
		if pos.Quantity < moved {
			moved = pos.Quantity
		}
		// The settled quantity's margin claim moves with the holding;
		// funds keep carrying it until the delivery is sold.
		if pos.Quantity == moved {
			if err := s.store.DeletePosition(ctx, tx, h.UserID, h.Symbol, h.Exchange, models.ProductCNC); err != nil {
				return err
			}
		} else {
			remaining := decimal.NewFromInt(int64(pos.Quantity - moved))
			perUnit := pos.MarginBlocked.DivRound(decimal.NewFromInt(int64(pos.Quantity)), 8)
			pos.Quantity -= moved
			pos.MarginBlocked = perUnit.Mul(remaining)
			if err := s.store.UpsertPosition(ctx, tx, pos); err != nil {
				return err
			}
		}
	}
	h.Settled = true
	return s.store.SaveHolding(ctx, tx, h)
}

// RunWeeklyReset restores every user to starting capital when the
// configured weekly reset moment has passed. The funds row's LastReset
// timestamp is the idempotence guard: a user resets at most once per
// scheduled occurrence, across restarts and concurrent checks.
func (s *Scheduler) RunWeeklyReset(ctx context.Context, now time.Time) error {
	day, hour, minute, err := s.runtime.ResetSchedule(ctx)
	if err != nil {
		return err
	}
	scheduledAt := lastOccurrence(now.In(s.loc), day, hour, minute)

	users, err := s.store.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	for _, userID := range users {
		if err := s.resetUser(ctx, userID, scheduledAt, now); err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("Weekly reset failed")
		}
	}
	return nil
}

func (s *Scheduler) resetUser(ctx context.Context, userID string, scheduledAt, now time.Time) error {
	mu := s.store.UserLock(userID)
	mu.Lock()
	defer mu.Unlock()

	funds, err := s.store.GetFunds(ctx, s.store.DB(), userID)
	if err != nil {
		return err
	}
	if !funds.LastReset.Before(scheduledAt) {
		return nil
	}

	capital := s.runtime.StartingCapital(ctx)
	// Read outside the transaction: the pool's single connection belongs
	// to the transaction once it opens.
	open, err := s.store.ListOpenOrdersByUser(ctx, userID)
	if err != nil {
		return err
	}
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		for i := range open {
			o := &open[i]
			o.Status = models.OrderStatusCancelled
			o.PendingQty = 0
			o.MarginFreed = true
			o.Reason = "weekly reset"
			if err := s.store.UpdateOrder(ctx, tx, o); err != nil {
				return err
			}
		}
		if err := s.store.DeletePositionsForUser(ctx, tx, userID); err != nil {
			return err
		}
		if err := s.store.DeleteHoldingsForUser(ctx, tx, userID); err != nil {
			return err
		}

		funds.TotalCapital = capital
		funds.AvailableBalance = capital
		funds.UsedMargin = decimal.Zero
		funds.RealizedPnL = decimal.Zero
		funds.UnrealizedPnL = decimal.Zero
		funds.TotalPnL = decimal.Zero
		funds.LastReset = now.UTC()
		funds.ResetCount++
		return s.store.UpdateFunds(ctx, tx, funds)
	})
	if err != nil {
		return err
	}
	userLogger := logging.WithUser(s.logger, userID)
	userLogger.Info().Int("reset_count", funds.ResetCount).Msg("User reset to starting capital")
	return nil
}

// lastOccurrence returns the most recent moment at or before now that
// falls on the given weekday and wall-clock time, in now's location.
func lastOccurrence(now time.Time, day time.Weekday, hour, minute int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	daysBack := (int(now.Weekday()) - int(day) + 7) % 7
	candidate = candidate.AddDate(0, 0, -daysBack)
	if candidate.After(now) {
		candidate = candidate.AddDate(0, 0, -7)
	}
	return candidate
}
