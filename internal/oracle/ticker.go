package oracle

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
)

// TickStream keeps the KiteOracle's price cache warm over the Kite
// websocket so the order-check tick rarely needs a REST round trip.
type TickStream struct {
	ticker *kiteticker.Ticker
	oracle *KiteOracle
	logger zerolog.Logger

	writeMu    sync.Mutex // Protects websocket writes (Subscribe, SetMode)
	subscribed []uint32
}

// TickStreamConfig holds stream configuration.
type TickStreamConfig struct {
	APIKey      string
	AccessToken string
	// Instruments to subscribe, as EXCHANGE:SYMBOL keys. Tokens must be
	// resolvable, so LoadInstruments has to run first.
	Instruments []string
}

// NewTickStream creates a tick stream feeding the given oracle.
func NewTickStream(cfg TickStreamConfig, o *KiteOracle, logger zerolog.Logger) *TickStream {
	s := &TickStream{
		ticker:     kiteticker.New(cfg.APIKey, cfg.AccessToken),
		oracle:     o,
		logger:     logger,
		subscribed: o.subscribedTokens(cfg.Instruments),
	}

	s.ticker.OnConnect(s.onConnect)
	s.ticker.OnTick(s.onTick)
	s.ticker.OnError(func(err error) {
		s.logger.Warn().Err(err).Msg("Tick stream error")
	})
	s.ticker.OnReconnect(func(attempt int, delay time.Duration) {
		s.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Tick stream reconnecting")
	})

	return s
}

// Serve runs the websocket loop until Stop is called. Blocking.
func (s *TickStream) Serve() {
	s.ticker.Serve()
}

// Stop closes the stream.
func (s *TickStream) Stop() {
	s.ticker.Stop()
}

func (s *TickStream) onConnect() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if len(s.subscribed) == 0 {
		return
	}
	if err := s.ticker.Subscribe(s.subscribed); err != nil {
		s.logger.Error().Err(err).Msg("Tick stream subscribe failed")
		return
	}
	if err := s.ticker.SetMode(kiteticker.ModeLTP, s.subscribed); err != nil {
		s.logger.Error().Err(err).Msg("Tick stream set mode failed")
		return
	}
	s.logger.Info().Int("instruments", len(s.subscribed)).Msg("Tick stream connected")
}

func (s *TickStream) onTick(tick kitemodels.Tick) {
	s.oracle.updateTick(tick.InstrumentToken, tick.LastPrice, tick.Timestamp.Time)
}
