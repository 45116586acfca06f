package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	sberrors "sandbox-exchange/internal/errors"
	"sandbox-exchange/internal/models"
)

// KiteOracle serves last traded prices from Kite Connect. Prices arriving
// over the tick stream are cached; LastPrice falls back to the REST LTP
// endpoint when the stream has nothing for an instrument.
type KiteOracle struct {
	client *kiteconnect.Client

	mu     sync.RWMutex
	quotes map[string]Quote
	tokens map[string]uint32 // EXCHANGE:SYMBOL -> instrument token
	byTok  map[uint32]string // instrument token -> EXCHANGE:SYMBOL
}

// KiteOracleConfig holds Kite Connect credentials.
type KiteOracleConfig struct {
	APIKey      string
	AccessToken string
}

// NewKiteOracle creates a Kite-backed price oracle.
func NewKiteOracle(cfg KiteOracleConfig) *KiteOracle {
	client := kiteconnect.New(cfg.APIKey)
	client.SetAccessToken(cfg.AccessToken)
	return &KiteOracle{
		client: client,
		quotes: make(map[string]Quote),
		tokens: make(map[string]uint32),
		byTok:  make(map[uint32]string),
	}
}

// LoadInstruments fetches and caches the instrument master for an
// exchange so symbols can be resolved to tokens.
func (o *KiteOracle) LoadInstruments(ctx context.Context, exchange models.Exchange) error {
	instruments, err := o.client.GetInstrumentsByExchange(string(exchange))
	if err != nil {
		return fmt.Errorf("failed to load instruments for %s: %w", exchange, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, inst := range instruments {
		key := cacheKey(inst.Tradingsymbol, exchange)
		o.tokens[key] = uint32(inst.InstrumentToken)
		o.byTok[uint32(inst.InstrumentToken)] = key
	}
	return nil
}

// ResolveToken maps a (symbol, exchange) pair to its instrument token.
func (o *KiteOracle) ResolveToken(_ context.Context, symbol string, exchange models.Exchange) (uint32, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	token, ok := o.tokens[cacheKey(symbol, exchange)]
	if !ok {
		return 0, sberrors.Wrapf(sberrors.ErrSymbolNotFound, "%s:%s", exchange, symbol)
	}
	return token, nil
}

// LastPrice returns the cached streamed price when present, otherwise
// fetches LTP over REST and caches it.
func (o *KiteOracle) LastPrice(ctx context.Context, symbol string, exchange models.Exchange) (Quote, error) {
	key := cacheKey(symbol, exchange)

	o.mu.RLock()
	q, ok := o.quotes[key]
	o.mu.RUnlock()
	if ok {
		return q, nil
	}

	ltp, err := o.client.GetLTP(key)
	if err != nil {
		return Quote{}, sberrors.Wrapf(sberrors.ErrPriceUnavailable, "%s: %v", key, err)
	}
	data, ok := ltp[key]
	if !ok {
		return Quote{}, sberrors.Wrapf(sberrors.ErrPriceUnavailable, "%s: no quote returned", key)
	}

	q = Quote{Price: decimal.NewFromFloat(data.LastPrice), Timestamp: time.Now()}
	o.mu.Lock()
	o.quotes[key] = q
	o.mu.Unlock()
	return q, nil
}

// updateTick records a streamed price for a known instrument token.
func (o *KiteOracle) updateTick(token uint32, lastPrice float64, ts time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key, ok := o.byTok[token]
	if !ok {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	o.quotes[key] = Quote{Price: decimal.NewFromFloat(lastPrice), Timestamp: ts}
}

// subscribedTokens returns tokens for the given instrument keys.
func (o *KiteOracle) subscribedTokens(keys []string) []uint32 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	tokens := make([]uint32, 0, len(keys))
	for _, key := range keys {
		if tok, ok := o.tokens[strings.ToUpper(key)]; ok {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

var (
	_ PriceOracle   = (*KiteOracle)(nil)
	_ TokenResolver = (*KiteOracle)(nil)
)
