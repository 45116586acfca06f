// Package oracle provides last-traded-price lookup for the sandbox engine.
// The engine treats the oracle as ground truth for fills; quotes may be
// stale by at most one polling interval.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	sberrors "sandbox-exchange/internal/errors"
	"sandbox-exchange/internal/models"
)

// Quote is one observed last-traded price.
type Quote struct {
	Price     decimal.Decimal
	Timestamp time.Time
}

// PriceOracle returns the last traded price for a (symbol, exchange) pair.
type PriceOracle interface {
	LastPrice(ctx context.Context, symbol string, exchange models.Exchange) (Quote, error)
}

// TokenResolver maps a (symbol, exchange) pair to an instrument token.
type TokenResolver interface {
	ResolveToken(ctx context.Context, symbol string, exchange models.Exchange) (uint32, error)
}

func cacheKey(symbol string, exchange models.Exchange) string {
	return fmt.Sprintf("%s:%s", exchange, symbol)
}

// StaticOracle is an in-memory oracle with manually set prices, used in
// tests and offline runs.
type StaticOracle struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStaticOracle creates an empty static oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{quotes: make(map[string]Quote)}
}

// SetPrice sets the last traded price for an instrument.
func (o *StaticOracle) SetPrice(symbol string, exchange models.Exchange, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[cacheKey(symbol, exchange)] = Quote{Price: price, Timestamp: time.Now()}
}

// LastPrice returns the manually set price for an instrument.
func (o *StaticOracle) LastPrice(_ context.Context, symbol string, exchange models.Exchange) (Quote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	q, ok := o.quotes[cacheKey(symbol, exchange)]
	if !ok {
		return Quote{}, sberrors.Wrapf(sberrors.ErrPriceUnavailable, "%s:%s", exchange, symbol)
	}
	return q, nil
}

var _ PriceOracle = (*StaticOracle)(nil)
