// Package models provides domain models for the sandbox exchange.
package models

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE   Exchange = "NSE"
	BSE   Exchange = "BSE"
	NFO   Exchange = "NFO"   // NSE F&O
	CDS   Exchange = "CDS"   // Currency derivatives
	MCX   Exchange = "MCX"   // Commodity
	NCDEX Exchange = "NCDEX" // Agri commodity
)

// Segment groups exchanges that share a closing discipline.
type Segment string

const (
	SegmentEquity    Segment = "equity"
	SegmentCurrency  Segment = "currency"
	SegmentCommodity Segment = "commodity"
	SegmentAgri      Segment = "agri"
)

// SegmentForExchange returns the segment an exchange settles under.
func SegmentForExchange(exchange Exchange) Segment {
	switch exchange {
	case CDS:
		return SegmentCurrency
	case MCX:
		return SegmentCommodity
	case NCDEX:
		return SegmentAgri
	default:
		return SegmentEquity
	}
}

// AllSegments lists every segment with its own square-off time.
func AllSegments() []Segment {
	return []Segment{SegmentEquity, SegmentCurrency, SegmentCommodity, SegmentAgri}
}

// ValidExchange reports whether the exchange is one the sandbox trades on.
func ValidExchange(exchange Exchange) bool {
	switch exchange {
	case NSE, BSE, NFO, CDS, MCX, NCDEX:
		return true
	}
	return false
}

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the opposing side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLoss  OrderType = "SL"   // Stop-loss limit
	OrderTypeStopLossM OrderType = "SL-M" // Stop-loss market
)

// ValidOrderType reports whether the order type is supported.
func ValidOrderType(t OrderType) bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStopLoss, OrderTypeStopLossM:
		return true
	}
	return false
}

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductCNC  ProductType = "CNC"  // Delivery
	ProductNRML ProductType = "NRML" // Carry-forward
	ProductMIS  ProductType = "MIS"  // Intraday
)

// ValidProduct reports whether the product type is supported.
func ValidProduct(p ProductType) bool {
	switch p {
	case ProductCNC, ProductNRML, ProductMIS:
		return true
	}
	return false
}

// OrderStatus represents the lifecycle state of a sandbox order.
// Open is the only non-terminal state.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusComplete  OrderStatus = "complete"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// InstrumentClass classifies an instrument for margin purposes.
type InstrumentClass string

const (
	ClassEquity  InstrumentClass = "equity"
	ClassFutures InstrumentClass = "futures"
	ClassOption  InstrumentClass = "option"
)

// ClassifyInstrument derives the instrument class from exchange and symbol.
// Derivative exchanges carry futures (…FUT) and options (…CE/…PE); anything
// on NSE/BSE is cash equity.
func ClassifyInstrument(exchange Exchange, symbol string) InstrumentClass {
	switch exchange {
	case NFO, CDS, MCX, NCDEX:
		if len(symbol) >= 2 {
			suffix := symbol[len(symbol)-2:]
			if suffix == "CE" || suffix == "PE" {
				return ClassOption
			}
		}
		return ClassFutures
	default:
		return ClassEquity
	}
}
