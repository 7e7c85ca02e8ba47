package common

import (
	"math"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// IsBuy reports whether s is the buy side.
func (s Side) IsBuy() bool { return s == SideBuy }

// SideOf maps a buy flag to a Side.
func SideOf(isBuy bool) Side {
	if isBuy {
		return SideBuy
	}
	return SideSell
}

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFALO TimeInForce = "ALO" // Add Liquidity Only (post only)
)

// Valid reports whether t is a supported time in force.
func (t TimeInForce) Valid() bool {
	return t == TIFGTC || t == TIFIOC || t == TIFALO
}

// OrderStatus normalizes the placement outcome.
type OrderStatus string

const (
	StatusResting OrderStatus = "RESTING"
	StatusFilled  OrderStatus = "FILLED"
)

// OrderRequest is an order already quantized to exchange units.
// Price is ignored for market orders.
type OrderRequest struct {
	Coin        string
	Side        Side
	Size        decimal.Decimal
	Price       decimal.Decimal
	TimeInForce TimeInForce
	ReduceOnly  bool
	ClientID    string // 0x-prefixed 16 byte hex, reused across retries
}

// OrderAck is the exchange acknowledgement of a placement.
type OrderAck struct {
	OrderID    int64           `json:"order_id"`
	Status     OrderStatus     `json:"status"`
	FilledSize decimal.Decimal `json:"filled_size"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	ClientID   string          `json:"client_id,omitempty"`
}

// CancelAck is the outcome of a cancel. AlreadyClosed is set when the order
// was filled or canceled before the request arrived.
type CancelAck struct {
	OrderID       int64
	AlreadyClosed bool
}

// Cursor identifies a position in a wallet's fill stream. Fills are ordered by
// (Time, TID).
type Cursor struct {
	Time int64
	TID  int64
}

// Less reports whether c sorts strictly before o.
func (c Cursor) Less(o Cursor) bool {
	if c.Time != o.Time {
		return c.Time < o.Time
	}
	return c.TID < o.TID
}

// Fill is one execution of a tracked wallet.
type Fill struct {
	Coin          string
	Side          Side
	Size          decimal.Decimal
	Price         decimal.Decimal
	Time          int64 // ms
	TID           int64
	OrderID       int64
	Hash          string
	Direction     string
	ClosedPnl     decimal.Decimal
	Fee           decimal.Decimal
	StartPosition decimal.Decimal
	Crossed       bool
}

// Cursor returns the stream position of f.
func (f Fill) Cursor() Cursor { return Cursor{Time: f.Time, TID: f.TID} }

// Notional is the USD value of the fill.
func (f Fill) Notional() decimal.Decimal { return f.Size.Abs().Mul(f.Price) }

// Position is an open perpetual position. Size is signed: positive is long.
type Position struct {
	Coin             string
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	PositionValue    decimal.Decimal
	UnrealizedPnl    decimal.Decimal
	Leverage         int
	LeverageType     string
	LiquidationPrice decimal.NullDecimal
	MarginUsed       decimal.Decimal
}

// IsLong reports whether the position is long.
func (p Position) IsLong() bool { return p.Size.IsPositive() }

// Balance summarizes the margin account.
type Balance struct {
	AccountValue    decimal.Decimal
	TotalNotional   decimal.Decimal
	TotalMarginUsed decimal.Decimal
	Withdrawable    decimal.Decimal
}

// SpotBalance is one token held in the spot account.
type SpotBalance struct {
	Coin     string
	Token    int
	Total    decimal.Decimal
	Hold     decimal.Decimal
	EntryNtl decimal.Decimal
}

// Leader is one leaderboard row for a time window.
type Leader struct {
	Address      string
	DisplayName  string
	AccountValue decimal.Decimal
	PnL          decimal.Decimal
	ROI          decimal.Decimal
	Volume       decimal.Decimal
}

// OpenOrder is a resting order.
type OpenOrder struct {
	Coin       string
	Side       Side
	LimitPrice decimal.Decimal
	Size       decimal.Decimal
	OrderID    int64
	Timestamp  int64
}

// Notional is the USD value of the resting size at the limit price.
func (o OpenOrder) Notional() decimal.Decimal { return o.Size.Abs().Mul(o.LimitPrice) }

// Asset is the trading metadata of a perpetual.
type Asset struct {
	Index       int
	Name        string
	SzDecimals  int
	MaxLeverage int
}

const (
	maxPriceDecimals = 6
	priceSigFigs     = 5
)

// SizeIncrement is the smallest tradable size step.
func (a Asset) SizeIncrement() decimal.Decimal {
	return decimal.New(1, int32(-a.SzDecimals))
}

// RoundSize floors size to the asset's size increment. It never rounds up.
func (a Asset) RoundSize(size decimal.Decimal) decimal.Decimal {
	return size.RoundDown(int32(a.SzDecimals))
}

// RoundPrice limits px to five significant figures and at most
// 6-szDecimals decimals. Integer prices are always accepted.
func (a Asset) RoundPrice(px decimal.Decimal) decimal.Decimal {
	if !px.IsPositive() {
		return px
	}
	maxDec := int32(maxPriceDecimals - a.SzDecimals)
	if maxDec < 0 {
		maxDec = 0
	}
	mag := int32(math.Floor(math.Log10(px.InexactFloat64())))
	sigDec := int32(priceSigFigs-1) - mag
	if sigDec < 0 {
		sigDec = 0
	}
	return px.Round(min(sigDec, maxDec))
}
