package order

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"whale-core/pkg/errs"
	"whale-core/pkg/exchanges/common"
)

// Kind selects the action an Intent asks for.
type Kind string

const (
	KindMarketOpen  Kind = "market_open"
	KindMarketClose Kind = "market_close"
	KindLimitOrder  Kind = "limit_order"
	KindCancel      Kind = "cancel"
	KindSetLeverage Kind = "set_leverage"
)

// Intent is an already-parsed user command. Orders carry exactly one of
// SizeUSD or SizeBase.
type Intent struct {
	Kind        Kind               `json:"kind"`
	Coin        string             `json:"coin"`
	IsBuy       bool               `json:"is_buy"`
	SizeUSD     decimal.Decimal    `json:"size_usd"`
	SizeBase    decimal.Decimal    `json:"size_base"`
	LimitPrice  decimal.Decimal    `json:"limit_price"`
	TimeInForce common.TimeInForce `json:"tif,omitempty"`
	ReduceOnly  bool               `json:"reduce_only"`
	OrderID     int64              `json:"order_id,omitempty"`
	Leverage    int                `json:"leverage,omitempty"`
	Isolated    bool               `json:"isolated,omitempty"`
}

// normalized fills defaults.
func (in Intent) normalized() Intent {
	in.Coin = strings.TrimSpace(in.Coin)
	if in.TimeInForce == "" {
		in.TimeInForce = common.TIFGTC
	}
	in.TimeInForce = common.TimeInForce(strings.ToUpper(string(in.TimeInForce)))
	return in
}

// validate checks the intent shape before any key is touched. Messages are
// English diagnostics; user texts are chosen from the kind.
func (in Intent) validate() error {
	const op = opValidate
	switch in.Kind {
	case KindMarketOpen, KindLimitOrder, KindMarketClose, KindCancel, KindSetLeverage:
	default:
		return errs.Newf(errs.KindUnknown, op, "unknown action %q", in.Kind)
	}
	if in.Coin == "" {
		return errs.New(errs.KindInvalidSize, op, "coin is required")
	}
	switch in.Kind {
	case KindMarketOpen, KindLimitOrder:
		usd, base := in.SizeUSD.IsPositive(), in.SizeBase.IsPositive()
		if usd == base || in.SizeUSD.IsNegative() || in.SizeBase.IsNegative() {
			return errs.New(errs.KindInvalidSize, op, "exactly one positive size (usd or base) is required")
		}
		if in.Kind == KindLimitOrder {
			if !in.LimitPrice.IsPositive() {
				return errs.New(errs.KindInvalidSize, op, "limit price must be positive")
			}
			if !in.TimeInForce.Valid() {
				return errs.Newf(errs.KindInvalidSize, op, "unsupported time in force %q", in.TimeInForce)
			}
		}
	case KindCancel:
		if in.OrderID <= 0 {
			return errs.New(errs.KindInvalidSize, op, "order id is required")
		}
	case KindSetLeverage:
		if in.Leverage < 1 {
			return errs.New(errs.KindInvalidSize, op, "leverage must be at least 1")
		}
	}
	return nil
}

// Result is the synchronous outcome of Execute. Data and Error are
// human-readable; Order is set for placements.
type Result struct {
	Success   bool             `json:"success"`
	Data      string           `json:"data,omitempty"`
	Order     *common.OrderAck `json:"order,omitempty"`
	ErrorKind errs.Kind        `json:"error_kind,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Report is published on the bus after every Execute call.
type Report struct {
	ChatID  int64         `json:"chat_id"`
	Intent  Intent        `json:"intent"`
	Result  Result        `json:"result"`
	Latency time.Duration `json:"latency"`
	At      time.Time     `json:"at"`
}
