package monitor

import (
	"time"

	"github.com/shopspring/decimal"

	"whale-core/pkg/db"
	"whale-core/pkg/exchanges/common"
)

// State is the lifecycle of one wallet task.
type State string

const (
	StateIdle         State = "idle"
	StatePolling      State = "polling"
	StateEventEmitted State = "event_emitted"
	StateStopped      State = "stopped"
)

// TradeEvent is one fill of a tracked wallet whose notional reached the
// wallet's threshold.
type TradeEvent struct {
	Wallet      db.TrackedWallet `json:"wallet"`
	Coin        string           `json:"coin"`
	Side        common.Side      `json:"side"`
	Size        decimal.Decimal  `json:"size"`
	Price       decimal.Decimal  `json:"price"`
	NotionalUSD decimal.Decimal  `json:"notional_usd"`
	FillID      int64            `json:"fill_id"`
	Hash        string           `json:"hash,omitempty"`
	Direction   string           `json:"direction,omitempty"`
	FillTime    time.Time        `json:"fill_time"`
	DetectedAt  time.Time        `json:"detected_at"`
}

// OrderAction is what happened to a resting order of a tracked wallet.
type OrderAction string

const (
	OrderPlaced   OrderAction = "placed"
	OrderCanceled OrderAction = "canceled"
)

// OrderEvent is a resting order of a tracked wallet that appeared or was
// pulled without filling, with a notional at or above the wallet's order
// threshold.
type OrderEvent struct {
	Wallet      db.TrackedWallet `json:"wallet"`
	Action      OrderAction      `json:"action"`
	Coin        string           `json:"coin"`
	Side        common.Side      `json:"side"`
	Size        decimal.Decimal  `json:"size"`
	Price       decimal.Decimal  `json:"price"`
	NotionalUSD decimal.Decimal  `json:"notional_usd"`
	OrderID     int64            `json:"order_id"`
	PlacedAt    time.Time        `json:"placed_at"`
	DetectedAt  time.Time        `json:"detected_at"`
}

// Status is a point-in-time view of a wallet task.
type Status struct {
	ChatID        int64     `json:"chat_id"`
	Address       string    `json:"address"`
	State         State     `json:"state"`
	Failures      int       `json:"consecutive_failures"`
	LastPoll      time.Time `json:"last_poll,omitempty"`
	NextPoll      time.Time `json:"next_poll,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	EventsEmitted uint64    `json:"events_emitted"`
}

type taskKey struct {
	chatID  int64
	address string
}
