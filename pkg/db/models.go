package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrackedWallet is one chat's subscription to an on-chain address.
// CursorTime/CursorTID mark the newest fill already processed.
type TrackedWallet struct {
	ChatID            int64
	Address           string
	ThresholdUSD      decimal.Decimal
	OrderThresholdUSD decimal.NullDecimal // null: same as ThresholdUSD
	CursorTime        int64
	CursorTID         int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OrderThreshold is the notional at which order placements and cancels are
// reported.
func (w TrackedWallet) OrderThreshold() decimal.Decimal {
	if w.OrderThresholdUSD.Valid {
		return w.OrderThresholdUSD.Decimal
	}
	return w.ThresholdUSD
}

// Credential is the encrypted trading key of a chat.
type Credential struct {
	ChatID     int64
	Address    string
	Ciphertext string
	KeyVersion int
	UpdatedAt  time.Time
}

// Operation is one audit row for an execution attempt.
type Operation struct {
	ID         string
	ChatID     int64
	Kind       string
	Coin       string
	IsBuy      bool
	Size       string
	Price      string
	OrderID    int64
	Success    bool
	ErrorKind  string
	Detail     string
	InstanceID string
	CreatedAt  time.Time
}
