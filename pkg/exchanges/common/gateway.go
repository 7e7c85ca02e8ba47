package common

import (
	"context"
	"crypto/ecdsa"

	"github.com/shopspring/decimal"
)

// Reader exposes the unauthenticated exchange queries. Callers pass the public
// address whose state they want.
type Reader interface {
	GetPrice(ctx context.Context, coin string) (decimal.Decimal, error)
	GetAsset(ctx context.Context, coin string) (Asset, error)
	GetPositions(ctx context.Context, address string) ([]Position, error)
	GetBalance(ctx context.Context, address string) (Balance, error)
	GetFillsSince(ctx context.Context, address string, cursor Cursor) ([]Fill, error)
	GetOpenOrders(ctx context.Context, address string) ([]OpenOrder, error)
}

// Trader exposes the signed exchange actions. The key is borrowed for the
// duration of the call and never retained.
type Trader interface {
	PlaceMarketOrder(ctx context.Context, key *ecdsa.PrivateKey, req OrderRequest) (OrderAck, error)
	PlaceLimitOrder(ctx context.Context, key *ecdsa.PrivateKey, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, key *ecdsa.PrivateKey, coin string, orderID int64) (CancelAck, error)
	SetLeverage(ctx context.Context, key *ecdsa.PrivateKey, coin string, leverage int, cross bool) error
}

// Gateway abstracts the trading venue.
type Gateway interface {
	Reader
	Trader
}
