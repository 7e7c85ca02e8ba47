package hyperliquid

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"whale-core/pkg/errs"
	"whale-core/pkg/exchanges/common"
)

// Wire types. Field order is the msgpack key order used for signing.

type limitWire struct {
	Tif string `json:"tif" msgpack:"tif"`
}

type orderTypeWire struct {
	Limit limitWire `json:"limit" msgpack:"limit"`
}

type orderWire struct {
	Asset      int           `json:"a" msgpack:"a"`
	IsBuy      bool          `json:"b" msgpack:"b"`
	LimitPx    string        `json:"p" msgpack:"p"`
	Size       string        `json:"s" msgpack:"s"`
	ReduceOnly bool          `json:"r" msgpack:"r"`
	OrderType  orderTypeWire `json:"t" msgpack:"t"`
	Cloid      string        `json:"c,omitempty" msgpack:"c,omitempty"`
}

type orderAction struct {
	Type     string      `json:"type" msgpack:"type"`
	Orders   []orderWire `json:"orders" msgpack:"orders"`
	Grouping string      `json:"grouping" msgpack:"grouping"`
}

type cancelWire struct {
	Asset int   `json:"a" msgpack:"a"`
	Oid   int64 `json:"o" msgpack:"o"`
}

type cancelAction struct {
	Type    string       `json:"type" msgpack:"type"`
	Cancels []cancelWire `json:"cancels" msgpack:"cancels"`
}

type updateLeverageAction struct {
	Type     string `json:"type" msgpack:"type"`
	Asset    int    `json:"asset" msgpack:"asset"`
	IsCross  bool   `json:"isCross" msgpack:"isCross"`
	Leverage int    `json:"leverage" msgpack:"leverage"`
}

type exchangeRequest struct {
	Action       any       `json:"action"`
	Nonce        uint64    `json:"nonce"`
	Signature    Signature `json:"signature"`
	VaultAddress *string   `json:"vaultAddress"`
}

type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type statusWire struct {
	Resting *struct {
		Oid   int64  `json:"oid"`
		Cloid string `json:"cloid"`
	} `json:"resting"`
	Filled *struct {
		TotalSz decimal.Decimal `json:"totalSz"`
		AvgPx   decimal.Decimal `json:"avgPx"`
		Oid     int64           `json:"oid"`
	} `json:"filled"`
	Error string `json:"error"`
}

// tifWire maps a TimeInForce onto the exchange spelling.
func tifWire(t common.TimeInForce) string {
	switch t {
	case common.TIFIOC:
		return "Ioc"
	case common.TIFALO:
		return "Alo"
	default:
		return "Gtc"
	}
}

// decimalWire formats a number the way the exchange hashes it: at most eight
// decimals, no trailing zeros.
func decimalWire(v decimal.Decimal) string {
	s := v.Round(8).String()
	if s == "-0" {
		return "0"
	}
	return s
}

// submit signs and posts an action, returning the per-item statuses.
func (c *Client) submit(ctx context.Context, op string, key *ecdsa.PrivateKey, action any) ([]json.RawMessage, error) {
	if key == nil {
		return nil, errs.New(errs.KindAuthFailure, op, "no signing key")
	}
	nonce := c.nonces.Next()
	sig, err := SignAction(key, action, nonce, c.mainnet)
	if err != nil {
		return nil, errs.Wrap(errs.KindAuthFailure, op, err)
	}

	var resp exchangeResponse
	if err := c.post(ctx, op, "/exchange", exchangeRequest{Action: action, Nonce: nonce, Signature: sig}, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		var msg string
		if err := json.Unmarshal(resp.Response, &msg); err != nil {
			msg = string(resp.Response)
		}
		return nil, classifyMessage(op, msg)
	}

	var body struct {
		Type string `json:"type"`
		Data struct {
			Statuses []json.RawMessage `json:"statuses"`
		} `json:"data"`
	}
	if len(resp.Response) > 0 {
		if err := json.Unmarshal(resp.Response, &body); err != nil {
			return nil, errs.Wrap(errs.KindUnknown, op, fmt.Errorf("decode statuses: %w", err))
		}
	}
	return body.Data.Statuses, nil
}

// PlaceMarketOrder sends an IOC limit order priced through the mid by the
// configured slippage.
func (c *Client) PlaceMarketOrder(ctx context.Context, key *ecdsa.PrivateKey, req common.OrderRequest) (common.OrderAck, error) {
	asset, err := c.GetAsset(ctx, req.Coin)
	if err != nil {
		return common.OrderAck{}, err
	}
	mid, err := c.GetPrice(ctx, asset.Name)
	if err != nil {
		return common.OrderAck{}, err
	}
	px := mid.Mul(decimal.NewFromInt(1).Add(c.cfg.Slippage))
	if !req.Side.IsBuy() {
		px = mid.Mul(decimal.NewFromInt(1).Sub(c.cfg.Slippage))
	}
	req.Price = asset.RoundPrice(px)
	req.TimeInForce = common.TIFIOC
	return c.placeOrder(ctx, "market order", key, asset, req)
}

// PlaceLimitOrder places a limit order with the requested time in force.
func (c *Client) PlaceLimitOrder(ctx context.Context, key *ecdsa.PrivateKey, req common.OrderRequest) (common.OrderAck, error) {
	asset, err := c.GetAsset(ctx, req.Coin)
	if err != nil {
		return common.OrderAck{}, err
	}
	if !req.Price.IsPositive() {
		return common.OrderAck{}, errs.New(errs.KindInvalidSize, "limit order", "limit price must be positive")
	}
	req.Price = asset.RoundPrice(req.Price)
	return c.placeOrder(ctx, "limit order", key, asset, req)
}

func (c *Client) placeOrder(ctx context.Context, op string, key *ecdsa.PrivateKey, asset common.Asset, req common.OrderRequest) (common.OrderAck, error) {
	size := asset.RoundSize(req.Size)
	if !size.IsPositive() {
		return common.OrderAck{}, errs.Newf(errs.KindInvalidSize, op, "size %s below increment %s", req.Size, asset.SizeIncrement())
	}
	action := orderAction{
		Type: "order",
		Orders: []orderWire{{
			Asset:      asset.Index,
			IsBuy:      req.Side.IsBuy(),
			LimitPx:    decimalWire(req.Price),
			Size:       decimalWire(size),
			ReduceOnly: req.ReduceOnly,
			OrderType:  orderTypeWire{Limit: limitWire{Tif: tifWire(req.TimeInForce)}},
			Cloid:      req.ClientID,
		}},
		Grouping: "na",
	}

	statuses, err := c.submit(ctx, op, key, action)
	if err != nil {
		return common.OrderAck{}, err
	}
	if len(statuses) == 0 {
		return common.OrderAck{}, errs.New(errs.KindUnknown, op, "empty status list")
	}
	var st statusWire
	if err := json.Unmarshal(statuses[0], &st); err != nil {
		return common.OrderAck{}, errs.Wrap(errs.KindUnknown, op, fmt.Errorf("decode order status: %w", err))
	}
	switch {
	case st.Error != "":
		return common.OrderAck{}, classifyMessage(op, st.Error)
	case st.Filled != nil:
		c.log.Info("order filled", zap.String("coin", asset.Name), zap.Int64("oid", st.Filled.Oid),
			zap.String("size", st.Filled.TotalSz.String()), zap.String("avg_px", st.Filled.AvgPx.String()))
		return common.OrderAck{
			OrderID:    st.Filled.Oid,
			Status:     common.StatusFilled,
			FilledSize: st.Filled.TotalSz,
			AvgPrice:   st.Filled.AvgPx,
			ClientID:   req.ClientID,
		}, nil
	case st.Resting != nil:
		c.log.Info("order resting", zap.String("coin", asset.Name), zap.Int64("oid", st.Resting.Oid))
		return common.OrderAck{
			OrderID:  st.Resting.Oid,
			Status:   common.StatusResting,
			AvgPrice: req.Price,
			ClientID: req.ClientID,
		}, nil
	}
	return common.OrderAck{}, errs.Newf(errs.KindUnknown, op, "unrecognised status %s", statuses[0])
}

// CancelOrder cancels a resting order. An order that is already filled or
// canceled yields AlreadyClosed rather than an error.
func (c *Client) CancelOrder(ctx context.Context, key *ecdsa.PrivateKey, coin string, orderID int64) (common.CancelAck, error) {
	asset, err := c.GetAsset(ctx, coin)
	if err != nil {
		return common.CancelAck{}, err
	}
	action := cancelAction{Type: "cancel", Cancels: []cancelWire{{Asset: asset.Index, Oid: orderID}}}

	statuses, err := c.submit(ctx, "cancel", key, action)
	if err != nil {
		return common.CancelAck{}, err
	}
	ack := common.CancelAck{OrderID: orderID}
	if len(statuses) == 0 {
		return ack, nil
	}
	var plain string
	if json.Unmarshal(statuses[0], &plain) == nil {
		return ack, nil // "success"
	}
	var st statusWire
	if err := json.Unmarshal(statuses[0], &st); err != nil {
		return common.CancelAck{}, errs.Wrap(errs.KindUnknown, "cancel", fmt.Errorf("decode cancel status: %w", err))
	}
	if st.Error != "" {
		if isAlreadyClosed(st.Error) {
			ack.AlreadyClosed = true
			return ack, nil
		}
		return common.CancelAck{}, classifyMessage("cancel", st.Error)
	}
	return ack, nil
}

// SetLeverage updates the leverage of coin for the key's account.
func (c *Client) SetLeverage(ctx context.Context, key *ecdsa.PrivateKey, coin string, leverage int, cross bool) error {
	asset, err := c.GetAsset(ctx, coin)
	if err != nil {
		return err
	}
	if leverage < 1 || (asset.MaxLeverage > 0 && leverage > asset.MaxLeverage) {
		return errs.Newf(errs.KindInvalidSize, "update leverage", "leverage %d outside 1..%d for %s", leverage, asset.MaxLeverage, asset.Name)
	}
	action := updateLeverageAction{Type: "updateLeverage", Asset: asset.Index, IsCross: cross, Leverage: leverage}
	_, err = c.submit(ctx, "update leverage", key, action)
	return err
}
