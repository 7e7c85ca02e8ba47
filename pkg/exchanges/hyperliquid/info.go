package hyperliquid

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"whale-core/pkg/errs"
	"whale-core/pkg/exchanges/common"
)

const (
	fillsPageLimit = 2000
	maxFillPages   = 10
)

type infoRequest struct {
	Type      string `json:"type"`
	User      string `json:"user,omitempty"`
	StartTime *int64 `json:"startTime,omitempty"`
}

type metaResponse struct {
	Universe []struct {
		Name        string `json:"name"`
		SzDecimals  int    `json:"szDecimals"`
		MaxLeverage int    `json:"maxLeverage"`
	} `json:"universe"`
}

type clearinghouseState struct {
	AssetPositions []struct {
		Position struct {
			Coin          string          `json:"coin"`
			Szi           decimal.Decimal `json:"szi"`
			EntryPx       decimal.Decimal `json:"entryPx"`
			PositionValue decimal.Decimal `json:"positionValue"`
			UnrealizedPnl decimal.Decimal `json:"unrealizedPnl"`
			Leverage      struct {
				Type  string `json:"type"`
				Value int    `json:"value"`
			} `json:"leverage"`
			LiquidationPx decimal.NullDecimal `json:"liquidationPx"`
			MarginUsed    decimal.Decimal     `json:"marginUsed"`
		} `json:"position"`
	} `json:"assetPositions"`
	MarginSummary struct {
		AccountValue    decimal.Decimal `json:"accountValue"`
		TotalNtlPos     decimal.Decimal `json:"totalNtlPos"`
		TotalMarginUsed decimal.Decimal `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	Withdrawable decimal.Decimal `json:"withdrawable"`
}

type fillWire struct {
	Coin          string          `json:"coin"`
	Px            decimal.Decimal `json:"px"`
	Sz            decimal.Decimal `json:"sz"`
	Side          string          `json:"side"`
	Time          int64           `json:"time"`
	StartPosition decimal.Decimal `json:"startPosition"`
	Dir           string          `json:"dir"`
	ClosedPnl     decimal.Decimal `json:"closedPnl"`
	Hash          string          `json:"hash"`
	Oid           int64           `json:"oid"`
	Crossed       bool            `json:"crossed"`
	Fee           decimal.Decimal `json:"fee"`
	Tid           int64           `json:"tid"`
}

type openOrderWire struct {
	Coin      string          `json:"coin"`
	LimitPx   decimal.Decimal `json:"limitPx"`
	Oid       int64           `json:"oid"`
	Side      string          `json:"side"`
	Sz        decimal.Decimal `json:"sz"`
	Timestamp int64           `json:"timestamp"`
}

// wireSide maps the exchange's B (bid) / A (ask) markers.
func wireSide(s string) common.Side {
	if s == "B" {
		return common.SideBuy
	}
	return common.SideSell
}

// GetPrice returns the current mid price of coin.
func (c *Client) GetPrice(ctx context.Context, coin string) (decimal.Decimal, error) {
	mids, err := c.AllMids(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	coin = normalizeCoin(coin)
	if px, ok := mids[coin]; ok {
		return px, nil
	}
	for name, px := range mids {
		if strings.EqualFold(name, coin) {
			return px, nil
		}
	}
	return decimal.Zero, errs.Newf(errs.KindNotFound, "get price", "no mid price for %s", coin)
}

// AllMids returns the mid price of every listed coin.
func (c *Client) AllMids(ctx context.Context) (map[string]decimal.Decimal, error) {
	var mids map[string]decimal.Decimal
	if err := c.info(ctx, "all mids", infoRequest{Type: "allMids"}, &mids); err != nil {
		return nil, err
	}
	return mids, nil
}

// GetAsset returns trading metadata for coin, served from cache when fresh.
func (c *Client) GetAsset(ctx context.Context, coin string) (common.Asset, error) {
	coin = normalizeCoin(coin)
	if a, ok := c.assets.Get(coin); ok {
		return a, nil
	}
	if a, ok := c.assets.Get(strings.ToUpper(coin)); ok {
		return a, nil
	}
	var meta metaResponse
	if err := c.info(ctx, "meta", infoRequest{Type: "meta"}, &meta); err != nil {
		return common.Asset{}, err
	}
	var (
		found common.Asset
		ok    bool
	)
	for i, u := range meta.Universe {
		a := common.Asset{Index: i, Name: u.Name, SzDecimals: u.SzDecimals, MaxLeverage: u.MaxLeverage}
		c.assets.Set(u.Name, a)
		if u.Name == coin || (!ok && strings.EqualFold(u.Name, coin)) {
			found, ok = a, true
		}
	}
	if !ok {
		return common.Asset{}, errs.Newf(errs.KindNotFound, "meta", "unknown coin %s", coin)
	}
	return found, nil
}

func (c *Client) clearinghouse(ctx context.Context, address string) (*clearinghouseState, error) {
	var st clearinghouseState
	if err := c.info(ctx, "clearinghouse state", infoRequest{Type: "clearinghouseState", User: address}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetPositions returns the open perpetual positions of address.
func (c *Client) GetPositions(ctx context.Context, address string) ([]common.Position, error) {
	st, err := c.clearinghouse(ctx, address)
	if err != nil {
		return nil, err
	}
	out := make([]common.Position, 0, len(st.AssetPositions))
	for _, ap := range st.AssetPositions {
		p := ap.Position
		if p.Szi.IsZero() {
			continue
		}
		out = append(out, common.Position{
			Coin:             p.Coin,
			Size:             p.Szi,
			EntryPrice:       p.EntryPx,
			PositionValue:    p.PositionValue,
			UnrealizedPnl:    p.UnrealizedPnl,
			Leverage:         p.Leverage.Value,
			LeverageType:     p.Leverage.Type,
			LiquidationPrice: p.LiquidationPx,
			MarginUsed:       p.MarginUsed,
		})
	}
	return out, nil
}

// GetBalance returns the margin summary of address.
func (c *Client) GetBalance(ctx context.Context, address string) (common.Balance, error) {
	st, err := c.clearinghouse(ctx, address)
	if err != nil {
		return common.Balance{}, err
	}
	return common.Balance{
		AccountValue:    st.MarginSummary.AccountValue,
		TotalNotional:   st.MarginSummary.TotalNtlPos,
		TotalMarginUsed: st.MarginSummary.TotalMarginUsed,
		Withdrawable:    st.Withdrawable,
	}, nil
}

// GetOpenOrders returns the resting orders of address.
func (c *Client) GetOpenOrders(ctx context.Context, address string) ([]common.OpenOrder, error) {
	var raw []openOrderWire
	if err := c.info(ctx, "open orders", infoRequest{Type: "openOrders", User: address}, &raw); err != nil {
		return nil, err
	}
	out := make([]common.OpenOrder, 0, len(raw))
	for _, o := range raw {
		out = append(out, common.OpenOrder{
			Coin:       o.Coin,
			Side:       wireSide(o.Side),
			LimitPrice: o.LimitPx,
			Size:       o.Sz,
			OrderID:    o.Oid,
			Timestamp:  o.Timestamp,
		})
	}
	return out, nil
}

// GetFillsSince returns the fills of address strictly after cursor, ascending
// by (time, tid). Large backlogs are paged; the result may stop short of the
// newest fill, in which case the next call continues from the returned tail.
func (c *Client) GetFillsSince(ctx context.Context, address string, cursor common.Cursor) ([]common.Fill, error) {
	start := cursor.Time
	seen := make(map[int64]struct{})
	var out []common.Fill

	for page := 0; page < maxFillPages; page++ {
		st := start
		var batch []fillWire
		if err := c.info(ctx, "user fills", infoRequest{Type: "userFillsByTime", User: address, StartTime: &st}, &batch); err != nil {
			return nil, err
		}
		last := start
		for _, w := range batch {
			if w.Time > last {
				last = w.Time
			}
			if _, dup := seen[w.Tid]; dup {
				continue
			}
			seen[w.Tid] = struct{}{}
			f := toFill(w)
			if cursor.Less(f.Cursor()) {
				out = append(out, f)
			}
		}
		if len(batch) < fillsPageLimit || last <= start {
			break
		}
		start = last
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Cursor().Less(out[j].Cursor()) })
	return out, nil
}

func toFill(w fillWire) common.Fill {
	return common.Fill{
		Coin:          w.Coin,
		Side:          wireSide(w.Side),
		Size:          w.Sz,
		Price:         w.Px,
		Time:          w.Time,
		TID:           w.Tid,
		OrderID:       w.Oid,
		Hash:          w.Hash,
		Direction:     w.Dir,
		ClosedPnl:     w.ClosedPnl,
		Fee:           w.Fee,
		StartPosition: w.StartPosition,
		Crossed:       w.Crossed,
	}
}

// normalizeCoin trims input; names are matched exactly first and then
// case-insensitively since some listings (kPEPE) are mixed case.
func normalizeCoin(coin string) string {
	return strings.TrimSpace(coin)
}
