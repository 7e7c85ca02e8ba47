package hyperliquid

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"whale-core/pkg/errs"
	"whale-core/pkg/exchanges/common"
)

const (
	maxLeaderboardBytes = 128 << 20
	maxLeaders          = 100
)

// Leaderboard windows as named by the stats endpoint.
const (
	WindowDay     = "day"
	WindowWeek    = "week"
	WindowMonth   = "month"
	WindowAllTime = "allTime"
)

var windowAliases = map[string]string{
	"":        WindowDay,
	"day":     WindowDay,
	"daily":   WindowDay,
	"week":    WindowWeek,
	"weekly":  WindowWeek,
	"month":   WindowMonth,
	"monthly": WindowMonth,
	"alltime": WindowAllTime,
	"all":     WindowAllTime,
}

// ParseWindow maps user input (daily, weekly, monthly, alltime) to a
// leaderboard window.
func ParseWindow(s string) (string, error) {
	if w, ok := windowAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return w, nil
	}
	return "", errs.Newf(errs.KindInvalidSize, "leaderboard", "unknown window %q", s)
}

type spotState struct {
	Balances []struct {
		Coin     string          `json:"coin"`
		Token    int             `json:"token"`
		Total    decimal.Decimal `json:"total"`
		Hold     decimal.Decimal `json:"hold"`
		EntryNtl decimal.Decimal `json:"entryNtl"`
	} `json:"balances"`
}

// GetSpotBalances returns the non-zero spot holdings of address, largest
// first.
func (c *Client) GetSpotBalances(ctx context.Context, address string) ([]common.SpotBalance, error) {
	var st spotState
	if err := c.info(ctx, "spot state", infoRequest{Type: "spotClearinghouseState", User: address}, &st); err != nil {
		return nil, err
	}
	out := make([]common.SpotBalance, 0, len(st.Balances))
	for _, b := range st.Balances {
		if b.Total.IsZero() {
			continue
		}
		out = append(out, common.SpotBalance{Coin: b.Coin, Token: b.Token, Total: b.Total, Hold: b.Hold, EntryNtl: b.EntryNtl})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Total.GreaterThan(out[j].Total) })
	return out, nil
}

type leaderboardWire struct {
	Rows []struct {
		EthAddress         string              `json:"ethAddress"`
		AccountValue       decimal.Decimal     `json:"accountValue"`
		DisplayName        *string             `json:"displayName"`
		WindowPerformances [][]json.RawMessage `json:"windowPerformances"`
	} `json:"leaderboardRows"`
}

type windowPerformance struct {
	PnL decimal.Decimal `json:"pnl"`
	ROI decimal.Decimal `json:"roi"`
	Vlm decimal.Decimal `json:"vlm"`
}

// GetLeaderboard returns the top traders by PnL for window (see ParseWindow),
// at most top rows (capped at 100). The board is fetched once per cache
// lifetime for every window.
func (c *Client) GetLeaderboard(ctx context.Context, window string, top int) ([]common.Leader, error) {
	window, err := ParseWindow(window)
	if err != nil {
		return nil, err
	}
	if top <= 0 || top > maxLeaders {
		top = maxLeaders
	}
	leaders, ok := c.leaders.Get(window)
	if !ok {
		if err := c.refreshLeaderboard(ctx); err != nil {
			return nil, err
		}
		if leaders, ok = c.leaders.Get(window); !ok {
			return nil, errs.Newf(errs.KindNotFound, "leaderboard", "no rows for window %q", window)
		}
	}
	if len(leaders) > top {
		leaders = leaders[:top]
	}
	return append([]common.Leader(nil), leaders...), nil
}

func (c *Client) refreshLeaderboard(ctx context.Context) error {
	var raw leaderboardWire
	if err := c.get(ctx, "leaderboard", c.statsURL+"/leaderboard", maxLeaderboardBytes, &raw); err != nil {
		return err
	}
	byWindow := make(map[string][]common.Leader)
	for _, row := range raw.Rows {
		name := ""
		if row.DisplayName != nil {
			name = *row.DisplayName
		}
		for _, wp := range row.WindowPerformances {
			if len(wp) != 2 {
				continue
			}
			var window string
			var perf windowPerformance
			if json.Unmarshal(wp[0], &window) != nil || json.Unmarshal(wp[1], &perf) != nil {
				continue
			}
			byWindow[window] = append(byWindow[window], common.Leader{
				Address:      strings.ToLower(row.EthAddress),
				DisplayName:  name,
				AccountValue: row.AccountValue,
				PnL:          perf.PnL,
				ROI:          perf.ROI,
				Volume:       perf.Vlm,
			})
		}
	}
	for window, rows := range byWindow {
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].PnL.GreaterThan(rows[j].PnL) })
		if len(rows) > maxLeaders {
			rows = rows[:maxLeaders]
		}
		c.leaders.Set(window, rows)
	}
	c.log.Debug("leaderboard refreshed", zap.Int("rows", len(raw.Rows)))
	return nil
}
