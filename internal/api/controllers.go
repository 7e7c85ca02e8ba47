package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"whale-core/internal/events"
	"whale-core/internal/order"
	"whale-core/pkg/db"
	"whale-core/pkg/errs"
	"whale-core/pkg/exchanges/common"
)

type walletResponse struct {
	Address           string    `json:"address"`
	ThresholdUSD      string    `json:"threshold_usd"`
	OrderThresholdUSD string    `json:"order_threshold_usd"`
	CursorTime        int64     `json:"cursor_time"`
	CreatedAt         time.Time `json:"created_at"`
}

func toWalletResponse(w db.TrackedWallet) walletResponse {
	return walletResponse{
		Address:           w.Address,
		ThresholdUSD:      w.ThresholdUSD.String(),
		OrderThresholdUSD: w.OrderThreshold().String(),
		CursorTime:        w.CursorTime,
		CreatedAt:         w.CreatedAt,
	}
}

type positionResponse struct {
	Coin             string  `json:"coin"`
	Side             string  `json:"side"`
	Size             string  `json:"size"`
	EntryPrice       string  `json:"entry_price"`
	PositionValue    string  `json:"position_value"`
	UnrealizedPnl    string  `json:"unrealized_pnl"`
	Leverage         int     `json:"leverage"`
	LeverageType     string  `json:"leverage_type"`
	LiquidationPrice *string `json:"liquidation_price,omitempty"`
	MarginUsed       string  `json:"margin_used"`
}

type spotBalanceResponse struct {
	Coin     string `json:"coin"`
	Total    string `json:"total"`
	Hold     string `json:"hold"`
	EntryNtl string `json:"entry_notional"`
}

type leaderResponse struct {
	Rank         int    `json:"rank"`
	Address      string `json:"address"`
	DisplayName  string `json:"display_name,omitempty"`
	AccountValue string `json:"account_value"`
	PnL          string `json:"pnl"`
	ROI          string `json:"roi"`
	Volume       string `json:"volume"`
}

type openOrderResponse struct {
	Coin       string `json:"coin"`
	Side       string `json:"side"`
	LimitPrice string `json:"limit_price"`
	Size       string `json:"size"`
	OrderID    int64  `json:"order_id"`
	Timestamp  int64  `json:"timestamp"`
}

type operationResponse struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Coin       string    `json:"coin"`
	Side       string    `json:"side"`
	Size       string    `json:"size,omitempty"`
	Price      string    `json:"price,omitempty"`
	OrderID    int64     `json:"order_id,omitempty"`
	Success    bool      `json:"success"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	InstanceID string    `json:"instance_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondKindError maps a classified error to an HTTP status.
func respondKindError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindInvalidSize:
		status = http.StatusBadRequest
	case errs.KindAuthFailure:
		status = http.StatusForbidden
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindInsufficientMargin:
		status = http.StatusUnprocessableEntity
	case errs.KindRateLimited:
		status = http.StatusTooManyRequests
	case errs.KindNetworkTimeout:
		status = http.StatusGatewayTimeout
	case errs.KindDecryptionError:
		status = http.StatusInternalServerError
	}
	msg := err.Error()
	var ce *errs.Error
	if errors.As(err, &ce) && ce.Detail != "" {
		msg = ce.Detail
	}
	respondError(c, status, strings.ToUpper(string(kind)), msg)
}

func parseDecimalField(v string) (decimal.NullDecimal, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// ----------------------------------------
// Credentials
// ----------------------------------------

func (s *Server) getKey(c *gin.Context) {
	address, err := s.Vault.Address(c.Request.Context(), CurrentChatID(c))
	if err != nil {
		respondKindError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": address})
}

func (s *Server) putKey(c *gin.Context) {
	var req struct {
		PrivateKey string `json:"private_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.PrivateKey) == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "private_key is required")
		return
	}
	chatID := CurrentChatID(c)
	address, err := s.Vault.Store(c.Request.Context(), chatID, req.PrivateKey)
	req.PrivateKey = ""
	if err != nil {
		respondKindError(c, err)
		return
	}
	if s.Bus != nil {
		s.Bus.Publish(events.EventCredentialSet, gin.H{"chat_id": chatID, "address": address})
	}
	c.JSON(http.StatusOK, gin.H{"address": address})
}

func (s *Server) deleteKey(c *gin.Context) {
	if err := s.Vault.Forget(c.Request.Context(), CurrentChatID(c)); err != nil {
		respondKindError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ----------------------------------------
// Tracked wallets
// ----------------------------------------

func (s *Server) listWallets(c *gin.Context) {
	wallets, err := s.Monitor.Wallets(c.Request.Context(), CurrentChatID(c))
	if err != nil {
		respondKindError(c, err)
		return
	}
	out := make([]walletResponse, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, toWalletResponse(w))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) trackWallet(c *gin.Context) {
	var req struct {
		Address      string `json:"address"`
		ThresholdUSD string `json:"threshold_usd"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Address) == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "address is required")
		return
	}
	threshold, err := parseDecimalField(req.ThresholdUSD)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "threshold_usd must be a number")
		return
	}
	w, created, err := s.Monitor.Track(c.Request.Context(), CurrentChatID(c), strings.TrimSpace(req.Address), threshold)
	if err != nil {
		respondKindError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, toWalletResponse(*w))
}

func (s *Server) untrackWallet(c *gin.Context) {
	if err := s.Monitor.Untrack(c.Request.Context(), CurrentChatID(c), c.Param("address")); err != nil {
		respondKindError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setThreshold(c *gin.Context) {
	var req struct {
		ThresholdUSD string `json:"threshold_usd"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	threshold, err := parseDecimalField(req.ThresholdUSD)
	if err != nil || !threshold.Valid {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "threshold_usd must be a number")
		return
	}
	ctx := c.Request.Context()
	chatID := CurrentChatID(c)
	if err := s.Monitor.SetThreshold(ctx, chatID, c.Param("address"), threshold.Decimal); err != nil {
		respondKindError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":       db.NormalizeAddress(c.Param("address")),
		"threshold_usd": threshold.Decimal.String(),
	})
}

// setOrderThreshold sets the placed/canceled order alert threshold. An empty
// or missing value falls back to the trade threshold.
func (s *Server) setOrderThreshold(c *gin.Context) {
	var req struct {
		OrderThresholdUSD *string `json:"order_threshold_usd"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	var threshold decimal.NullDecimal
	if req.OrderThresholdUSD != nil {
		var err error
		if threshold, err = parseDecimalField(*req.OrderThresholdUSD); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "order_threshold_usd must be a number")
			return
		}
	}
	ctx := c.Request.Context()
	chatID := CurrentChatID(c)
	if err := s.Monitor.SetOrderThreshold(ctx, chatID, c.Param("address"), threshold); err != nil {
		respondKindError(c, err)
		return
	}
	w, err := s.DB.GetWallet(ctx, chatID, c.Param("address"))
	if err != nil {
		respondKindError(c, err)
		return
	}
	c.JSON(http.StatusOK, toWalletResponse(*w))
}

func (s *Server) walletStatuses(c *gin.Context) {
	c.JSON(http.StatusOK, s.Monitor.Statuses(CurrentChatID(c)))
}

// ----------------------------------------
// Orders
// ----------------------------------------

func (s *Server) createOrder(c *gin.Context) {
	var intent order.Intent
	if err := c.ShouldBindJSON(&intent); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order payload")
		return
	}
	chatID := CurrentChatID(c)

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		if s.Async == nil {
			respondError(c, http.StatusServiceUnavailable, "ASYNC_DISABLED", "asynchronous execution is not enabled")
			return
		}
		err := s.Async.Submit(c.Request.Context(), chatID, intent, nil)
		switch {
		case errors.Is(err, order.ErrQueueFull):
			respondError(c, http.StatusServiceUnavailable, "QUEUE_FULL", "execution queue is full, retry later")
			return
		case err != nil:
			respondError(c, http.StatusServiceUnavailable, "EXECUTOR_CLOSED", err.Error())
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "kind": intent.Kind})
		return
	}

	res := s.Executor.Execute(c.Request.Context(), intent, chatID)
	if !res.Success {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ----------------------------------------
// Account views
// ----------------------------------------

// accountAddress picks ?address= or the address of the caller's key.
func (s *Server) accountAddress(c *gin.Context) (string, bool) {
	if addr := strings.TrimSpace(c.Query("address")); addr != "" {
		return addr, true
	}
	addr, err := s.Vault.Address(c.Request.Context(), CurrentChatID(c))
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			respondError(c, http.StatusNotFound, "KEY_NOT_FOUND", "no key stored; pass ?address= or PUT /api/key")
			return "", false
		}
		respondKindError(c, err)
		return "", false
	}
	return addr, true
}

func (s *Server) getPositions(c *gin.Context) {
	address, ok := s.accountAddress(c)
	if !ok {
		return
	}
	positions, err := s.Market.GetPositions(c.Request.Context(), address)
	if err != nil {
		respondKindError(c, err)
		return
	}
	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		side := "short"
		if p.IsLong() {
			side = "long"
		}
		r := positionResponse{
			Coin:          p.Coin,
			Side:          side,
			Size:          p.Size.String(),
			EntryPrice:    p.EntryPrice.String(),
			PositionValue: p.PositionValue.String(),
			UnrealizedPnl: p.UnrealizedPnl.String(),
			Leverage:      p.Leverage,
			LeverageType:  p.LeverageType,
			MarginUsed:    p.MarginUsed.String(),
		}
		if p.LiquidationPrice.Valid {
			liq := p.LiquidationPrice.Decimal.String()
			r.LiquidationPrice = &liq
		}
		out = append(out, r)
	}
	c.JSON(http.StatusOK, gin.H{"address": address, "positions": out})
}

func (s *Server) getBalance(c *gin.Context) {
	address, ok := s.accountAddress(c)
	if !ok {
		return
	}
	bal, err := s.Market.GetBalance(c.Request.Context(), address)
	if err != nil {
		respondKindError(c, err)
		return
	}
	resp := gin.H{
		"address":           address,
		"account_value":     bal.AccountValue.String(),
		"total_notional":    bal.TotalNotional.String(),
		"total_margin_used": bal.TotalMarginUsed.String(),
		"withdrawable":      bal.Withdrawable.String(),
	}
	// The paper account has no spot side.
	if s.Stats != nil && !s.Meta.DryRun {
		spot, err := s.Stats.GetSpotBalances(c.Request.Context(), address)
		if err != nil {
			respondKindError(c, err)
			return
		}
		out := make([]spotBalanceResponse, 0, len(spot))
		for _, b := range spot {
			out = append(out, spotBalanceResponse{
				Coin:     b.Coin,
				Total:    b.Total.String(),
				Hold:     b.Hold.String(),
				EntryNtl: b.EntryNtl.String(),
			})
		}
		resp["spot"] = out
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getOpenOrders(c *gin.Context) {
	address, ok := s.accountAddress(c)
	if !ok {
		return
	}
	orders, err := s.Market.GetOpenOrders(c.Request.Context(), address)
	if err != nil {
		respondKindError(c, err)
		return
	}
	out := make([]openOrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, openOrderResponse{
			Coin:       o.Coin,
			Side:       string(o.Side),
			LimitPrice: o.LimitPrice.String(),
			Size:       o.Size.String(),
			OrderID:    o.OrderID,
			Timestamp:  o.Timestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"address": address, "orders": out})
}

func (s *Server) getPrice(c *gin.Context) {
	coin := strings.TrimSpace(c.Param("coin"))
	px, err := s.Market.GetPrice(c.Request.Context(), coin)
	if err != nil {
		respondKindError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"coin": coin, "mid": px.String()})
}

// getLeaderboard lists the top traders by PnL. ?window= is day (default),
// week, month or alltime; ?top= caps the rows at 100.
func (s *Server) getLeaderboard(c *gin.Context) {
	if s.Stats == nil {
		respondError(c, http.StatusServiceUnavailable, "STATS_DISABLED", "leaderboard is not available")
		return
	}
	top := 10
	if v := c.Query("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "top must be a positive integer")
			return
		}
		top = n
	}
	window := c.DefaultQuery("window", "day")
	leaders, err := s.Stats.GetLeaderboard(c.Request.Context(), window, top)
	if err != nil {
		respondKindError(c, err)
		return
	}
	out := make([]leaderResponse, 0, len(leaders))
	for i, l := range leaders {
		out = append(out, leaderResponse{
			Rank:         i + 1,
			Address:      l.Address,
			DisplayName:  l.DisplayName,
			AccountValue: l.AccountValue.String(),
			PnL:          l.PnL.String(),
			ROI:          l.ROI.String(),
			Volume:       l.Volume.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"window": window, "leaders": out})
}

func (s *Server) getOperations(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}
	ops, err := s.DB.ListOperations(c.Request.Context(), CurrentChatID(c), limit)
	if err != nil {
		respondKindError(c, err)
		return
	}
	out := make([]operationResponse, 0, len(ops))
	for _, op := range ops {
		out = append(out, operationResponse{
			ID:         op.ID,
			Kind:       op.Kind,
			Coin:       op.Coin,
			Side:       string(common.SideOf(op.IsBuy)),
			Size:       op.Size,
			Price:      op.Price,
			OrderID:    op.OrderID,
			Success:    op.Success,
			ErrorKind:  op.ErrorKind,
			Detail:     op.Detail,
			InstanceID: op.InstanceID,
			CreatedAt:  op.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// ----------------------------------------
// System
// ----------------------------------------

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_DISABLED", "metrics are not enabled")
		return
	}
	snap := s.Metrics.GetSnapshot()
	resp := gin.H{"metrics": snap}
	if s.Async != nil {
		resp["queued_orders"] = s.Async.Pending()
	}
	c.JSON(http.StatusOK, resp)
}

// shutdownGrace bounds how long Shutdown waits for in-flight requests.
const shutdownGrace = 10 * time.Second

// Close shuts the HTTP server down within shutdownGrace.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown", zap.Error(err))
	}
}
