package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"whale-core/internal/events"
	"whale-core/internal/monitor"
	"whale-core/internal/order"
	"whale-core/internal/retry"
	"whale-core/internal/vault"
	"whale-core/pkg/crypto"
	"whale-core/pkg/db"
	"whale-core/pkg/errs"
	"whale-core/pkg/exchanges/common"
	"whale-core/pkg/i18n"
)

const (
	testSecret  = "test-secret"
	testKeyHex  = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testKeyAddr = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
	whaleAddr   = "0x00000000000000000000000000000000000000a1"
)

// fakeMarket serves fixed market data to the paper gateway.
type fakeMarket struct {
	mu   sync.Mutex
	mids map[string]decimal.Decimal
}

func (f *fakeMarket) GetPrice(ctx context.Context, coin string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	px, ok := f.mids[coin]
	if !ok {
		return decimal.Zero, errs.New(errs.KindNotFound, "get price", "unknown coin "+coin)
	}
	return px, nil
}

func (f *fakeMarket) GetAsset(ctx context.Context, coin string) (common.Asset, error) {
	switch coin {
	case "ETH":
		return common.Asset{Index: 1, Name: "ETH", SzDecimals: 4, MaxLeverage: 25}, nil
	case "BTC":
		return common.Asset{Index: 0, Name: "BTC", SzDecimals: 5, MaxLeverage: 50}, nil
	}
	return common.Asset{}, errs.New(errs.KindNotFound, "get asset", "unknown coin "+coin)
}

func (f *fakeMarket) GetPositions(ctx context.Context, address string) ([]common.Position, error) {
	return nil, nil
}

func (f *fakeMarket) GetBalance(ctx context.Context, address string) (common.Balance, error) {
	return common.Balance{}, nil
}

func (f *fakeMarket) GetFillsSince(ctx context.Context, address string, cursor common.Cursor) ([]common.Fill, error) {
	return nil, nil
}

func (f *fakeMarket) GetOpenOrders(ctx context.Context, address string) ([]common.OpenOrder, error) {
	return nil, nil
}

type fakeStats struct{}

func (fakeStats) GetSpotBalances(ctx context.Context, address string) ([]common.SpotBalance, error) {
	return []common.SpotBalance{{Coin: "HYPE", Token: 150, Total: decimal.RequireFromString("120.5"), Hold: decimal.RequireFromString("2.5")}}, nil
}

func (fakeStats) GetLeaderboard(ctx context.Context, window string, top int) ([]common.Leader, error) {
	if window != "day" && window != "week" {
		return nil, errs.Newf(errs.KindInvalidSize, "leaderboard", "unknown window %q", window)
	}
	all := []common.Leader{
		{Address: "0xaaa", DisplayName: "whale", PnL: decimal.NewFromInt(900)},
		{Address: "0xbbb", PnL: decimal.NewFromInt(100)},
	}
	if top < len(all) {
		all = all[:top]
	}
	return all, nil
}

type testEnv struct {
	ts      *httptest.Server
	server  *Server
	db      *db.Database
	bus     *events.Bus
	metrics *monitor.SystemMetrics
}

func newTestAPIServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	km, err := crypto.NewKeyManager(map[int][]byte{1: []byte("master")})
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	v, err := vault.New(database, km, nil)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	market := &fakeMarket{mids: map[string]decimal.Decimal{
		"ETH": decimal.NewFromInt(2000),
		"BTC": decimal.NewFromInt(60000),
	}}
	paper := order.NewPaperGateway(market, order.DryRunSimConfig{
		InitialBalance: decimal.NewFromInt(10000),
		FeeRate:        decimal.Zero,
		Seed:           1,
	}, nil)

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	policy := retry.Default()
	policy.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	exec := order.NewExecutor(paper, v, database, nil, order.Options{
		Retry:      policy,
		InstanceID: "api-test",
		Language:   i18n.LangEN,
		Bus:        bus,
		Metrics:    metrics,
	})
	async := order.NewAsyncExecutor(exec, 2, 8)
	t.Cleanup(async.Close)

	mon := monitor.New(database, paper, bus, monitor.Config{
		DefaultThreshold: decimal.NewFromInt(100000),
	}, nil, monitor.WithMetrics(metrics))

	server := NewServer(Deps{
		Bus:       bus,
		DB:        database,
		Monitor:   mon,
		Executor:  exec,
		Async:     async,
		Vault:     v,
		Market:    paper,
		Stats:     fakeStats{},
		Metrics:   metrics,
		JWTSecret: testSecret,
		Meta:      SystemMeta{DryRun: true, InstanceID: "api-test"},
	}, nil)

	ts := httptest.NewServer(server.Router)
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, server: server, db: database, bus: bus, metrics: metrics}
}

func tokenFor(t *testing.T, chatID int64) string {
	t.Helper()
	token, err := GenerateToken(chatID, testSecret, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func storeKey(t *testing.T, env *testEnv, token string) {
	t.Helper()
	var resp struct {
		Address string `json:"address"`
	}
	status := doJSONRequest(t, env.ts.Client(), http.MethodPut, env.ts.URL+"/api/key", token,
		map[string]string{"private_key": testKeyHex}, &resp)
	if status != http.StatusOK {
		t.Fatalf("put key status=%d", status)
	}
}

func TestHealth(t *testing.T) {
	env := newTestAPIServer(t)
	var resp struct {
		Status string `json:"status"`
		DryRun bool   `json:"dry_run"`
	}
	status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/health", "", nil, &resp)
	if status != http.StatusOK || resp.Status != "ok" || !resp.DryRun {
		t.Fatalf("unexpected health status=%d resp=%+v", status, resp)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.ts.Client()

	otherSecret, err := GenerateToken(1, "other-secret", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	expired, err := GenerateToken(1, testSecret, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{"missing", "", "MISSING_TOKEN"},
		{"not bearer", "Basic abc", "INVALID_AUTH_HEADER"},
		{"garbage", "Bearer not-a-jwt", "INVALID_TOKEN"},
		{"wrong secret", "Bearer " + otherSecret, "INVALID_TOKEN"},
		{"expired", "Bearer " + expired, "INVALID_TOKEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/wallets", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := client.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			defer resp.Body.Close()
			var body struct {
				Code string `json:"code"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&body)
			if resp.StatusCode != http.StatusUnauthorized || body.Code != tt.code {
				t.Fatalf("expected 401 %s, got %d %s", tt.code, resp.StatusCode, body.Code)
			}
		})
	}
}

func TestGenerateTokenRequiresChat(t *testing.T) {
	if _, err := GenerateToken(0, testSecret, time.Now().Add(time.Hour)); err == nil {
		t.Fatalf("expected error for chat 0")
	}
	token := tokenFor(t, 42)
	chatID, err := parseToken(token, testSecret)
	if err != nil || chatID != 42 {
		t.Fatalf("parseToken = %d, %v", chatID, err)
	}
}

func TestKeyLifecycle(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.ts.Client()
	token := tokenFor(t, 1)
	url := env.ts.URL + "/api/key"

	var errResp struct {
		Code string `json:"code"`
	}
	if status := doJSONRequest(t, client, http.MethodGet, url, token, nil, &errResp); status != http.StatusNotFound {
		t.Fatalf("expected 404 before storing, got %d", status)
	}

	status := doJSONRequest(t, client, http.MethodPut, url, token, map[string]string{"private_key": "0x1234"}, &errResp)
	if status != http.StatusForbidden || errResp.Code != "AUTH_FAILURE" {
		t.Fatalf("expected 403 AUTH_FAILURE for malformed key, got %d %s", status, errResp.Code)
	}

	stored, unsub := env.bus.Subscribe(events.EventCredentialSet, 1)
	defer unsub()

	var keyResp struct {
		Address string `json:"address"`
	}
	status = doJSONRequest(t, client, http.MethodPut, url, token, map[string]string{"private_key": "0x" + testKeyHex}, &keyResp)
	if status != http.StatusOK || keyResp.Address != testKeyAddr {
		t.Fatalf("put key status=%d address=%s", status, keyResp.Address)
	}
	select {
	case <-stored:
	case <-time.After(time.Second):
		t.Fatalf("expected credential event")
	}

	keyResp.Address = ""
	if status := doJSONRequest(t, client, http.MethodGet, url, token, nil, &keyResp); status != http.StatusOK || keyResp.Address != testKeyAddr {
		t.Fatalf("get key status=%d address=%s", status, keyResp.Address)
	}

	if status := doJSONRequest(t, client, http.MethodDelete, url, token, nil, nil); status != http.StatusNoContent {
		t.Fatalf("delete key status=%d", status)
	}
	if status := doJSONRequest(t, client, http.MethodDelete, url, token, nil, nil); status != http.StatusNoContent {
		t.Fatalf("second delete should be idempotent, got %d", status)
	}
	if status := doJSONRequest(t, client, http.MethodGet, url, token, nil, &errResp); status != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", status)
	}
}

func TestWalletLifecycle(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.ts.Client()
	token := tokenFor(t, 1)
	base := env.ts.URL + "/api/wallets"

	var errResp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodPost, base, token, map[string]string{"address": "not-an-address"}, &errResp)
	if status != http.StatusBadRequest || errResp.Code != "INVALID_SIZE" {
		t.Fatalf("expected 400 for invalid address, got %d %s", status, errResp.Code)
	}
	status = doJSONRequest(t, client, http.MethodPost, base, token, map[string]string{"address": whaleAddr, "threshold_usd": "lots"}, &errResp)
	if status != http.StatusBadRequest || errResp.Code != "INVALID_REQUEST" {
		t.Fatalf("expected 400 for bad threshold, got %d %s", status, errResp.Code)
	}

	var w walletResponse
	if status := doJSONRequest(t, client, http.MethodPost, base, token, map[string]string{"address": "0x00000000000000000000000000000000000000A1"}, &w); status != http.StatusCreated {
		t.Fatalf("track status=%d", status)
	}
	if w.Address != whaleAddr || w.ThresholdUSD != "100000" {
		t.Fatalf("unexpected wallet %+v", w)
	}
	if status := doJSONRequest(t, client, http.MethodPost, base, token, map[string]string{"address": whaleAddr}, &w); status != http.StatusOK {
		t.Fatalf("re-track should return 200, got %d", status)
	}

	var list []walletResponse
	if status := doJSONRequest(t, client, http.MethodGet, base, token, nil, &list); status != http.StatusOK || len(list) != 1 {
		t.Fatalf("list status=%d wallets=%d", status, len(list))
	}

	// Other chats do not see the wallet.
	var other []walletResponse
	if status := doJSONRequest(t, client, http.MethodGet, base, tokenFor(t, 2), nil, &other); status != http.StatusOK || len(other) != 0 {
		t.Fatalf("chat 2 should see no wallets, got status=%d wallets=%d", status, len(other))
	}

	var thr struct {
		ThresholdUSD string `json:"threshold_usd"`
	}
	status = doJSONRequest(t, client, http.MethodPut, base+"/"+whaleAddr+"/threshold", token, map[string]string{"threshold_usd": "250000"}, &thr)
	if status != http.StatusOK || thr.ThresholdUSD != "250000" {
		t.Fatalf("set threshold status=%d resp=%+v", status, thr)
	}
	status = doJSONRequest(t, client, http.MethodPut, base+"/"+whaleAddr+"/threshold", token, map[string]string{"threshold_usd": "-1"}, &errResp)
	if status != http.StatusBadRequest {
		t.Fatalf("negative threshold should be 400, got %d", status)
	}
	status = doJSONRequest(t, client, http.MethodPut, base+"/0x00000000000000000000000000000000000000b2/threshold", token, map[string]string{"threshold_usd": "5"}, &errResp)
	if status != http.StatusNotFound {
		t.Fatalf("unknown wallet threshold should be 404, got %d", status)
	}

	var statuses []monitor.Status
	if status := doJSONRequest(t, client, http.MethodGet, base+"/status", token, nil, &statuses); status != http.StatusOK {
		t.Fatalf("status endpoint=%d", status)
	}

	if status := doJSONRequest(t, client, http.MethodDelete, base+"/"+whaleAddr, token, nil, nil); status != http.StatusNoContent {
		t.Fatalf("untrack status=%d", status)
	}
	if status := doJSONRequest(t, client, http.MethodDelete, base+"/"+whaleAddr, token, nil, &errResp); status != http.StatusNotFound {
		t.Fatalf("second untrack should be 404, got %d", status)
	}
}

func TestCreateOrderOnPaperAccount(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.ts.Client()
	token := tokenFor(t, 1)
	storeKey(t, env, token)

	var res order.Result
	status := doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/orders", token, map[string]any{
		"kind":     "market_open",
		"coin":     "ETH",
		"is_buy":   true,
		"size_usd": "1000",
	}, &res)
	if status != http.StatusOK || !res.Success {
		t.Fatalf("order status=%d result=%+v", status, res)
	}
	if res.Order == nil || !res.Order.FilledSize.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("expected 0.5 ETH filled, got %+v", res.Order)
	}

	var positions struct {
		Address   string             `json:"address"`
		Positions []positionResponse `json:"positions"`
	}
	if status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/positions", token, nil, &positions); status != http.StatusOK {
		t.Fatalf("positions status=%d", status)
	}
	if positions.Address != testKeyAddr || len(positions.Positions) != 1 {
		t.Fatalf("unexpected positions %+v", positions)
	}
	if p := positions.Positions[0]; p.Coin != "ETH" || p.Side != "long" || p.Size != "0.5" {
		t.Fatalf("unexpected position %+v", p)
	}

	var balance struct {
		AccountValue string `json:"account_value"`
	}
	if status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/balance", token, nil, &balance); status != http.StatusOK || balance.AccountValue != "10000" {
		t.Fatalf("balance status=%d resp=%+v", status, balance)
	}

	var ops []operationResponse
	if status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/operations?limit=10", token, nil, &ops); status != http.StatusOK {
		t.Fatalf("operations status=%d", status)
	}
	if len(ops) != 1 || ops[0].Kind != "market_open" || !ops[0].Success || ops[0].InstanceID != "api-test" {
		t.Fatalf("unexpected operations %+v", ops)
	}
}

func TestCreateOrderFailures(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.ts.Client()
	token := tokenFor(t, 1)

	tests := []struct {
		name    string
		withKey bool
		payload any
		status  int
		kind    errs.Kind
	}{
		{
			name:    "no key stored",
			payload: map[string]any{"kind": "market_open", "coin": "ETH", "is_buy": true, "size_usd": "100"},
			status:  http.StatusUnprocessableEntity,
			kind:    errs.KindAuthFailure,
		},
		{
			name:    "two sizes",
			withKey: true,
			payload: map[string]any{"kind": "market_open", "coin": "ETH", "is_buy": true, "size_usd": "100", "size_base": "1"},
			status:  http.StatusUnprocessableEntity,
			kind:    errs.KindInvalidSize,
		},
		{
			name:    "close without position",
			withKey: true,
			payload: map[string]any{"kind": "market_close", "coin": "BTC"},
			status:  http.StatusUnprocessableEntity,
			kind:    errs.KindNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.withKey {
				storeKey(t, env, token)
			}
			var res order.Result
			status := doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/orders", token, tt.payload, &res)
			if status != tt.status || res.Success || res.ErrorKind != tt.kind {
				t.Fatalf("expected %d %s, got %d %+v", tt.status, tt.kind, status, res)
			}
		})
	}

	var errResp struct {
		Code string `json:"code"`
	}
	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/api/orders", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	if resp.StatusCode != http.StatusBadRequest || errResp.Code != "INVALID_REQUEST" {
		t.Fatalf("expected 400 INVALID_REQUEST, got %d %s", resp.StatusCode, errResp.Code)
	}
}

func TestAccountViewsNeedAddressOrKey(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.ts.Client()
	token := tokenFor(t, 1)

	var errResp struct {
		Code string `json:"code"`
	}
	if status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/open-orders", token, nil, &errResp); status != http.StatusNotFound || errResp.Code != "KEY_NOT_FOUND" {
		t.Fatalf("expected KEY_NOT_FOUND, got %d %s", status, errResp.Code)
	}

	var orders struct {
		Address string              `json:"address"`
		Orders  []openOrderResponse `json:"orders"`
	}
	if status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/open-orders?address="+whaleAddr, token, nil, &orders); status != http.StatusOK {
		t.Fatalf("open orders status=%d", status)
	}
	if orders.Address != whaleAddr || len(orders.Orders) != 0 {
		t.Fatalf("unexpected open orders %+v", orders)
	}
}

func TestGetPrice(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.ts.Client()
	token := tokenFor(t, 1)

	var px struct {
		Coin string `json:"coin"`
		Mid  string `json:"mid"`
	}
	if status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/prices/BTC", token, nil, &px); status != http.StatusOK || px.Mid != "60000" {
		t.Fatalf("price status=%d resp=%+v", status, px)
	}
	var errResp struct {
		Code string `json:"code"`
	}
	if status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/prices/DOGE", token, nil, &errResp); status != http.StatusNotFound || errResp.Code != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d %s", status, errResp.Code)
	}
}

func TestOperationsLimitValidation(t *testing.T) {
	env := newTestAPIServer(t)
	var errResp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/api/operations?limit=-3", tokenFor(t, 1), nil, &errResp)
	if status != http.StatusBadRequest || errResp.Code != "INVALID_REQUEST" {
		t.Fatalf("expected 400, got %d %s", status, errResp.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestAPIServer(t)
	env.metrics.RecordExecution("market_open", true, 5*time.Millisecond)

	var resp struct {
		Metrics struct {
			OrdersSucceeded uint64            `json:"orders_succeeded"`
			Executions      map[string]uint64 `json:"executions"`
		} `json:"metrics"`
	}
	status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/api/metrics", "", nil, &resp)
	if status != http.StatusOK || resp.Metrics.OrdersSucceeded != 1 || resp.Metrics.Executions["market_open"] != 1 {
		t.Fatalf("unexpected metrics status=%d resp=%+v", status, resp)
	}
}

func dialWS(t *testing.T, env *testEnv, chatID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws?token=" + tokenFor(t, chatID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for env.bus.Subscribers(events.ForChat(events.EventOrderExecuted, chatID)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ws handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	env := newTestAPIServer(t)
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestWebSocketStreamsOwnResults(t *testing.T) {
	env := newTestAPIServer(t)
	token := tokenFor(t, 1)
	conn := dialWS(t, env, 1)

	// Another chat's result must not reach this client.
	env.bus.Publish(events.ForChat(events.EventOrderExecuted, 2), order.Report{ChatID: 2, Intent: order.Intent{Kind: order.KindCancel}})

	storeKey(t, env, token)
	var accepted struct {
		Status string `json:"status"`
	}
	status := doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/api/orders?async=true", token, map[string]any{
		"kind":      "market_open",
		"coin":      "BTC",
		"is_buy":    false,
		"size_base": "0.01",
	}, &accepted)
	if status != http.StatusAccepted || accepted.Status != "queued" {
		t.Fatalf("async order status=%d resp=%+v", status, accepted)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg struct {
		Type string       `json:"type"`
		Data order.Report `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read ws: %v", err)
	}
	if msg.Type != string(events.EventOrderExecuted) || msg.Data.ChatID != 1 {
		t.Fatalf("unexpected ws message %+v", msg)
	}
	if !msg.Data.Result.Success || msg.Data.Intent.Coin != "BTC" {
		t.Fatalf("expected successful BTC result, got %+v", msg.Data)
	}
}

func TestWebSocketStreamsOwnTrades(t *testing.T) {
	env := newTestAPIServer(t)
	conn := dialWS(t, env, 7)

	ctx := context.Background()
	other := monitor.TradeEvent{Wallet: db.TrackedWallet{ChatID: 8, Address: whaleAddr}, Coin: "ETH"}
	mine := monitor.TradeEvent{Wallet: db.TrackedWallet{ChatID: 7, Address: whaleAddr}, Coin: "BTC",
		Side: common.SideBuy, NotionalUSD: decimal.NewFromInt(600000)}
	if err := env.bus.PublishWait(ctx, events.ForChat(events.EventTrade, 8), other); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := env.bus.PublishWait(ctx, events.ForChat(events.EventTrade, 7), mine); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg struct {
		Type string             `json:"type"`
		Data monitor.TradeEvent `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read ws: %v", err)
	}
	if msg.Type != string(events.EventTrade) || msg.Data.Coin != "BTC" || !msg.Data.NotionalUSD.Equal(decimal.NewFromInt(600000)) {
		t.Fatalf("unexpected ws message %+v", msg)
	}
}

func TestWebSocketStreamsOwnOrderAlerts(t *testing.T) {
	env := newTestAPIServer(t)
	conn := dialWS(t, env, 7)

	ev := monitor.OrderEvent{Wallet: db.TrackedWallet{ChatID: 7, Address: whaleAddr}, Action: monitor.OrderPlaced,
		Coin: "ETH", OrderID: 55, NotionalUSD: decimal.NewFromInt(800000)}
	if err := env.bus.PublishWait(context.Background(), events.ForChat(events.EventWalletOrder, 7), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg struct {
		Type string             `json:"type"`
		Data monitor.OrderEvent `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read ws: %v", err)
	}
	if msg.Type != string(events.EventWalletOrder) || msg.Data.OrderID != 55 || msg.Data.Action != monitor.OrderPlaced {
		t.Fatalf("unexpected ws message %+v", msg)
	}
}

// A client that stops reading must not hold back alerts of another chat.
func TestWebSocketSlowClientIsolated(t *testing.T) {
	env := newTestAPIServer(t)
	_ = dialWS(t, env, 8) // never read
	conn := dialWS(t, env, 7)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 200; i++ {
		ev := monitor.TradeEvent{Wallet: db.TrackedWallet{ChatID: 8, Address: whaleAddr}, FillID: int64(i)}
		if err := env.bus.PublishWait(ctx, events.ForChat(events.EventTrade, 8), ev); err != nil {
			break // chat 8 backed up
		}
	}
	mine := monitor.TradeEvent{Wallet: db.TrackedWallet{ChatID: 7, Address: whaleAddr}, Coin: "SOL"}
	pctx, pcancel := context.WithTimeout(context.Background(), time.Second)
	defer pcancel()
	if err := env.bus.PublishWait(pctx, events.ForChat(events.EventTrade, 7), mine); err != nil {
		t.Fatalf("chat 7 publish blocked: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg struct {
		Data monitor.TradeEvent `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil || msg.Data.Coin != "SOL" {
		t.Fatalf("read ws: %+v %v", msg, err)
	}
}

func TestOrderThresholdEndpoint(t *testing.T) {
	env := newTestAPIServer(t)
	token := tokenFor(t, 1)
	client := env.ts.Client()
	base := env.ts.URL + "/api/wallets"

	var w walletResponse
	status := doJSONRequest(t, client, http.MethodPost, base, token, map[string]string{"address": whaleAddr, "threshold_usd": "500000"}, &w)
	if status != http.StatusCreated || w.OrderThresholdUSD != "500000" {
		t.Fatalf("track status=%d resp=%+v", status, w)
	}

	tests := []struct {
		name    string
		address string
		body    any
		status  int
		want    string
	}{
		{"set", whaleAddr, map[string]string{"order_threshold_usd": "750000"}, http.StatusOK, "750000"},
		{"reset", whaleAddr, map[string]any{"order_threshold_usd": nil}, http.StatusOK, "500000"},
		{"not a number", whaleAddr, map[string]string{"order_threshold_usd": "lots"}, http.StatusBadRequest, ""},
		{"negative", whaleAddr, map[string]string{"order_threshold_usd": "-5"}, http.StatusBadRequest, ""},
		{"unknown wallet", "0x00000000000000000000000000000000000000b2", map[string]string{"order_threshold_usd": "5"}, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp walletResponse
			status := doJSONRequest(t, client, http.MethodPut, base+"/"+tt.address+"/order-threshold", token, tt.body, &resp)
			if status != tt.status {
				t.Fatalf("status = %d, want %d", status, tt.status)
			}
			if tt.want != "" && resp.OrderThresholdUSD != tt.want {
				t.Fatalf("order_threshold_usd = %q, want %q", resp.OrderThresholdUSD, tt.want)
			}
		})
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	env := newTestAPIServer(t)
	token := tokenFor(t, 1)
	client := env.ts.Client()

	var resp struct {
		Window  string           `json:"window"`
		Leaders []leaderResponse `json:"leaders"`
	}
	status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/leaderboard?top=1", token, nil, &resp)
	if status != http.StatusOK || resp.Window != "day" || len(resp.Leaders) != 1 {
		t.Fatalf("status=%d resp=%+v", status, resp)
	}
	if l := resp.Leaders[0]; l.Rank != 1 || l.DisplayName != "whale" || l.PnL != "900" {
		t.Fatalf("leader = %+v", l)
	}

	var errResp struct {
		Code string `json:"code"`
	}
	if status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/leaderboard?window=yearly", token, nil, &errResp); status != http.StatusBadRequest {
		t.Fatalf("bad window status = %d", status)
	}
	if status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/leaderboard?top=0", token, nil, &errResp); status != http.StatusBadRequest {
		t.Fatalf("top=0 status = %d", status)
	}
}

func TestBalanceIncludesSpotOnLiveAccount(t *testing.T) {
	env := newTestAPIServer(t)
	token := tokenFor(t, 1)
	url := env.ts.URL + "/api/balance?address=" + whaleAddr

	var paper map[string]any
	if status := doJSONRequest(t, env.ts.Client(), http.MethodGet, url, token, nil, &paper); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if _, ok := paper["spot"]; ok {
		t.Fatalf("paper balance has spot: %+v", paper)
	}

	env.server.Meta.DryRun = false
	var live struct {
		Spot []spotBalanceResponse `json:"spot"`
	}
	if status := doJSONRequest(t, env.ts.Client(), http.MethodGet, url, token, nil, &live); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(live.Spot) != 1 || live.Spot[0].Coin != "HYPE" || live.Spot[0].Total != "120.5" {
		t.Fatalf("spot = %+v", live.Spot)
	}
}
