package order

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"whale-core/internal/events"
	"whale-core/internal/retry"
	"whale-core/internal/vault"
	"whale-core/pkg/crypto"
	"whale-core/pkg/db"
	"whale-core/pkg/errs"
	"whale-core/pkg/exchanges/common"
	"whale-core/pkg/i18n"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeGateway struct {
	mu        sync.Mutex
	mids      map[string]decimal.Decimal
	assets    map[string]common.Asset
	positions []common.Position
	balance   common.Balance

	placeErrs []error // consumed one per placement attempt
	placed    []common.OrderRequest
	cancelErr error
	cancelAck common.CancelAck
	leverage  []int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		mids: map[string]decimal.Decimal{
			"ETH": decimal.NewFromInt(2000),
			"BTC": decimal.NewFromInt(60000),
		},
		assets: map[string]common.Asset{
			"ETH": {Index: 1, Name: "ETH", SzDecimals: 4, MaxLeverage: 25},
			"BTC": {Index: 0, Name: "BTC", SzDecimals: 5, MaxLeverage: 50},
		},
		balance: common.Balance{AccountValue: decimal.NewFromInt(5000)},
	}
}

func (f *fakeGateway) GetPrice(ctx context.Context, coin string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	px, ok := f.mids[coin]
	if !ok {
		return decimal.Zero, errs.New(errs.KindNotFound, "get price", coin)
	}
	return px, nil
}

func (f *fakeGateway) GetAsset(ctx context.Context, coin string) (common.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assets[coin]
	if !ok {
		return common.Asset{}, errs.New(errs.KindNotFound, "get asset", "unknown coin "+coin)
	}
	return a, nil
}

func (f *fakeGateway) GetPositions(ctx context.Context, address string) ([]common.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.Position(nil), f.positions...), nil
}

func (f *fakeGateway) GetBalance(ctx context.Context, address string) (common.Balance, error) {
	return f.balance, nil
}

func (f *fakeGateway) GetFillsSince(ctx context.Context, address string, cursor common.Cursor) ([]common.Fill, error) {
	return nil, nil
}

func (f *fakeGateway) GetOpenOrders(ctx context.Context, address string) ([]common.OpenOrder, error) {
	return nil, nil
}

func (f *fakeGateway) place(req common.OrderRequest, status common.OrderStatus) (common.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return common.OrderAck{}, err
		}
	}
	px := req.Price
	if px.IsZero() {
		px = f.mids[req.Coin]
	}
	ack := common.OrderAck{OrderID: 77, Status: status, ClientID: req.ClientID}
	if status == common.StatusFilled {
		ack.FilledSize = req.Size
		ack.AvgPrice = px
	}
	return ack, nil
}

func (f *fakeGateway) PlaceMarketOrder(ctx context.Context, key *ecdsa.PrivateKey, req common.OrderRequest) (common.OrderAck, error) {
	return f.place(req, common.StatusFilled)
}

func (f *fakeGateway) PlaceLimitOrder(ctx context.Context, key *ecdsa.PrivateKey, req common.OrderRequest) (common.OrderAck, error) {
	return f.place(req, common.StatusResting)
}

func (f *fakeGateway) CancelOrder(ctx context.Context, key *ecdsa.PrivateKey, coin string, orderID int64) (common.CancelAck, error) {
	if f.cancelErr != nil {
		return common.CancelAck{}, f.cancelErr
	}
	ack := f.cancelAck
	ack.OrderID = orderID
	return ack, nil
}

func (f *fakeGateway) SetLeverage(ctx context.Context, key *ecdsa.PrivateKey, coin string, leverage int, cross bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage = append(f.leverage, leverage)
	return nil
}

type harness struct {
	exec   *Executor
	gw     *fakeGateway
	db     *db.Database
	delays *[]time.Duration
}

func newHarness(t *testing.T, withKey bool) *harness {
	t.Helper()
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
	if withKey {
		if _, err := v.Store(context.Background(), 1, testKeyHex); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	var delays []time.Duration
	policy := retry.Default()
	policy.Sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	gw := newFakeGateway()
	exec := NewExecutor(gw, v, database, nil, Options{Retry: policy, InstanceID: "test-instance", Language: i18n.LangEN})
	return &harness{exec: exec, gw: gw, db: database, delays: &delays}
}

func TestMarketOpenConvertsUSDAtMid(t *testing.T) {
	h := newHarness(t, true)

	res := h.exec.Execute(context.Background(), Intent{
		Kind:    KindMarketOpen,
		Coin:    "ETH",
		IsBuy:   true,
		SizeUSD: decimal.NewFromInt(1000),
	}, 1)
	if !res.Success {
		t.Fatalf("expected success, got %s: %s", res.ErrorKind, res.Error)
	}
	if len(h.gw.placed) != 1 {
		t.Fatalf("placements = %d, want 1", len(h.gw.placed))
	}
	req := h.gw.placed[0]
	if !req.Size.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("size = %s, want 0.5", req.Size)
	}
	if req.Side != common.SideBuy || req.ReduceOnly {
		t.Fatalf("unexpected request %+v", req)
	}
	if !strings.HasPrefix(req.ClientID, "0x") || len(req.ClientID) != 34 {
		t.Fatalf("client id = %q", req.ClientID)
	}
	if res.Order == nil || res.Order.OrderID != 77 {
		t.Fatalf("order ack = %+v", res.Order)
	}
	if !strings.Contains(res.Data, "ETH") || !strings.Contains(res.Data, "#77") {
		t.Fatalf("data = %q", res.Data)
	}
}

func TestSizeFlooredToIncrement(t *testing.T) {
	h := newHarness(t, true)
	h.gw.mids["BTC"] = decimal.NewFromInt(30000)

	res := h.exec.Execute(context.Background(), Intent{
		Kind:    KindMarketOpen,
		Coin:    "BTC",
		IsBuy:   false,
		SizeUSD: decimal.NewFromInt(100),
	}, 1)
	if !res.Success {
		t.Fatalf("expected success, got %s", res.Error)
	}
	// 100 / 30000 = 0.0033333.. floors to 0.00333
	if got := h.gw.placed[0].Size; !got.Equal(decimal.RequireFromString("0.00333")) {
		t.Fatalf("size = %s, want 0.00333", got)
	}
}

func TestDustSizeRejectedLocally(t *testing.T) {
	h := newHarness(t, true)

	res := h.exec.Execute(context.Background(), Intent{
		Kind:     KindMarketOpen,
		Coin:     "BTC",
		IsBuy:    true,
		SizeBase: decimal.RequireFromString("0.000001"),
	}, 1)
	if res.Success || res.ErrorKind != errs.KindInvalidSize {
		t.Fatalf("result = %+v", res)
	}
	if res.Error != i18n.For(i18n.LangEN).OrderTooSmall {
		t.Fatalf("error = %q", res.Error)
	}
	if len(h.gw.placed) != 0 {
		t.Fatal("dust order reached the exchange")
	}
}

func TestRateLimitedRetriedWithBackoff(t *testing.T) {
	h := newHarness(t, true)
	limited := errs.New(errs.KindRateLimited, "place order", "429")
	h.gw.placeErrs = []error{limited, limited, limited}

	res := h.exec.Execute(context.Background(), Intent{
		Kind:     KindMarketOpen,
		Coin:     "ETH",
		IsBuy:    true,
		SizeBase: decimal.NewFromInt(1),
	}, 1)
	if !res.Success {
		t.Fatalf("expected success after retries, got %s", res.Error)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(*h.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *h.delays, want)
	}
	for i, d := range want {
		if (*h.delays)[i] != d {
			t.Fatalf("delay[%d] = %v, want %v", i, (*h.delays)[i], d)
		}
	}
	cloid := h.gw.placed[0].ClientID
	for _, req := range h.gw.placed {
		if req.ClientID != cloid {
			t.Fatal("retries must reuse the client order id")
		}
	}
}

func TestRateLimitedExhausted(t *testing.T) {
	h := newHarness(t, true)
	limited := errs.New(errs.KindRateLimited, "place order", "429")
	h.gw.placeErrs = []error{limited, limited, limited, limited}

	res := h.exec.Execute(context.Background(), Intent{
		Kind:     KindMarketOpen,
		Coin:     "ETH",
		IsBuy:    true,
		SizeBase: decimal.NewFromInt(1),
	}, 1)
	if res.Success || res.ErrorKind != errs.KindRateLimited {
		t.Fatalf("result = %+v", res)
	}
	if len(h.gw.placed) != 4 {
		t.Fatalf("attempts = %d, want 4", len(h.gw.placed))
	}
}

func TestInsufficientMarginNotRetried(t *testing.T) {
	h := newHarness(t, true)
	h.gw.placeErrs = []error{errs.New(errs.KindInsufficientMargin, "place order", "Insufficient margin to place order.")}

	res := h.exec.Execute(context.Background(), Intent{
		Kind:     KindMarketOpen,
		Coin:     "ETH",
		IsBuy:    true,
		SizeBase: decimal.NewFromInt(1),
	}, 1)
	if res.ErrorKind != errs.KindInsufficientMargin {
		t.Fatalf("kind = %s", res.ErrorKind)
	}
	if len(h.gw.placed) != 1 || len(*h.delays) != 0 {
		t.Fatalf("permanent error was retried: attempts=%d", len(h.gw.placed))
	}
	if !strings.Contains(res.Error, "Insufficient margin to place order.") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestEmptyAccountRefused(t *testing.T) {
	h := newHarness(t, true)
	h.gw.balance = common.Balance{}

	res := h.exec.Execute(context.Background(), Intent{
		Kind:     KindMarketOpen,
		Coin:     "ETH",
		IsBuy:    true,
		SizeBase: decimal.NewFromInt(1),
	}, 1)
	if res.ErrorKind != errs.KindInsufficientMargin {
		t.Fatalf("kind = %s", res.ErrorKind)
	}
	if len(h.gw.placed) != 0 {
		t.Fatal("order placed on an empty account")
	}
}

func TestMissingKeyIsAuthFailure(t *testing.T) {
	h := newHarness(t, false)

	res := h.exec.Execute(context.Background(), Intent{
		Kind:     KindMarketOpen,
		Coin:     "ETH",
		IsBuy:    true,
		SizeBase: decimal.NewFromInt(1),
	}, 1)
	if res.ErrorKind != errs.KindAuthFailure {
		t.Fatalf("kind = %s", res.ErrorKind)
	}
	if res.Error != i18n.For(i18n.LangEN).KeyNotFound {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestLimitOrderResting(t *testing.T) {
	h := newHarness(t, true)

	res := h.exec.Execute(context.Background(), Intent{
		Kind:        KindLimitOrder,
		Coin:        "ETH",
		IsBuy:       true,
		SizeBase:    decimal.RequireFromString("0.25"),
		LimitPrice:  decimal.NewFromInt(1900),
		TimeInForce: "alo",
	}, 1)
	if !res.Success {
		t.Fatalf("expected success, got %s", res.Error)
	}
	req := h.gw.placed[0]
	if req.TimeInForce != common.TIFALO || !req.Price.Equal(decimal.NewFromInt(1900)) {
		t.Fatalf("request = %+v", req)
	}
	if res.Order.Status != common.StatusResting {
		t.Fatalf("status = %s", res.Order.Status)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		intent Intent
		kind   errs.Kind
	}{
		{"unknown kind", Intent{Kind: "teleport", Coin: "ETH"}, errs.KindUnknown},
		{"missing coin", Intent{Kind: KindMarketOpen, SizeBase: decimal.NewFromInt(1)}, errs.KindInvalidSize},
		{"both sizes", Intent{Kind: KindMarketOpen, Coin: "ETH", SizeBase: decimal.NewFromInt(1), SizeUSD: decimal.NewFromInt(10)}, errs.KindInvalidSize},
		{"no size", Intent{Kind: KindMarketOpen, Coin: "ETH"}, errs.KindInvalidSize},
		{"limit without price", Intent{Kind: KindLimitOrder, Coin: "ETH", SizeBase: decimal.NewFromInt(1)}, errs.KindInvalidSize},
		{"bad tif", Intent{Kind: KindLimitOrder, Coin: "ETH", SizeBase: decimal.NewFromInt(1), LimitPrice: decimal.NewFromInt(1), TimeInForce: "FOK"}, errs.KindInvalidSize},
		{"cancel without id", Intent{Kind: KindCancel, Coin: "ETH"}, errs.KindInvalidSize},
		{"zero leverage", Intent{Kind: KindSetLeverage, Coin: "ETH"}, errs.KindInvalidSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			res := h.exec.Execute(context.Background(), tt.intent, 1)
			if res.Success || res.ErrorKind != tt.kind {
				t.Fatalf("result = %+v, want kind %s", res, tt.kind)
			}
			if len(h.gw.placed) != 0 {
				t.Fatal("invalid intent reached the exchange")
			}
		})
	}
}

func TestReduceOnlyChecks(t *testing.T) {
	long := []common.Position{{Coin: "ETH", Size: decimal.NewFromInt(2)}}
	short := []common.Position{{Coin: "ETH", Size: decimal.NewFromInt(-2)}}
	tests := []struct {
		name      string
		positions []common.Position
		isBuy     bool
		size      string
		ok        bool
	}{
		{"no position", nil, false, "1", false},
		{"long with buy", long, true, "1", false},
		{"short with sell", short, false, "1", false},
		{"too large", long, false, "3", false},
		{"long with sell", long, false, "2", true},
		{"short with buy", short, true, "1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			h.gw.positions = tt.positions
			res := h.exec.Execute(context.Background(), Intent{
				Kind:       KindMarketOpen,
				Coin:       "ETH",
				IsBuy:      tt.isBuy,
				SizeBase:   decimal.RequireFromString(tt.size),
				ReduceOnly: true,
			}, 1)
			if res.Success != tt.ok {
				t.Fatalf("success = %v (%s), want %v", res.Success, res.Error, tt.ok)
			}
			if tt.ok && !h.gw.placed[0].ReduceOnly {
				t.Fatal("reduce-only flag dropped")
			}
			if !tt.ok && len(h.gw.placed) != 0 {
				t.Fatal("rejected reduce-only order reached the exchange")
			}
		})
	}
}

func TestMarketClose(t *testing.T) {
	h := newHarness(t, true)
	h.gw.positions = []common.Position{{Coin: "ETH", Size: decimal.RequireFromString("-1.5")}}

	res := h.exec.Execute(context.Background(), Intent{Kind: KindMarketClose, Coin: "ETH"}, 1)
	if !res.Success {
		t.Fatalf("expected success, got %s", res.Error)
	}
	req := h.gw.placed[0]
	if req.Side != common.SideBuy || !req.ReduceOnly || !req.Size.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("request = %+v", req)
	}

	h.gw.positions = nil
	res = h.exec.Execute(context.Background(), Intent{Kind: KindMarketClose, Coin: "ETH"}, 1)
	if res.Success || res.ErrorKind != errs.KindNotFound {
		t.Fatalf("result = %+v", res)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	msgs := i18n.For(i18n.LangEN)

	res := h.exec.Execute(context.Background(), Intent{Kind: KindCancel, Coin: "ETH", OrderID: 42}, 1)
	if !res.Success || !strings.Contains(res.Data, "#42") || !strings.Contains(res.Data, "canceled") {
		t.Fatalf("first cancel = %+v", res)
	}

	h.gw.cancelAck = common.CancelAck{AlreadyClosed: true}
	res = h.exec.Execute(context.Background(), Intent{Kind: KindCancel, Coin: "ETH", OrderID: 42}, 1)
	if !res.Success {
		t.Fatalf("second cancel failed: %s", res.Error)
	}
	if res.Data != strings.Replace(strings.Replace(msgs.OrderAlreadyClosed, "%d", "42", 1), "%s", "ETH", 1) {
		t.Fatalf("data = %q", res.Data)
	}
}

func TestSetLeverage(t *testing.T) {
	h := newHarness(t, true)

	res := h.exec.Execute(context.Background(), Intent{Kind: KindSetLeverage, Coin: "ETH", Leverage: 10}, 1)
	if !res.Success || len(h.gw.leverage) != 1 || h.gw.leverage[0] != 10 {
		t.Fatalf("result = %+v leverage=%v", res, h.gw.leverage)
	}

	res = h.exec.Execute(context.Background(), Intent{Kind: KindSetLeverage, Coin: "ETH", Leverage: 26}, 1)
	if res.Success || res.ErrorKind != errs.KindInvalidSize {
		t.Fatalf("result = %+v", res)
	}
}

func TestOperationLogged(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.exec.Execute(ctx, Intent{Kind: KindMarketOpen, Coin: "ETH", IsBuy: true, SizeBase: decimal.NewFromInt(1)}, 1)
	h.exec.Execute(ctx, Intent{Kind: KindCancel, Coin: "ETH"}, 1)

	ops, err := h.db.ListOperations(ctx, 1, 10)
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("operations = %d, want 2", len(ops))
	}
	var ok, failed int
	for _, op := range ops {
		if op.InstanceID != "test-instance" || op.ID == "" {
			t.Fatalf("operation = %+v", op)
		}
		if op.Success {
			ok++
			if op.OrderID != 77 || op.Kind != string(KindMarketOpen) {
				t.Fatalf("success row = %+v", op)
			}
		} else {
			failed++
			if op.ErrorKind != string(errs.KindInvalidSize) {
				t.Fatalf("failure row = %+v", op)
			}
		}
	}
	if ok != 1 || failed != 1 {
		t.Fatalf("ok=%d failed=%d", ok, failed)
	}
}

func TestLoggedEvenWhenCallerCancels(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.exec.Execute(ctx, Intent{Kind: KindMarketOpen, Coin: "ETH", IsBuy: true, SizeBase: decimal.NewFromInt(1)}, 1)
	if res.Success {
		t.Fatal("expected failure on cancelled context")
	}
	ops, err := h.db.ListOperations(context.Background(), 1, 10)
	if err != nil || len(ops) != 1 {
		t.Fatalf("ops=%v err=%v", ops, err)
	}
}

func TestExecutedEventPublished(t *testing.T) {
	h := newHarness(t, true)
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventOrderExecuted, 1)
	defer unsub()
	mine, unsubMine := bus.Subscribe(events.ForChat(events.EventOrderExecuted, 5), 1)
	defer unsubMine()
	other, unsubOther := bus.Subscribe(events.ForChat(events.EventOrderExecuted, 6), 1)
	defer unsubOther()
	h.exec.bus = bus

	h.exec.Execute(context.Background(), Intent{Kind: KindSetLeverage, Coin: "BTC", Leverage: 3}, 5)
	select {
	case v := <-ch:
		rep, ok := v.(Report)
		if !ok || rep.ChatID != 5 || rep.Intent.Kind != KindSetLeverage {
			t.Fatalf("report = %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no execution event")
	}
	select {
	case v := <-mine:
		if rep, ok := v.(Report); !ok || rep.ChatID != 5 {
			t.Fatalf("chat report = %+v", v)
		}
	default:
		t.Fatal("no execution event on the chat topic")
	}
	select {
	case v := <-other:
		t.Fatalf("chat 6 saw %+v", v)
	default:
	}
}
