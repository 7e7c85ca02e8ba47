package order

import (
	"context"
	"crypto/ecdsa"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"whale-core/pkg/db"
	"whale-core/pkg/errs"
	"whale-core/pkg/exchanges/common"
)

// DryRunSimConfig shapes the paper fills.
type DryRunSimConfig struct {
	InitialBalance      decimal.Decimal
	FeeRate             decimal.Decimal // e.g. 0.00035 = 3.5 bps taker
	SlippageBps         float64         // upper bound of random adverse slippage on market fills
	GatewayLatencyMinMs int
	GatewayLatencyMaxMs int
	Seed                int64
}

// PaperGateway simulates the signed side of the exchange. Market data and
// tracked wallet fills come from the wrapped reader; account state
// (positions, balance, open orders) is kept in memory per signing address.
type PaperGateway struct {
	reader common.Reader
	cfg    DryRunSimConfig
	log    *zap.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	accounts map[string]*paperAccount
	nextOID  int64
	now      func() time.Time
}

type paperAccount struct {
	balance   decimal.Decimal
	positions map[string]*common.Position
	orders    map[int64]common.OpenOrder
	leverage  map[string]int
}

var _ common.Gateway = (*PaperGateway)(nil)

// NewPaperGateway wraps reader with a paper trading account.
func NewPaperGateway(reader common.Reader, cfg DryRunSimConfig, log *zap.Logger) *PaperGateway {
	if cfg.GatewayLatencyMaxMs > 0 && cfg.GatewayLatencyMinMs > cfg.GatewayLatencyMaxMs {
		cfg.GatewayLatencyMinMs, cfg.GatewayLatencyMaxMs = cfg.GatewayLatencyMaxMs, cfg.GatewayLatencyMinMs
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PaperGateway{
		reader:   reader,
		cfg:      cfg,
		log:      log.Named("dry-run"),
		rng:      rand.New(rand.NewSource(seed)),
		accounts: make(map[string]*paperAccount),
		nextOID:  1,
		now:      time.Now,
	}
}

func (p *PaperGateway) GetPrice(ctx context.Context, coin string) (decimal.Decimal, error) {
	return p.reader.GetPrice(ctx, coin)
}

func (p *PaperGateway) GetAsset(ctx context.Context, coin string) (common.Asset, error) {
	return p.reader.GetAsset(ctx, coin)
}

func (p *PaperGateway) GetFillsSince(ctx context.Context, address string, cursor common.Cursor) ([]common.Fill, error) {
	return p.reader.GetFillsSince(ctx, address, cursor)
}

func (p *PaperGateway) GetPositions(ctx context.Context, address string) ([]common.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.account(address)
	out := make([]common.Position, 0, len(acct.positions))
	for _, pos := range acct.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Coin < out[j].Coin })
	return out, nil
}

func (p *PaperGateway) GetBalance(ctx context.Context, address string) (common.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.account(address)
	notional := decimal.Zero
	for _, pos := range acct.positions {
		notional = notional.Add(pos.Size.Abs().Mul(pos.EntryPrice))
	}
	return common.Balance{
		AccountValue:  acct.balance,
		TotalNotional: notional,
		Withdrawable:  acct.balance,
	}, nil
}

func (p *PaperGateway) GetOpenOrders(ctx context.Context, address string) ([]common.OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.account(address)
	out := make([]common.OpenOrder, 0, len(acct.orders))
	for _, o := range acct.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// PlaceMarketOrder fills the whole size at mid with random adverse slippage.
func (p *PaperGateway) PlaceMarketOrder(ctx context.Context, key *ecdsa.PrivateKey, req common.OrderRequest) (common.OrderAck, error) {
	if err := p.latency(ctx); err != nil {
		return common.OrderAck{}, err
	}
	mid, err := p.reader.GetPrice(ctx, req.Coin)
	if err != nil {
		return common.OrderAck{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	px := mid.Mul(decimal.NewFromFloat(1 + p.slippage(req.Side.IsBuy())))
	acct := p.account(addressOf(key))
	if err := p.fill(acct, req, px); err != nil {
		return common.OrderAck{}, err
	}
	oid := p.oid()
	p.log.Info("paper market fill",
		zap.String("coin", req.Coin), zap.String("side", string(req.Side)),
		zap.String("size", req.Size.String()), zap.String("price", px.String()),
		zap.String("balance", acct.balance.StringFixed(2)))
	return common.OrderAck{OrderID: oid, Status: common.StatusFilled, FilledSize: req.Size, AvgPrice: px, ClientID: req.ClientID}, nil
}

// PlaceLimitOrder fills marketable orders at the limit price and rests the
// rest. IOC orders that cannot match and ALO orders that would match are
// rejected like the venue does.
func (p *PaperGateway) PlaceLimitOrder(ctx context.Context, key *ecdsa.PrivateKey, req common.OrderRequest) (common.OrderAck, error) {
	if err := p.latency(ctx); err != nil {
		return common.OrderAck{}, err
	}
	mid, err := p.reader.GetPrice(ctx, req.Coin)
	if err != nil {
		return common.OrderAck{}, err
	}
	marketable := req.Price.GreaterThanOrEqual(mid)
	if !req.Side.IsBuy() {
		marketable = req.Price.LessThanOrEqual(mid)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.account(addressOf(key))
	switch {
	case marketable && req.TimeInForce == common.TIFALO:
		return common.OrderAck{}, errs.New(errs.KindInvalidSize, "place order", "Post only order would have immediately matched")
	case !marketable && req.TimeInForce == common.TIFIOC:
		return common.OrderAck{}, errs.New(errs.KindInvalidSize, "place order", "Order could not immediately match against any resting orders")
	case marketable:
		if err := p.fill(acct, req, req.Price); err != nil {
			return common.OrderAck{}, err
		}
		return common.OrderAck{OrderID: p.oid(), Status: common.StatusFilled, FilledSize: req.Size, AvgPrice: req.Price, ClientID: req.ClientID}, nil
	}

	oid := p.oid()
	acct.orders[oid] = common.OpenOrder{
		Coin:       req.Coin,
		Side:       req.Side,
		LimitPrice: req.Price,
		Size:       req.Size,
		OrderID:    oid,
		Timestamp:  p.now().UnixMilli(),
	}
	return common.OrderAck{OrderID: oid, Status: common.StatusResting, ClientID: req.ClientID}, nil
}

func (p *PaperGateway) CancelOrder(ctx context.Context, key *ecdsa.PrivateKey, coin string, orderID int64) (common.CancelAck, error) {
	if err := p.latency(ctx); err != nil {
		return common.CancelAck{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.account(addressOf(key))
	o, ok := acct.orders[orderID]
	if !ok || o.Coin != coin {
		return common.CancelAck{OrderID: orderID, AlreadyClosed: true}, nil
	}
	delete(acct.orders, orderID)
	return common.CancelAck{OrderID: orderID}, nil
}

func (p *PaperGateway) SetLeverage(ctx context.Context, key *ecdsa.PrivateKey, coin string, leverage int, cross bool) error {
	asset, err := p.reader.GetAsset(ctx, coin)
	if err != nil {
		return err
	}
	if leverage < 1 || (asset.MaxLeverage > 0 && leverage > asset.MaxLeverage) {
		return errs.Newf(errs.KindInvalidSize, "set leverage", "leverage %d outside 1..%d", leverage, asset.MaxLeverage)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account(addressOf(key)).leverage[asset.Name] = leverage
	return nil
}

// account must be called with p.mu held.
func (p *PaperGateway) account(address string) *paperAccount {
	key := db.NormalizeAddress(address)
	acct, ok := p.accounts[key]
	if !ok {
		acct = &paperAccount{
			balance:   p.cfg.InitialBalance,
			positions: make(map[string]*common.Position),
			orders:    make(map[int64]common.OpenOrder),
			leverage:  make(map[string]int),
		}
		p.accounts[key] = acct
	}
	return acct
}

func (p *PaperGateway) oid() int64 {
	id := p.nextOID
	p.nextOID++
	return id
}

// slippage returns a signed fraction that always moves the price against
// the taker. Must be called with p.mu held.
func (p *PaperGateway) slippage(isBuy bool) float64 {
	if p.cfg.SlippageBps <= 0 {
		return 0
	}
	noise := p.rng.Float64() * p.cfg.SlippageBps / 10000.0
	if isBuy {
		return noise
	}
	return -noise
}

func (p *PaperGateway) latency(ctx context.Context) error {
	maxMs := p.cfg.GatewayLatencyMaxMs
	if maxMs <= 0 {
		return nil
	}
	minMs := max(p.cfg.GatewayLatencyMinMs, 0)
	p.mu.Lock()
	delayMs := minMs
	if span := maxMs - minMs; span > 0 {
		delayMs += p.rng.Intn(span + 1)
	}
	p.mu.Unlock()

	t := time.NewTimer(time.Duration(delayMs) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errs.Wrap(errs.KindNetworkTimeout, "dry-run latency", ctx.Err())
	case <-t.C:
		return nil
	}
}

// fill applies an execution to the account: signed position netting,
// realized PnL on the reduced part and a fee on the full notional.
func (p *PaperGateway) fill(acct *paperAccount, req common.OrderRequest, px decimal.Decimal) error {
	delta := req.Size
	if !req.Side.IsBuy() {
		delta = delta.Neg()
	}
	pos := acct.positions[req.Coin]
	old := decimal.Zero
	if pos != nil {
		old = pos.Size
	}
	if req.ReduceOnly && (old.IsZero() || old.Sign() == delta.Sign() || delta.Abs().GreaterThan(old.Abs())) {
		return errs.New(errs.KindInvalidSize, "place order", "Reduce only order would increase position")
	}
	fee := req.Size.Mul(px).Mul(p.cfg.FeeRate)
	if !req.ReduceOnly && acct.balance.Sub(fee).LessThanOrEqual(decimal.Zero) {
		return errs.New(errs.KindInsufficientMargin, "place order", "Insufficient margin to place order")
	}

	next := old.Add(delta)
	realized := decimal.Zero
	switch {
	case pos == nil:
		pos = &common.Position{Coin: req.Coin, EntryPrice: px}
		acct.positions[req.Coin] = pos
	case old.Sign() == delta.Sign():
		pos.EntryPrice = old.Abs().Mul(pos.EntryPrice).Add(delta.Abs().Mul(px)).Div(next.Abs())
	default:
		closed := decimal.Min(old.Abs(), delta.Abs())
		realized = px.Sub(pos.EntryPrice).Mul(closed)
		if old.IsNegative() {
			realized = realized.Neg()
		}
		if next.Sign() != 0 && next.Sign() != old.Sign() {
			pos.EntryPrice = px
		}
	}
	acct.balance = acct.balance.Add(realized).Sub(fee)

	if next.IsZero() {
		delete(acct.positions, req.Coin)
		return nil
	}
	pos.Size = next
	pos.PositionValue = next.Abs().Mul(px)
	if lev, ok := acct.leverage[req.Coin]; ok {
		pos.Leverage = lev
	}
	return nil
}
