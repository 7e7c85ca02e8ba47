// Package order turns user intents into signed exchange calls with retry,
// audit logging and localized results.
package order

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"whale-core/internal/events"
	"whale-core/internal/retry"
	"whale-core/pkg/db"
	"whale-core/pkg/errs"
	"whale-core/pkg/exchanges/common"
	"whale-core/pkg/i18n"
)

const (
	opValidate  = "validate"
	opPreflight = "preflight"
)

// KeyVault lends a chat's signing key for one operation.
type KeyVault interface {
	WithKey(ctx context.Context, chatID int64, fn func(key *ecdsa.PrivateKey) error) error
}

// OperationLog stores the audit trail.
type OperationLog interface {
	AppendOperation(ctx context.Context, op db.Operation) error
}

// Metrics receives execution outcomes.
type Metrics interface {
	RecordExecution(kind string, success bool, latency time.Duration)
}

// Options tune an Executor. Zero values pick the defaults.
type Options struct {
	Retry       retry.Policy
	CallTimeout time.Duration
	InstanceID  string
	Language    i18n.Language
	Bus         *events.Bus
	Metrics     Metrics
}

// Executor runs intents against the gateway with the chat's key.
type Executor struct {
	gw      common.Gateway
	vault   KeyVault
	oplog   OperationLog
	bus     *events.Bus
	metrics Metrics

	retry       retry.Policy
	callTimeout time.Duration
	instanceID  string
	msgs        *i18n.Messages
	log         *zap.Logger

	now   func() time.Time
	newID func() uuid.UUID
}

// NewExecutor wires an executor.
func NewExecutor(gw common.Gateway, vault KeyVault, oplog OperationLog, log *zap.Logger, opts Options) *Executor {
	if opts.Retry.MaxRetries == 0 && opts.Retry.Min == 0 {
		opts.Retry = retry.Default()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		gw:          gw,
		vault:       vault,
		oplog:       oplog,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		retry:       opts.Retry,
		callTimeout: opts.CallTimeout,
		instanceID:  opts.InstanceID,
		msgs:        i18n.For(opts.Language),
		log:         log.Named("executor"),
		now:         time.Now,
		newID:       uuid.New,
	}
	next := opts.Retry.OnRetry
	e.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		if next != nil {
			next(attempt, delay, err)
		}
		e.log.Warn("transient exchange failure, retrying",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.String("kind", string(errs.KindOf(err))))
	}
	return e
}

// outcome is what a handler reports back for the result and the audit row.
type outcome struct {
	data    string
	ack     *common.OrderAck
	size    decimal.Decimal
	price   decimal.Decimal
	orderID int64
}

// Execute performs one intent for chatID. It never panics on exchange
// failures; every attempt is recorded in the operation log.
func (e *Executor) Execute(ctx context.Context, intent Intent, chatID int64) Result {
	start := e.now()
	intent = intent.normalized()

	var out outcome
	err := intent.validate()
	if err == nil {
		err = e.vault.WithKey(ctx, chatID, func(key *ecdsa.PrivateKey) error {
			var herr error
			out, herr = e.dispatch(ctx, key, intent)
			return herr
		})
	}

	res := Result{Success: err == nil, Data: out.data, Order: out.ack}
	if err != nil {
		res = e.failure(err)
	}

	latency := e.now().Sub(start)
	e.record(ctx, chatID, intent, out, res, err)
	if e.metrics != nil {
		e.metrics.RecordExecution(string(intent.Kind), res.Success, latency)
	}
	if e.bus != nil {
		rep := Report{ChatID: chatID, Intent: intent, Result: res, Latency: latency, At: start}
		e.bus.Publish(events.EventOrderExecuted, rep)
		e.bus.Publish(events.ForChat(events.EventOrderExecuted, chatID), rep)
	}

	fields := []zap.Field{
		zap.Int64("chat_id", chatID),
		zap.String("kind", string(intent.Kind)),
		zap.String("coin", intent.Coin),
		zap.Duration("latency", latency),
	}
	if res.Success {
		e.log.Info("intent executed", fields...)
	} else {
		e.log.Warn("intent failed", append(fields, zap.String("error_kind", string(res.ErrorKind)), zap.Error(err))...)
	}
	return res
}

func (e *Executor) dispatch(ctx context.Context, key *ecdsa.PrivateKey, in Intent) (outcome, error) {
	switch in.Kind {
	case KindMarketOpen:
		return e.marketOpen(ctx, key, in)
	case KindLimitOrder:
		return e.limitOrder(ctx, key, in)
	case KindMarketClose:
		return e.marketClose(ctx, key, in)
	case KindCancel:
		return e.cancel(ctx, key, in)
	case KindSetLeverage:
		return e.setLeverage(ctx, key, in)
	}
	return outcome{}, errs.Newf(errs.KindUnknown, opValidate, "unknown action %q", in.Kind)
}

// call runs one exchange call under the per-call timeout, retrying transient
// failures.
func call[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	return retry.Value(ctx, e.retry, func(ctx context.Context) (T, error) {
		cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		return op(cctx)
	})
}

// reject builds a local rejection whose detail is already user-facing.
func reject(kind errs.Kind, msg string) error {
	return &errs.Error{Kind: kind, Op: opPreflight, Detail: msg}
}

func addressOf(key *ecdsa.PrivateKey) string {
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
}

// newCloid derives the client order id reused across retries of one placement.
func (e *Executor) newCloid() string {
	id := e.newID()
	return "0x" + hex.EncodeToString(id[:])
}

// resolveSize turns the intent size into base units floored to the asset
// increment. USD sizes are converted at the current mid price.
func (e *Executor) resolveSize(ctx context.Context, asset common.Asset, in Intent) (decimal.Decimal, error) {
	size := in.SizeBase
	if in.SizeUSD.IsPositive() {
		mid, err := call(ctx, e, func(ctx context.Context) (decimal.Decimal, error) {
			return e.gw.GetPrice(ctx, asset.Name)
		})
		if err != nil {
			return decimal.Zero, err
		}
		if !mid.IsPositive() {
			return decimal.Zero, errs.Newf(errs.KindUnknown, "get price", "non-positive mid %s for %s", mid, asset.Name)
		}
		size = in.SizeUSD.Div(mid)
	}
	size = asset.RoundSize(size)
	if !size.IsPositive() {
		return decimal.Zero, reject(errs.KindInvalidSize, e.msgs.OrderTooSmall)
	}
	return size, nil
}

// preflight refuses opening orders on an empty account and validates
// reduce-only orders against the current position.
func (e *Executor) preflight(ctx context.Context, address string, asset common.Asset, in Intent, size decimal.Decimal) error {
	if !in.ReduceOnly {
		bal, err := call(ctx, e, func(ctx context.Context) (common.Balance, error) {
			return e.gw.GetBalance(ctx, address)
		})
		if err != nil {
			return err
		}
		if !bal.AccountValue.IsPositive() {
			return reject(errs.KindInsufficientMargin, fmt.Sprintf(e.msgs.InsufficientFunds, bal.AccountValue.StringFixed(2)))
		}
		return nil
	}

	pos, err := e.position(ctx, address, asset.Name)
	if err != nil {
		return err
	}
	switch {
	case pos == nil:
		return reject(errs.KindInvalidSize, fmt.Sprintf(e.msgs.ReduceOnlyNoPosition, asset.Name))
	case pos.IsLong() && in.IsBuy:
		return reject(errs.KindInvalidSize, fmt.Sprintf(e.msgs.ReduceOnlyLongUseSell, asset.Name))
	case !pos.IsLong() && !in.IsBuy:
		return reject(errs.KindInvalidSize, fmt.Sprintf(e.msgs.ReduceOnlyShortUseBuy, asset.Name))
	case size.GreaterThan(pos.Size.Abs()):
		return reject(errs.KindInvalidSize, fmt.Sprintf(e.msgs.ReduceOnlyTooLarge, size, asset.Name, pos.Size.Abs()))
	}
	return nil
}

func (e *Executor) position(ctx context.Context, address, coin string) (*common.Position, error) {
	positions, err := call(ctx, e, func(ctx context.Context) ([]common.Position, error) {
		return e.gw.GetPositions(ctx, address)
	})
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Coin == coin && !positions[i].Size.IsZero() {
			return &positions[i], nil
		}
	}
	return nil, nil
}

func (e *Executor) asset(ctx context.Context, coin string) (common.Asset, error) {
	return call(ctx, e, func(ctx context.Context) (common.Asset, error) {
		return e.gw.GetAsset(ctx, coin)
	})
}

func (e *Executor) marketOpen(ctx context.Context, key *ecdsa.PrivateKey, in Intent) (outcome, error) {
	asset, err := e.asset(ctx, in.Coin)
	if err != nil {
		return outcome{}, err
	}
	size, err := e.resolveSize(ctx, asset, in)
	if err != nil {
		return outcome{}, err
	}
	if err := e.preflight(ctx, addressOf(key), asset, in, size); err != nil {
		return outcome{size: size}, err
	}

	req := common.OrderRequest{
		Coin:       asset.Name,
		Side:       common.SideOf(in.IsBuy),
		Size:       size,
		ReduceOnly: in.ReduceOnly,
		ClientID:   e.newCloid(),
	}
	ack, err := call(ctx, e, func(ctx context.Context) (common.OrderAck, error) {
		return e.gw.PlaceMarketOrder(ctx, key, req)
	})
	if err != nil {
		return outcome{size: size}, err
	}
	filled := ack.FilledSize
	if filled.IsZero() {
		filled = size
	}
	return outcome{
		data:    fmt.Sprintf(e.msgs.MarketOrderFilled, e.msgs.Side(in.IsBuy), filled, asset.Name, ack.AvgPrice, ack.OrderID),
		ack:     &ack,
		size:    size,
		price:   ack.AvgPrice,
		orderID: ack.OrderID,
	}, nil
}

func (e *Executor) limitOrder(ctx context.Context, key *ecdsa.PrivateKey, in Intent) (outcome, error) {
	asset, err := e.asset(ctx, in.Coin)
	if err != nil {
		return outcome{}, err
	}
	size, err := e.resolveSize(ctx, asset, in)
	if err != nil {
		return outcome{}, err
	}
	if err := e.preflight(ctx, addressOf(key), asset, in, size); err != nil {
		return outcome{size: size, price: in.LimitPrice}, err
	}

	req := common.OrderRequest{
		Coin:        asset.Name,
		Side:        common.SideOf(in.IsBuy),
		Size:        size,
		Price:       in.LimitPrice,
		TimeInForce: in.TimeInForce,
		ReduceOnly:  in.ReduceOnly,
		ClientID:    e.newCloid(),
	}
	ack, err := call(ctx, e, func(ctx context.Context) (common.OrderAck, error) {
		return e.gw.PlaceLimitOrder(ctx, key, req)
	})
	if err != nil {
		return outcome{size: size, price: in.LimitPrice}, err
	}
	var data string
	if ack.Status == common.StatusFilled {
		data = fmt.Sprintf(e.msgs.LimitOrderFilled, e.msgs.Side(in.IsBuy), ack.FilledSize, asset.Name, ack.AvgPrice, ack.OrderID)
	} else {
		data = fmt.Sprintf(e.msgs.LimitOrderPlaced, e.msgs.Side(in.IsBuy), size, asset.Name, asset.RoundPrice(in.LimitPrice), ack.OrderID)
	}
	return outcome{data: data, ack: &ack, size: size, price: in.LimitPrice, orderID: ack.OrderID}, nil
}

func (e *Executor) marketClose(ctx context.Context, key *ecdsa.PrivateKey, in Intent) (outcome, error) {
	asset, err := e.asset(ctx, in.Coin)
	if err != nil {
		return outcome{}, err
	}
	pos, err := e.position(ctx, addressOf(key), asset.Name)
	if err != nil {
		return outcome{}, err
	}
	if pos == nil {
		return outcome{}, reject(errs.KindNotFound, fmt.Sprintf(e.msgs.NoPositionToClose, asset.Name))
	}

	isBuy := !pos.IsLong()
	size := pos.Size.Abs()
	req := common.OrderRequest{
		Coin:       asset.Name,
		Side:       common.SideOf(isBuy),
		Size:       size,
		ReduceOnly: true,
		ClientID:   e.newCloid(),
	}
	ack, err := call(ctx, e, func(ctx context.Context) (common.OrderAck, error) {
		return e.gw.PlaceMarketOrder(ctx, key, req)
	})
	if err != nil {
		return outcome{size: size}, err
	}
	return outcome{
		data:    fmt.Sprintf(e.msgs.PositionClosed, asset.Name, e.msgs.Side(isBuy), ack.AvgPrice),
		ack:     &ack,
		size:    size,
		price:   ack.AvgPrice,
		orderID: ack.OrderID,
	}, nil
}

func (e *Executor) cancel(ctx context.Context, key *ecdsa.PrivateKey, in Intent) (outcome, error) {
	ack, err := call(ctx, e, func(ctx context.Context) (common.CancelAck, error) {
		return e.gw.CancelOrder(ctx, key, in.Coin, in.OrderID)
	})
	if err != nil {
		return outcome{orderID: in.OrderID}, err
	}
	msg := e.msgs.OrderCanceled
	if ack.AlreadyClosed {
		msg = e.msgs.OrderAlreadyClosed
	}
	return outcome{data: fmt.Sprintf(msg, in.OrderID, in.Coin), orderID: in.OrderID}, nil
}

func (e *Executor) setLeverage(ctx context.Context, key *ecdsa.PrivateKey, in Intent) (outcome, error) {
	asset, err := e.asset(ctx, in.Coin)
	if err != nil {
		return outcome{}, err
	}
	if asset.MaxLeverage > 0 && in.Leverage > asset.MaxLeverage {
		return outcome{}, reject(errs.KindInvalidSize, fmt.Sprintf(e.msgs.LeverageOutOfRange, asset.Name, asset.MaxLeverage))
	}
	_, err = call(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.gw.SetLeverage(ctx, key, asset.Name, in.Leverage, !in.Isolated)
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{data: fmt.Sprintf(e.msgs.LeverageSet, asset.Name, in.Leverage)}, nil
}

// failure renders an error as a Result. Raw exchange text is passed through
// as detail; key material never reaches errors.
func (e *Executor) failure(err error) Result {
	kind := errs.KindOf(err)
	detail := err.Error()
	op := ""
	var ce *errs.Error
	if errors.As(err, &ce) {
		op = ce.Op
		detail = ce.Detail
		if detail == "" && ce.Err != nil {
			detail = ce.Err.Error()
		}
	}

	m := e.msgs
	var msg string
	switch {
	case op == opValidate && kind == errs.KindUnknown:
		msg = m.UnknownAction
	case op == opValidate:
		msg = fmt.Sprintf(m.InvalidOrder, detail)
	case op == opPreflight:
		msg = detail
	case kind == errs.KindNotFound && (op == "load key" || op == "key address"):
		kind = errs.KindAuthFailure
		msg = m.KeyNotFound
	case kind == errs.KindDecryptionError:
		msg = m.KeyUnreadable
	case kind == errs.KindInsufficientMargin:
		msg = fmt.Sprintf(m.InsufficientMargin, detail)
	case kind == errs.KindInvalidSize:
		msg = fmt.Sprintf(m.OrderRejected, detail)
	case kind == errs.KindRateLimited:
		msg = m.RateLimited
	case kind == errs.KindNetworkTimeout:
		msg = m.NetworkTimeout
	case kind == errs.KindAuthFailure:
		msg = fmt.Sprintf(m.AuthRejected, detail)
	case kind == errs.KindNotFound:
		msg = fmt.Sprintf(m.NotFound, detail)
	default:
		msg = fmt.Sprintf(m.ExchangeError, detail)
	}
	return Result{Success: false, ErrorKind: kind, Error: msg}
}

// record appends the audit row. It survives caller cancellation so that
// abandoned requests are still logged.
func (e *Executor) record(ctx context.Context, chatID int64, in Intent, out outcome, res Result, err error) {
	if e.oplog == nil {
		return
	}
	size := out.size
	if size.IsZero() {
		size = in.SizeBase
		if size.IsZero() {
			size = in.SizeUSD
		}
	}
	price := out.price
	if price.IsZero() {
		price = in.LimitPrice
	}
	orderID := out.orderID
	if orderID == 0 {
		orderID = in.OrderID
	}
	detail := res.Data
	if err != nil {
		detail = err.Error()
	}
	op := db.Operation{
		ID:         e.newID().String(),
		ChatID:     chatID,
		Kind:       string(in.Kind),
		Coin:       in.Coin,
		IsBuy:      in.IsBuy,
		Size:       decimalText(size),
		Price:      decimalText(price),
		OrderID:    orderID,
		Success:    res.Success,
		ErrorKind:  string(res.ErrorKind),
		Detail:     detail,
		InstanceID: e.instanceID,
		CreatedAt:  e.now(),
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.oplog.AppendOperation(wctx, op); err != nil {
		e.log.Error("append operation log failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func decimalText(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}
