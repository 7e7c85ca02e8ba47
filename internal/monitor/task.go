package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"whale-core/internal/events"
	"whale-core/pkg/db"
	"whale-core/pkg/errs"
	"whale-core/pkg/exchanges/common"
)

// errWalletGone ends a task whose record was deleted behind its back.
var errWalletGone = errors.New("monitor: wallet no longer tracked")

type task struct {
	m      *Monitor
	key    taskKey
	cancel context.CancelFunc
	done   chan struct{}
	nudge  chan struct{}

	mu       sync.Mutex
	state    State
	failures int
	lastPoll time.Time
	nextPoll time.Time
	lastErr  string
	emitted  uint64

	// Order book view of the wallet, owned by the run goroutine. orders is
	// nil until the first snapshot; filled collects order ids seen in fills
	// since that snapshot so fully filled orders are not taken as cancels.
	orders map[int64]common.OpenOrder
	filled map[int64]struct{}
}

func newTask(m *Monitor, key taskKey, cancel context.CancelFunc) *task {
	return &task{
		m:      m,
		key:    key,
		cancel: cancel,
		done:   make(chan struct{}),
		nudge:  make(chan struct{}, 1),
		state:  StateIdle,
		filled: make(map[int64]struct{}),
	}
}

func (t *task) poke() {
	select {
	case t.nudge <- struct{}{}:
	default:
	}
}

func (t *task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *task) status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		ChatID:        t.key.chatID,
		Address:       t.key.address,
		State:         t.state,
		Failures:      t.failures,
		LastPoll:      t.lastPoll,
		NextPoll:      t.nextPoll,
		LastError:     t.lastErr,
		EventsEmitted: t.emitted,
	}
}

// run loops Idle -> Polling -> (EventEmitted | Idle) until ctx is cancelled
// or the wallet disappears from the store.
func (t *task) run(ctx context.Context) {
	log := t.m.log.With(zap.Int64("chat_id", t.key.chatID), zap.String("address", t.key.address))
	defer func() {
		t.setState(StateStopped)
		t.m.release(t)
		close(t.done)
		log.Debug("wallet task stopped")
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		t.mu.Lock()
		nudge := t.nudge
		if t.failures > 0 {
			nudge = nil
		}
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-nudge:
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}

		t.setState(StatePolling)
		start := t.m.now()
		emitted, err := t.poll(ctx)
		if t.m.metrics != nil {
			t.m.metrics.RecordPoll(t.m.now().Sub(start), emitted, err)
		}
		if errors.Is(err, errWalletGone) || ctx.Err() != nil {
			return
		}

		t.mu.Lock()
		t.lastPoll = start
		if err != nil {
			t.failures++
			t.lastErr = err.Error()
		} else {
			t.failures = 0
			t.lastErr = ""
		}
		failures := t.failures
		t.emitted += uint64(emitted)
		if emitted > 0 {
			t.state = StateEventEmitted
		} else {
			t.state = StateIdle
		}
		delay := t.m.nextDelay(failures)
		t.nextPoll = t.m.now().Add(delay)
		t.mu.Unlock()

		if err != nil {
			log.Warn("wallet poll failed",
				zap.Int("consecutive_failures", failures),
				zap.Duration("next_poll_in", delay),
				zap.String("kind", string(errs.KindOf(err))),
				zap.Error(err))
		}
		timer.Reset(delay)
	}
}

// poll runs one cycle: re-read the wallet, fetch fills after its cursor,
// publish the ones at or above the threshold in fill order, advance the
// cursor past everything delivered, then diff the resting orders.
func (t *task) poll(ctx context.Context) (int, error) {
	m := t.m
	w, err := m.store.GetWallet(ctx, t.key.chatID, t.key.address)
	if errors.Is(err, errs.NotFound) {
		return 0, errWalletGone
	}
	if err != nil {
		return 0, err
	}
	cursor := common.Cursor{Time: w.CursorTime, TID: w.CursorTID}

	fctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	fills, err := m.source.GetFillsSince(fctx, w.Address, cursor)
	cancel()
	if err != nil {
		return 0, err
	}
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].Cursor().Less(fills[j].Cursor()) })

	last := cursor
	emitted := 0
	var deliverErr error
	for _, f := range fills {
		if !cursor.Less(f.Cursor()) {
			continue
		}
		t.filled[f.OrderID] = struct{}{}
		notional := f.Notional()
		if notional.GreaterThanOrEqual(w.ThresholdUSD) {
			if ctx.Err() != nil {
				return emitted, ctx.Err()
			}
			if deliverErr = t.deliver(ctx, w, f); deliverErr != nil {
				break
			}
			emitted++
		}
		last = f.Cursor()
	}

	if ctx.Err() != nil {
		return emitted, ctx.Err()
	}
	if cursor.Less(last) {
		if _, err := m.store.AdvanceCursor(ctx, w.ChatID, w.Address, last.Time, last.TID); err != nil {
			if errors.Is(err, errs.NotFound) {
				return emitted, errWalletGone
			}
			return emitted, err
		}
	}
	if deliverErr != nil {
		return emitted, errs.Wrap(errs.KindNetworkTimeout, "deliver trade event", deliverErr)
	}
	if m.cfg.SkipOrders {
		return emitted, nil
	}
	n, err := t.pollOrders(ctx, w)
	return emitted + n, err
}

// pollOrders compares the resting orders with the previous snapshot. New
// order ids are placements; ids that vanished without a fill are cancels.
// The first snapshot after start only sets the baseline. The snapshot is
// replaced only once every alert of the cycle was delivered, so a failed
// delivery is retried next cycle.
func (t *task) pollOrders(ctx context.Context, w *db.TrackedWallet) (int, error) {
	m := t.m
	fctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	open, err := m.source.GetOpenOrders(fctx, w.Address)
	cancel()
	if err != nil {
		return 0, err
	}
	current := make(map[int64]common.OpenOrder, len(open))
	for _, o := range open {
		current[o.OrderID] = o
	}
	if t.orders == nil {
		t.commitOrders(current)
		return 0, nil
	}

	var changes []OrderEvent
	for _, o := range open {
		if _, seen := t.orders[o.OrderID]; !seen {
			changes = append(changes, t.orderEvent(w, OrderPlaced, o))
		}
	}
	for oid, o := range t.orders {
		if _, still := current[oid]; still {
			continue
		}
		if _, filled := t.filled[oid]; filled {
			continue
		}
		changes = append(changes, t.orderEvent(w, OrderCanceled, o))
	}
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].OrderID < changes[j].OrderID })

	threshold := w.OrderThreshold()
	emitted := 0
	for _, ev := range changes {
		if ev.NotionalUSD.LessThan(threshold) {
			continue
		}
		if ctx.Err() != nil {
			return emitted, ctx.Err()
		}
		if err := m.publish(ctx, events.EventWalletOrder, w.ChatID, ev); err != nil {
			return emitted, errs.Wrap(errs.KindNetworkTimeout, "deliver order event", err)
		}
		emitted++
		m.log.Info("whale order detected",
			zap.Int64("chat_id", w.ChatID),
			zap.String("address", w.Address),
			zap.String("action", string(ev.Action)),
			zap.String("coin", ev.Coin),
			zap.String("side", string(ev.Side)),
			zap.String("notional_usd", ev.NotionalUSD.StringFixed(2)),
			zap.Int64("oid", ev.OrderID))
	}
	t.commitOrders(current)
	return emitted, nil
}

func (t *task) commitOrders(current map[int64]common.OpenOrder) {
	t.orders = current
	t.filled = make(map[int64]struct{})
}

func (t *task) orderEvent(w *db.TrackedWallet, action OrderAction, o common.OpenOrder) OrderEvent {
	return OrderEvent{
		Wallet:      *w,
		Action:      action,
		Coin:        o.Coin,
		Side:        o.Side,
		Size:        o.Size.Abs(),
		Price:       o.LimitPrice,
		NotionalUSD: o.Notional(),
		OrderID:     o.OrderID,
		PlacedAt:    time.UnixMilli(o.Timestamp),
		DetectedAt:  t.m.now(),
	}
}

func (t *task) deliver(ctx context.Context, w *db.TrackedWallet, f common.Fill) error {
	ev := TradeEvent{
		Wallet:      *w,
		Coin:        f.Coin,
		Side:        f.Side,
		Size:        f.Size.Abs(),
		Price:       f.Price,
		NotionalUSD: f.Notional(),
		FillID:      f.TID,
		Hash:        f.Hash,
		Direction:   f.Direction,
		FillTime:    time.UnixMilli(f.Time),
		DetectedAt:  t.m.now(),
	}
	if err := t.m.publish(ctx, events.EventTrade, w.ChatID, ev); err != nil {
		return err
	}
	t.m.log.Info("whale trade detected",
		zap.Int64("chat_id", w.ChatID),
		zap.String("address", w.Address),
		zap.String("coin", f.Coin),
		zap.String("side", string(f.Side)),
		zap.String("notional_usd", ev.NotionalUSD.StringFixed(2)),
		zap.Int64("tid", f.TID))
	return nil
}
