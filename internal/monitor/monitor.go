// Package monitor polls tracked wallets for fills and resting orders and
// publishes the ones whose notional reaches the wallet thresholds.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"whale-core/internal/events"
	"whale-core/internal/retry"
	"whale-core/pkg/db"
	"whale-core/pkg/errs"
	"whale-core/pkg/exchanges/common"
)

// Store is the wallet persistence the monitor reads every cycle.
type Store interface {
	AddWallet(ctx context.Context, chatID int64, address string, threshold decimal.Decimal) (*db.TrackedWallet, bool, error)
	GetWallet(ctx context.Context, chatID int64, address string) (*db.TrackedWallet, error)
	ListWallets(ctx context.Context, chatID int64) ([]db.TrackedWallet, error)
	ListAllWallets(ctx context.Context) ([]db.TrackedWallet, error)
	RemoveWallet(ctx context.Context, chatID int64, address string) error
	SetThreshold(ctx context.Context, chatID int64, address string, threshold decimal.Decimal) error
	SetOrderThreshold(ctx context.Context, chatID int64, address string, threshold decimal.NullDecimal) error
	AdvanceCursor(ctx context.Context, chatID int64, address string, fillTime, tid int64) (bool, error)
}

// WalletSource reads the public activity of a wallet: fills strictly after
// a cursor and the orders currently resting on the book.
type WalletSource interface {
	GetFillsSince(ctx context.Context, address string, cursor common.Cursor) ([]common.Fill, error)
	GetOpenOrders(ctx context.Context, address string) ([]common.OpenOrder, error)
}

// ActivityFeed pushes wallet activity hints. Subscriptions are reference
// counted per address by the implementation.
type ActivityFeed interface {
	Subscribe(address string)
	Unsubscribe(address string)
}

// Config tunes polling.
type Config struct {
	PollInterval     time.Duration
	DefaultThreshold decimal.Decimal
	FetchTimeout     time.Duration
	DeliveryTimeout  time.Duration
	// SkipOrders turns off placed/canceled order alerts.
	SkipOrders bool
	Backoff    retry.Policy
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.Backoff.Min == 0 {
		c.Backoff = retry.Default()
	}
}

// Monitor owns one polling task per tracked wallet.
type Monitor struct {
	store   Store
	source  WalletSource
	bus     *events.Bus
	feed    ActivityFeed
	metrics *SystemMetrics
	cfg     Config
	log     *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	tasks map[taskKey]*task
	root  context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithActivityFeed lets wallet activity pushed over WebSocket trigger
// immediate polls.
func WithActivityFeed(feed ActivityFeed) Option {
	return func(m *Monitor) { m.feed = feed }
}

// WithMetrics records poll latency and counters.
func WithMetrics(metrics *SystemMetrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// New builds a monitor. Nothing is polled until Start.
func New(store Store, source WalletSource, bus *events.Bus, cfg Config, log *zap.Logger, opts ...Option) *Monitor {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewBus()
	}
	m := &Monitor{
		store:  store,
		source: source,
		bus:    bus,
		cfg:    cfg,
		log:    log.Named("monitor"),
		now:    time.Now,
		tasks:  make(map[taskKey]*task),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start resumes polling for every stored wallet.
func (m *Monitor) Start(ctx context.Context) error {
	wallets, err := m.store.ListAllWallets(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.root != nil {
		m.mu.Unlock()
		return errors.New("monitor: already started")
	}
	m.root, m.stop = context.WithCancel(ctx)
	for _, w := range wallets {
		m.spawnLocked(w.ChatID, w.Address)
	}
	m.mu.Unlock()
	m.log.Info("monitor started", zap.Int("wallets", len(wallets)), zap.Duration("poll_interval", m.cfg.PollInterval))
	return nil
}

// Stop cancels every task and waits for them to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
	m.wg.Wait()
}

// Track starts monitoring address for chatID. Tracking an already tracked
// wallet returns the existing record with created=false. A null threshold
// uses the configured default.
func (m *Monitor) Track(ctx context.Context, chatID int64, address string, threshold decimal.NullDecimal) (*db.TrackedWallet, bool, error) {
	if !gethcommon.IsHexAddress(address) {
		return nil, false, errs.Newf(errs.KindInvalidSize, "track wallet", "invalid address %q", address)
	}
	t := m.cfg.DefaultThreshold
	if threshold.Valid {
		if threshold.Decimal.IsNegative() {
			return nil, false, errs.New(errs.KindInvalidSize, "track wallet", "threshold must not be negative")
		}
		t = threshold.Decimal
	}
	w, created, err := m.store.AddWallet(ctx, chatID, address, t)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	m.spawnLocked(w.ChatID, w.Address)
	m.mu.Unlock()

	if created {
		m.bus.Publish(events.EventWalletTracked, *w)
		m.log.Info("wallet tracked", zap.Int64("chat_id", chatID), zap.String("address", w.Address),
			zap.String("threshold_usd", w.ThresholdUSD.String()))
	}
	return w, created, nil
}

// Untrack stops the wallet task, waits until it has stopped and deletes the
// record. No event for the wallet is published after Untrack returns nil.
//
// If ctx ends before the task has stopped, the feed subscription and the
// record are still dropped and a NetworkTimeout error is returned; the
// cancelled task exits on its own without publishing.
func (m *Monitor) Untrack(ctx context.Context, chatID int64, address string) error {
	key := taskKey{chatID: chatID, address: db.NormalizeAddress(address)}
	m.mu.Lock()
	t := m.tasks[key]
	delete(m.tasks, key)
	m.mu.Unlock()

	var waitErr error
	if t != nil {
		t.cancel()
		if m.feed != nil {
			m.feed.Unsubscribe(key.address)
		}
		select {
		case <-t.done:
		case <-ctx.Done():
			waitErr = errs.Wrap(errs.KindNetworkTimeout, "untrack wallet", ctx.Err())
		}
	}

	rctx := ctx
	if waitErr != nil {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
	}
	if err := m.store.RemoveWallet(rctx, chatID, key.address); err != nil {
		if waitErr != nil {
			return errors.Join(waitErr, err)
		}
		return err
	}
	if waitErr != nil {
		m.log.Warn("wallet untracked before its task stopped", zap.Int64("chat_id", chatID),
			zap.String("address", key.address), zap.Error(waitErr))
		m.bus.Publish(events.EventWalletUntracked, db.TrackedWallet{ChatID: chatID, Address: key.address})
		return waitErr
	}
	m.bus.Publish(events.EventWalletUntracked, db.TrackedWallet{ChatID: chatID, Address: key.address})
	m.log.Info("wallet untracked", zap.Int64("chat_id", chatID), zap.String("address", key.address))
	return nil
}

// SetThreshold updates the threshold; the task picks it up on its next cycle.
func (m *Monitor) SetThreshold(ctx context.Context, chatID int64, address string, threshold decimal.Decimal) error {
	if err := m.store.SetThreshold(ctx, chatID, address, threshold); err != nil {
		return err
	}
	m.log.Info("threshold updated", zap.Int64("chat_id", chatID), zap.String("address", db.NormalizeAddress(address)),
		zap.String("threshold_usd", threshold.String()))
	return nil
}

// SetOrderThreshold updates the order alert threshold. A null threshold
// falls back to the trade threshold.
func (m *Monitor) SetOrderThreshold(ctx context.Context, chatID int64, address string, threshold decimal.NullDecimal) error {
	if err := m.store.SetOrderThreshold(ctx, chatID, address, threshold); err != nil {
		return err
	}
	value := "trade threshold"
	if threshold.Valid {
		value = threshold.Decimal.String()
	}
	m.log.Info("order threshold updated", zap.Int64("chat_id", chatID), zap.String("address", db.NormalizeAddress(address)),
		zap.String("order_threshold_usd", value))
	return nil
}

// Wallets lists the wallets tracked by chatID.
func (m *Monitor) Wallets(ctx context.Context, chatID int64) ([]db.TrackedWallet, error) {
	return m.store.ListWallets(ctx, chatID)
}

// Subscribe returns a channel of the trade events of every chat, for
// process-wide consumers such as the Telegram notifier. Delivery blocks the
// publishing wallet task up to the delivery timeout, so consumers must drain
// promptly. The returned func unsubscribes and closes the channel.
func (m *Monitor) Subscribe(buffer int) (<-chan TradeEvent, func()) {
	return subscribe[TradeEvent](m.bus, events.EventTrade, buffer)
}

// SubscribeChat is Subscribe restricted to one chat. A reader that stalls
// only holds back alerts of its own chat.
func (m *Monitor) SubscribeChat(chatID int64, buffer int) (<-chan TradeEvent, func()) {
	return subscribe[TradeEvent](m.bus, events.ForChat(events.EventTrade, chatID), buffer)
}

// SubscribeOrders returns the order events of every chat.
func (m *Monitor) SubscribeOrders(buffer int) (<-chan OrderEvent, func()) {
	return subscribe[OrderEvent](m.bus, events.EventWalletOrder, buffer)
}

// SubscribeChatOrders returns the order events of one chat.
func (m *Monitor) SubscribeChatOrders(chatID int64, buffer int) (<-chan OrderEvent, func()) {
	return subscribe[OrderEvent](m.bus, events.ForChat(events.EventWalletOrder, chatID), buffer)
}

func subscribe[T any](bus *events.Bus, topic events.Event, buffer int) (<-chan T, func()) {
	in, unsub := bus.Subscribe(topic, buffer)
	out := make(chan T)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		defer close(out)
		for v := range in {
			ev, ok := v.(T)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-done:
				return
			}
		}
	}()
	return out, func() {
		once.Do(func() {
			close(done)
			unsub()
		})
	}
}

// publish hands payload to the subscribers of the chat's topic first, then
// to the process-wide ones, under one delivery deadline.
func (m *Monitor) publish(ctx context.Context, topic events.Event, chatID int64, payload any) error {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DeliveryTimeout)
	defer cancel()
	if err := m.bus.PublishWait(dctx, events.ForChat(topic, chatID), payload); err != nil {
		return err
	}
	return m.bus.PublishWait(dctx, topic, payload)
}

// Nudge asks every task watching address to poll now. Tasks in backoff
// ignore it.
func (m *Monitor) Nudge(address string) {
	address = db.NormalizeAddress(address)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, t := range m.tasks {
		if key.address == address {
			t.poke()
		}
	}
}

// Status reports the task state of one wallet.
func (m *Monitor) Status(chatID int64, address string) (Status, bool) {
	m.mu.Lock()
	t := m.tasks[taskKey{chatID: chatID, address: db.NormalizeAddress(address)}]
	m.mu.Unlock()
	if t == nil {
		return Status{}, false
	}
	return t.status(), true
}

// Statuses reports every running task of chatID, or all tasks when chatID is 0.
func (m *Monitor) Statuses(chatID int64) []Status {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for key, t := range m.tasks {
		if chatID == 0 || key.chatID == chatID {
			tasks = append(tasks, t)
		}
	}
	m.mu.Unlock()
	out := make([]Status, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.status())
	}
	return out
}

// Active returns the number of running wallet tasks.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// spawnLocked starts a task unless one is running or the monitor has not
// started. Caller holds m.mu.
func (m *Monitor) spawnLocked(chatID int64, address string) {
	key := taskKey{chatID: chatID, address: db.NormalizeAddress(address)}
	if m.root == nil || m.root.Err() != nil {
		return
	}
	if _, ok := m.tasks[key]; ok {
		return
	}
	ctx, cancel := context.WithCancel(m.root)
	t := newTask(m, key, cancel)
	m.tasks[key] = t
	if m.feed != nil {
		m.feed.Subscribe(key.address)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t.run(ctx)
	}()
}

// release drops t from the task table if it is still the registered task.
func (m *Monitor) release(t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[t.key] == t {
		delete(m.tasks, t.key)
		if m.feed != nil {
			m.feed.Unsubscribe(t.key.address)
		}
	}
}

const cleanupTimeout = 5 * time.Second

// nextDelay is the wait before the next cycle after failures consecutive
// fetch failures.
func (m *Monitor) nextDelay(failures int) time.Duration {
	return m.cfg.PollInterval + m.cfg.Backoff.Delay(failures)
}
