// Package notify delivers whale alerts and execution results to Telegram chats.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"whale-core/internal/monitor"
	"whale-core/internal/order"
	"whale-core/internal/retry"
	"whale-core/internal/vault"
	"whale-core/pkg/errs"
	"whale-core/pkg/i18n"
)

var (
	whaleNotional = decimal.NewFromInt(1_000_000)
	sharkNotional = decimal.NewFromInt(500_000)
)

// Sender is the part of *tgbotapi.BotAPI the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier formats events for chats and sends them.
type Notifier struct {
	sender Sender
	msgs   *i18n.Messages
	policy retry.Policy
	log    *zap.Logger
}

// Option customizes a Notifier.
type Option func(*Notifier)

// WithRetry replaces the send retry policy.
func WithRetry(p retry.Policy) Option {
	return func(n *Notifier) { n.policy = p }
}

// sendPolicy rides out Telegram flood limits, which commonly ask for waits
// of a few seconds up to half a minute.
func sendPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 5, Min: time.Second, Max: 30 * time.Second, Factor: 2}
}

// NewTelegram authorizes a bot with token.
func NewTelegram(token string, lang i18n.Language, log *zap.Logger, opts ...Option) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("telegram bot authorized", zap.String("username", bot.Self.UserName))
	return New(bot, lang, log, opts...), nil
}

// New wraps an existing sender.
func New(sender Sender, lang i18n.Language, log *zap.Logger, opts ...Option) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	n := &Notifier{sender: sender, msgs: i18n.For(lang), policy: sendPolicy(), log: log.Named("notify")}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Label classifies a notional into an emoji and a size word.
func (n *Notifier) Label(notional decimal.Decimal) (string, string) {
	switch {
	case notional.GreaterThanOrEqual(whaleNotional):
		return "🐋", n.msgs.WhaleLabel
	case notional.GreaterThanOrEqual(sharkNotional):
		return "🦈", n.msgs.SharkLabel
	default:
		return "🐟", n.msgs.FishLabel
	}
}

// FormatTrade renders a trade alert.
func (n *Notifier) FormatTrade(ev monitor.TradeEvent) string {
	emoji, label := n.Label(ev.NotionalUSD)
	return fmt.Sprintf(n.msgs.WhaleAlert,
		emoji, label,
		vault.Redact(ev.Wallet.Address),
		strings.ToUpper(n.msgs.Side(ev.Side.IsBuy())),
		ev.Size.String(), ev.Coin,
		ev.Price.String(),
		groupThousands(ev.NotionalUSD.StringFixed(0)))
}

// FormatOrder renders a placed or canceled order alert.
func (n *Notifier) FormatOrder(ev monitor.OrderEvent) string {
	emoji, label := n.Label(ev.NotionalUSD)
	tmpl := n.msgs.OrderPlacedAlert
	if ev.Action == monitor.OrderCanceled {
		tmpl = n.msgs.OrderCanceledAlert
	}
	return fmt.Sprintf(tmpl,
		emoji, label,
		vault.Redact(ev.Wallet.Address),
		strings.ToUpper(n.msgs.Side(ev.Side.IsBuy())),
		ev.Size.String(), ev.Coin,
		ev.Price.String(),
		groupThousands(ev.NotionalUSD.StringFixed(0)))
}

// NotifyTrade sends one alert to the wallet owner's chat.
func (n *Notifier) NotifyTrade(ctx context.Context, ev monitor.TradeEvent) error {
	return n.Text(ctx, ev.Wallet.ChatID, n.FormatTrade(ev))
}

// NotifyOrder sends one order alert to the wallet owner's chat.
func (n *Notifier) NotifyOrder(ctx context.Context, ev monitor.OrderEvent) error {
	return n.Text(ctx, ev.Wallet.ChatID, n.FormatOrder(ev))
}

// NotifyResult sends the user-facing text of an execution result.
func (n *Notifier) NotifyResult(ctx context.Context, chatID int64, res order.Result) error {
	text := res.Data
	if !res.Success {
		text = "❌ " + res.Error
	}
	return n.Text(ctx, chatID, text)
}

// Text sends plain text to chatID. Flood limits, server errors and
// transport failures are retried; a retry_after from Telegram is honoured.
func (n *Notifier) Text(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true

	p := n.policy
	onRetry := p.OnRetry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		n.log.Debug("telegram send retrying", zap.Int64("chat_id", chatID), zap.Int("attempt", attempt),
			zap.Duration("delay", delay), zap.Error(err))
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}
	err := p.Do(ctx, func(ctx context.Context) error {
		_, err := n.sender.Send(msg)
		return classify(err)
	})
	if err != nil {
		n.log.Warn("telegram send failed", zap.Int64("chat_id", chatID),
			zap.String("kind", string(errs.KindOf(err))), zap.Error(err))
		return err
	}
	return nil
}

// classify maps a send error onto the error kinds the retry policy knows.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return errs.Wrap(errs.KindNetworkTimeout, "telegram send", err)
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		wait := time.Duration(apiErr.RetryAfter) * time.Second
		return retry.After(errs.Wrap(errs.KindRateLimited, "telegram send", err), wait)
	case apiErr.Code >= http.StatusInternalServerError:
		return errs.Wrap(errs.KindNetworkTimeout, "telegram send", err)
	default:
		return err
	}
}

// Run forwards alerts to Telegram until ctx ends or trades is closed. orders
// may be nil. An alert whose send still fails after retries is dropped and
// logged; the loop keeps going.
func (n *Notifier) Run(ctx context.Context, trades <-chan monitor.TradeEvent, orders <-chan monitor.OrderEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-trades:
			if !ok {
				return
			}
			if err := n.NotifyTrade(ctx, ev); err != nil && ctx.Err() == nil {
				n.log.Error("whale alert dropped", zap.Int64("chat_id", ev.Wallet.ChatID),
					zap.String("address", ev.Wallet.Address), zap.Int64("tid", ev.FillID), zap.Error(err))
			}
		case ev, ok := <-orders:
			if !ok {
				orders = nil
				continue
			}
			if err := n.NotifyOrder(ctx, ev); err != nil && ctx.Err() == nil {
				n.log.Error("order alert dropped", zap.Int64("chat_id", ev.Wallet.ChatID),
					zap.String("address", ev.Wallet.Address), zap.Int64("oid", ev.OrderID), zap.Error(err))
			}
		}
	}
}

// groupThousands inserts commas into an integer string: 1234567 -> 1,234,567.
func groupThousands(s string) string {
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}
	var b strings.Builder
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
