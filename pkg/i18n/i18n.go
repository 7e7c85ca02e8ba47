// Package i18n holds the user-facing texts of execution results and alerts.
package i18n

import (
	"strings"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangRU Language = "ru"
)

// ParseLanguage maps a config value onto a supported language, English by default.
func ParseLanguage(s string) Language {
	if strings.EqualFold(strings.TrimSpace(s), string(LangRU)) {
		return LangRU
	}
	return LangEN
}

// Messages holds all translatable strings
type Messages struct {
	Buy  string
	Sell string

	// Credentials
	KeyStored     string
	KeyRemoved    string
	KeyNotFound   string
	KeyUnreadable string

	// Orders
	MarketOrderFilled  string
	LimitOrderPlaced   string
	LimitOrderFilled   string
	OrderCanceled      string
	OrderAlreadyClosed string
	PositionClosed     string
	LeverageSet        string

	// Rejections
	InsufficientFunds     string
	InsufficientMargin    string
	OrderTooSmall         string
	OrderRejected         string
	InvalidOrder          string
	LimitPriceRequired    string
	LeverageOutOfRange    string
	ReduceOnlyNoPosition  string
	ReduceOnlyLongUseSell string
	ReduceOnlyShortUseBuy string
	ReduceOnlyTooLarge    string
	NoPositionToClose     string
	NotFound              string
	RateLimited           string
	NetworkTimeout        string
	AuthRejected          string
	ExchangeError         string
	UnknownAction         string

	// Wallets
	WalletTracked        string
	WalletAlreadyTracked string
	WalletUntracked      string
	ThresholdSet         string

	// Alerts
	WhaleAlert         string
	OrderPlacedAlert   string
	OrderCanceledAlert string
	WhaleLabel         string
	SharkLabel         string
	FishLabel          string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	Buy:  "buy",
	Sell: "sell",

	KeyStored:     "Trading key saved. Address: %s",
	KeyRemoved:    "Trading key removed.",
	KeyNotFound:   "Trading key not found. Set it with /set_key in a private chat.",
	KeyUnreadable: "Could not read your stored key. Set it again with /set_key.",

	MarketOrderFilled:  "Market %s %s %s filled at $%s (order #%d).",
	LimitOrderPlaced:   "Limit %s order for %s %s at $%s placed (order #%d).",
	LimitOrderFilled:   "Limit %s order for %s %s filled at $%s (order #%d).",
	OrderCanceled:      "Order #%d on %s canceled.",
	OrderAlreadyClosed: "Order #%d on %s was already filled or canceled.",
	PositionClosed:     "Position in %s closed (%s at $%s).",
	LeverageSet:        "Leverage for %s set to x%d.",

	InsufficientFunds:     "Insufficient funds (account value $%s).",
	InsufficientMargin:    "Insufficient margin: %s",
	OrderTooSmall:         "Order size is too small.",
	OrderRejected:         "Order rejected: %s",
	InvalidOrder:          "Invalid order: %s",
	LimitPriceRequired:    "A positive limit price is required.",
	LeverageOutOfRange:    "Leverage for %s must be between 1 and %d.",
	ReduceOnlyNoPosition:  "No %s position for a reduce-only order.",
	ReduceOnlyLongUseSell: "You hold a LONG %s position. Use SELL for reduce-only, not BUY.",
	ReduceOnlyShortUseBuy: "You hold a SHORT %s position. Use BUY for reduce-only, not SELL.",
	ReduceOnlyTooLarge:    "Reduce-only size %s exceeds the %s position of %s.",
	NoPositionToClose:     "No open %s position to close.",
	NotFound:              "Not found: %s",
	RateLimited:           "The exchange is rate limiting requests. Try again shortly.",
	NetworkTimeout:        "The exchange did not respond in time. Check your open orders before retrying.",
	AuthRejected:          "The exchange rejected the key: %s",
	ExchangeError:         "Exchange error: %s",
	UnknownAction:         "Unknown action.",

	WalletTracked:        "Tracking %s (threshold $%s).",
	WalletAlreadyTracked: "Already tracking %s.",
	WalletUntracked:      "Stopped tracking %s.",
	ThresholdSet:         "Threshold for %s set to $%s.",

	WhaleAlert:         "%s %s trade\nWallet: %s\n%s %s %s @ $%s\nNotional: $%s",
	OrderPlacedAlert:   "%s %s order placed\nWallet: %s\n%s %s %s @ $%s\nNotional: $%s",
	OrderCanceledAlert: "%s %s order canceled\nWallet: %s\n%s %s %s @ $%s\nNotional: $%s",
	WhaleLabel:         "Whale",
	SharkLabel:         "Shark",
	FishLabel:          "Fish",
}

// Russian messages
var messagesRU = Messages{
	Buy:  "покупка",
	Sell: "продажа",

	KeyStored:     "Торговый ключ сохранен. Адрес: %s",
	KeyRemoved:    "Торговый ключ удален.",
	KeyNotFound:   "Торговый ключ не найден. Настройте его командой /set_key (в ЛС с ботом).",
	KeyUnreadable: "Не удалось обработать ваш сохраненный ключ. Задайте его заново через /set_key.",

	MarketOrderFilled:  "Маркет-ордер (%s) %s %s исполнен по $%s (ордер #%d).",
	LimitOrderPlaced:   "Лимитная заявка (%s) %s %s по цене $%s выставлена (ордер #%d).",
	LimitOrderFilled:   "Лимитная заявка (%s) %s %s исполнена по $%s (ордер #%d).",
	OrderCanceled:      "Ордер #%d по %s отменен.",
	OrderAlreadyClosed: "Ордер #%d по %s уже исполнен или отменен.",
	PositionClosed:     "Позиция по %s закрыта (%s по $%s).",
	LeverageSet:        "Плечо для %s установлено на x%d.",

	InsufficientFunds:     "Недостаточно средств (Account Value = $%s).",
	InsufficientMargin:    "Недостаточно маржи: %s",
	OrderTooSmall:         "Слишком маленький размер ордера.",
	OrderRejected:         "Ордер отклонен: %s",
	InvalidOrder:          "Некорректный ордер: %s",
	LimitPriceRequired:    "Нужна положительная лимитная цена.",
	LeverageOutOfRange:    "Плечо для %s должно быть от 1 до %d.",
	ReduceOnlyNoPosition:  "Нет позиции по %s для reduce-only ордера.",
	ReduceOnlyLongUseSell: "У вас LONG позиция по %s. Для reduce-only используйте SELL, а не BUY.",
	ReduceOnlyShortUseBuy: "У вас SHORT позиция по %s. Для reduce-only используйте BUY, а не SELL.",
	ReduceOnlyTooLarge:    "Размер reduce-only %s больше позиции по %s (%s).",
	NoPositionToClose:     "Нет открытой позиции по %s.",
	NotFound:              "Не найдено: %s",
	RateLimited:           "Биржа ограничивает частоту запросов. Повторите позже.",
	NetworkTimeout:        "Биржа не ответила вовремя. Проверьте открытые ордера перед повтором.",
	AuthRejected:          "Биржа отклонила ключ: %s",
	ExchangeError:         "Ошибка биржи: %s",
	UnknownAction:         "Неизвестное действие.",

	WalletTracked:        "Отслеживаю %s (порог $%s).",
	WalletAlreadyTracked: "%s уже отслеживается.",
	WalletUntracked:      "Больше не отслеживаю %s.",
	ThresholdSet:         "Порог для %s установлен: $%s.",

	WhaleAlert:         "%s Сделка %s\nКошелек: %s\n%s %s %s @ $%s\nОбъем: $%s",
	OrderPlacedAlert:   "%s Ордер %s выставлен\nКошелек: %s\n%s %s %s @ $%s\nОбъем: $%s",
	OrderCanceledAlert: "%s Ордер %s отменен\nКошелек: %s\n%s %s %s @ $%s\nОбъем: $%s",
	WhaleLabel:         "кита",
	SharkLabel:         "акулы",
	FishLabel:          "рыбы",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	messages = For(lang)
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// For returns the catalog of lang.
func For(lang Language) *Messages {
	if lang == LangRU {
		return &messagesRU
	}
	return &messagesEN
}

// Side renders a trade direction.
func (m *Messages) Side(isBuy bool) string {
	if isBuy {
		return m.Buy
	}
	return m.Sell
}
