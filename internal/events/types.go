package events

import "strconv"

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventTrade           Event = "wallet.trade"
	EventWalletOrder     Event = "wallet.order"
	EventWalletTracked   Event = "wallet.tracked"
	EventWalletUntracked Event = "wallet.untracked"
	EventOrderExecuted   Event = "order.executed"
	EventCredentialSet   Event = "credential.set"
)

// ForChat scopes e to one chat. Subscribers of the scoped topic only see
// that chat's payloads, so a stalled reader holds back nobody else.
func ForChat(e Event, chatID int64) Event {
	return e + Event(":"+strconv.FormatInt(chatID, 10))
}
