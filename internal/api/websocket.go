package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"whale-core/internal/events"
	"whale-core/internal/order"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

// wsMessage is one frame pushed to a client.
type wsMessage struct {
	Type events.Event `json:"type"`
	Data any          `json:"data"`
}

// websocket streams the caller's trade and order alerts and execution
// results until the client goes away. Subscriptions are scoped to the
// caller's chat, so a slow client only delays its own alerts.
func (s *Server) websocket(c *gin.Context) {
	chatID := CurrentChatID(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Monitor == nil || s.Bus == nil {
		_ = conn.WriteJSON(gin.H{"error": "engine not ready"})
		return
	}

	trades, unsubTrades := s.Monitor.SubscribeChat(chatID, 64)
	defer unsubTrades()
	orders, unsubOrders := s.Monitor.SubscribeChatOrders(chatID, 64)
	defer unsubOrders()
	results, unsubResults := s.Bus.Subscribe(events.ForChat(events.EventOrderExecuted, chatID), 64)
	defer unsubResults()

	// The read side only detects the close; clients send nothing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.log.Debug("ws client connected", zap.Int64("chat_id", chatID))
	defer s.log.Debug("ws client disconnected", zap.Int64("chat_id", chatID))

	for {
		var msg wsMessage
		select {
		case <-closed:
			return
		case ev, ok := <-trades:
			if !ok {
				return
			}
			msg = wsMessage{Type: events.EventTrade, Data: ev}
		case ev, ok := <-orders:
			if !ok {
				return
			}
			msg = wsMessage{Type: events.EventWalletOrder, Data: ev}
		case v, ok := <-results:
			if !ok {
				return
			}
			rep, isReport := v.(order.Report)
			if !isReport || rep.ChatID != chatID {
				continue
			}
			msg = wsMessage{Type: events.EventOrderExecuted, Data: rep}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			s.log.Debug("ws write failed", zap.Int64("chat_id", chatID), zap.Error(err))
			return
		}
	}
}
