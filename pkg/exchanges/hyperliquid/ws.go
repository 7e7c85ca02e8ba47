package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

const pingInterval = 50 * time.Second

type wsSubscription struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type wsRequest struct {
	Method       string          `json:"method"`
	Subscription *wsSubscription `json:"subscription,omitempty"`
}

type wsMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsUserFills struct {
	IsSnapshot bool       `json:"isSnapshot"`
	User       string     `json:"user"`
	Fills      []fillWire `json:"fills"`
}

// Stream listens to the userFills channel of every subscribed address and
// reports activity through onActivity. It only signals that something
// happened; fills are still fetched and ordered through the REST cursor.
type Stream struct {
	url        string
	dialer     *websocket.Dialer
	onActivity func(address string)
	log        *zap.Logger

	mu    sync.Mutex
	users map[string]int // address -> reference count
	conn  *websocket.Conn
	wmu   sync.Mutex
}

// NewStream creates a stream against url (MainnetWSURL when empty).
func NewStream(url string, onActivity func(address string), log *zap.Logger) *Stream {
	if url == "" {
		url = MainnetWSURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{
		url:        url,
		dialer:     websocket.DefaultDialer,
		onActivity: onActivity,
		log:        log.Named("ws"),
		users:      make(map[string]int),
	}
}

// Subscribe adds a reference to address and subscribes on the live
// connection when it is the first one.
func (s *Stream) Subscribe(address string) {
	address = strings.ToLower(address)
	s.mu.Lock()
	s.users[address]++
	first := s.users[address] == 1
	conn := s.conn
	s.mu.Unlock()
	if first && conn != nil {
		if err := s.send(conn, "subscribe", address); err != nil {
			s.log.Warn("subscribe failed", zap.String("address", address), zap.Error(err))
		}
	}
}

// Unsubscribe drops a reference to address.
func (s *Stream) Unsubscribe(address string) {
	address = strings.ToLower(address)
	s.mu.Lock()
	n, ok := s.users[address]
	if !ok {
		s.mu.Unlock()
		return
	}
	last := n <= 1
	if last {
		delete(s.users, address)
	} else {
		s.users[address] = n - 1
	}
	conn := s.conn
	s.mu.Unlock()
	if last && conn != nil {
		if err := s.send(conn, "unsubscribe", address); err != nil {
			s.log.Warn("unsubscribe failed", zap.String("address", address), zap.Error(err))
		}
	}
}

// Run keeps a connection open until ctx is done, reconnecting with backoff.
func (s *Stream) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	for {
		connectedAt := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(connectedAt) > time.Minute {
			b.Reset()
		}
		wait := b.Duration()
		s.log.Warn("stream disconnected", zap.Error(err), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *Stream) session(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial ws: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	users := make([]string, 0, len(s.users))
	for u := range s.users {
		users = append(users, u)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for _, u := range users {
		if err := s.send(conn, "subscribe", u); err != nil {
			return err
		}
	}
	s.log.Info("stream connected", zap.Int("subscriptions", len(users)))

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				s.wmu.Lock()
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				s.wmu.Unlock()
				_ = conn.Close()
				return
			case <-done:
				return
			case <-t.C:
				if err := s.write(conn, wsRequest{Method: "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handle(msg)
	}
}

func (s *Stream) handle(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log.Debug("unparseable ws message", zap.Error(err))
		return
	}
	if msg.Channel != "userFills" {
		return
	}
	var data wsUserFills
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		s.log.Debug("bad userFills payload", zap.Error(err))
		return
	}
	// The first message after subscribing replays history.
	if data.IsSnapshot || len(data.Fills) == 0 {
		return
	}
	if s.onActivity != nil {
		s.onActivity(strings.ToLower(data.User))
	}
}

func (s *Stream) send(conn *websocket.Conn, method, address string) error {
	return s.write(conn, wsRequest{Method: method, Subscription: &wsSubscription{Type: "userFills", User: address}})
}

func (s *Stream) write(conn *websocket.Conn, v any) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}
