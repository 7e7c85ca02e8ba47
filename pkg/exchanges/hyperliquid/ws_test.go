package hyperliquid

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestStreamReportsActivity(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req.Method + ":" + req.Subscription.User
		conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"userFills","data":{"isSnapshot":true,"user":"0xabc","fills":[{"tid":1}]}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"userFills","data":{"user":"0xABC","fills":[{"tid":2}]}}`))
		conn.ReadMessage() // hold until the client goes away
	}))
	defer srv.Close()

	activity := make(chan string, 4)
	s := NewStream("ws"+strings.TrimPrefix(srv.URL, "http"), func(addr string) { activity <- addr }, nil)
	s.Subscribe("0xABC")
	s.Subscribe("0xabc") // second reference, no extra subscribe

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case got := <-subscribed:
		if got != "subscribe:0xabc" {
			t.Fatalf("subscription = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}
	select {
	case addr := <-activity:
		if addr != "0xabc" {
			t.Fatalf("activity for %q", addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no activity reported")
	}
	select {
	case addr := <-activity:
		t.Fatalf("snapshot must not be reported, got %q", addr)
	default:
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestStreamRefCount(t *testing.T) {
	s := NewStream("", nil, nil)
	s.Subscribe("0x1")
	s.Subscribe("0x1")
	s.Unsubscribe("0x1")
	if s.users["0x1"] != 1 {
		t.Fatalf("refcount = %d, want 1", s.users["0x1"])
	}
	s.Unsubscribe("0x1")
	s.Unsubscribe("0x1")
	if _, ok := s.users["0x1"]; ok {
		t.Fatal("address should be dropped after last reference")
	}
}
