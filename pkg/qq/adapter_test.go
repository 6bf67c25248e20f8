package qq

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Stop must never race an in-flight emit into a closed channel; the read
// loop owns the close, so a flood of inbound events during shutdown has
// to drain cleanly.
func TestStopDuringInboundFlood(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ev := []byte(`{"post_type":"message","message_type":"group","message_id":1,` +
			`"group_id":10,"user_id":20,"time":1,"sender":{"user_id":20,"nickname":"n"},` +
			`"message":[{"type":"text","data":{"text":"hi"}}]}`)
		for {
			if err := conn.WriteMessage(websocket.TextMessage, ev); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	a := NewAdapter("ws"+strings.TrimPrefix(srv.URL, "http"), "")
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	drained := make(chan struct{})
	go func() {
		for range a.Inbound() {
		}
		close(drained)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("inbound channel not closed after Stop")
	}
}
