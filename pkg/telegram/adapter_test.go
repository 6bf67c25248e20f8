package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/astrobridge/qtbridge/pkg/platform"
)

// Stop must never race an in-flight emit into a closed channel; the
// update loop owns the close, so updates arriving during shutdown have
// to drain cleanly.
func TestStopDuringUpdateFlood(t *testing.T) {
	a := &Adapter{inbound: make(chan platform.Inbound, 1)}
	updates := make(chan telego.Update)

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.running.Store(true)
	a.wg.Add(1)
	go a.updateLoop(ctx, updates)

	drained := make(chan struct{})
	go func() {
		for range a.inbound {
		}
		close(drained)
	}()

	go func() {
		msg := &telego.Message{
			MessageID: 1,
			Chat:      telego.Chat{ID: 5, Type: telego.ChatTypeGroup, Title: "g"},
			From:      &telego.User{ID: 9, FirstName: "u"},
			Text:      "x",
		}
		for i := 0; ; i++ {
			select {
			case updates <- telego.Update{UpdateID: i, Message: msg}:
			case <-ctx.Done():
				return
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
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
