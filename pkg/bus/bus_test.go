package bus

import (
	"sync"
	"testing"
)

func TestPublishSequencesPerInstance(t *testing.T) {
	b := New()
	defer b.Close()

	for i := 1; i <= 3; i++ {
		ev, err := b.Publish("a", "message.created", nil)
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if ev.Seq != uint64(i) {
			t.Errorf("instance a seq: got %d, want %d", ev.Seq, i)
		}
	}

	ev, _ := b.Publish("b", "message.created", nil)
	if ev.Seq != 1 {
		t.Errorf("instance b must have its own counter, got %d", ev.Seq)
	}
}

func TestSubscribeReceivesInOrder(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("test", nil, 16)

	for i := 0; i < 5; i++ {
		b.Publish("a", "message.created", i)
	}

	var last uint64
	for i := 0; i < 5; i++ {
		ev := <-sub.C
		if ev.Seq != last+1 {
			t.Fatalf("gap in delivery: got %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestPredicateScoping(t *testing.T) {
	b := New()
	defer b.Close()

	onlyA := b.Subscribe("scope-a", func(ev Event) bool { return ev.InstanceID == "a" }, 16)

	b.Publish("a", "x", nil)
	b.Publish("b", "x", nil)
	b.Publish("a", "x", nil)

	first := <-onlyA.C
	second := <-onlyA.C
	if first.InstanceID != "a" || second.InstanceID != "a" {
		t.Error("out-of-scope event delivered")
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("in-scope events must stay gap-free: %d, %d", first.Seq, second.Seq)
	}
	select {
	case ev := <-onlyA.C:
		t.Errorf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestOverflowClosesSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("slow", nil, 2)

	// Third publish overflows the buffer of 2; the tap must be detached
	// rather than skipped.
	b.Publish("a", "x", nil)
	b.Publish("a", "x", nil)
	b.Publish("a", "x", nil)

	<-sub.C
	<-sub.C
	if _, open := <-sub.C; open {
		t.Error("overflowed subscription should be closed")
	}

	// The bus itself keeps working.
	if _, err := b.Publish("a", "x", nil); err != nil {
		t.Errorf("publish after detach: %v", err)
	}
}

func TestUnsubscribeDuringFanOut(t *testing.T) {
	b := New()
	defer b.Close()

	subs := make([]*Subscription, 8)
	for i := range subs {
		subs[i] = b.Subscribe("tap", nil, 64)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			b.Publish("a", "x", i)
		}
	}()
	go func() {
		defer wg.Done()
		for _, s := range subs[:4] {
			s.Unsubscribe()
		}
	}()
	wg.Wait()

	// Survivors still see a gap-free prefix of the stream.
	for _, s := range subs[4:] {
		var last uint64
		for {
			select {
			case ev, open := <-s.C:
				if !open {
					t.Fatal("survivor should not be closed")
				}
				if ev.Seq != last+1 {
					t.Fatalf("gap: %d after %d", ev.Seq, last)
				}
				last = ev.Seq
				continue
			default:
			}
			break
		}
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New()
	sub := b.Subscribe("tap", nil, 4)
	b.Close()

	if _, open := <-sub.C; open {
		t.Error("close should close subscriber channels")
	}
	if _, err := b.Publish("a", "x", nil); err != ErrBusClosed {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}

	late := b.Subscribe("late", nil, 4)
	if _, open := <-late.C; open {
		t.Error("subscribe after close should return a closed tap")
	}
}
