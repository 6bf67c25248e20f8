package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/astrobridge/qtbridge/pkg/bus"
	"github.com/astrobridge/qtbridge/pkg/forward"
	"github.com/astrobridge/qtbridge/pkg/message"
	"github.com/astrobridge/qtbridge/pkg/pairs"
	"github.com/astrobridge/qtbridge/pkg/platform"
)

// --- fakes ---

type sentMessage struct {
	chat     message.Chat
	contents []message.Content
}

type fakeAdapter struct {
	plat    message.Platform
	inbound chan platform.Inbound

	mu      sync.Mutex
	sent    []sentMessage
	sendErr error
}

func newFakeAdapter(p message.Platform) *fakeAdapter {
	return &fakeAdapter{plat: p, inbound: make(chan platform.Inbound, 8)}
}

func (f *fakeAdapter) Platform() message.Platform       { return f.plat }
func (f *fakeAdapter) Start(context.Context) error      { return nil }
func (f *fakeAdapter) Stop(context.Context) error       { return nil }
func (f *fakeAdapter) Inbound() <-chan platform.Inbound { return f.inbound }

func (f *fakeAdapter) SendMessage(_ context.Context, chat message.Chat, contents []message.Content) ([]platform.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, sentMessage{chat: chat, contents: contents})
	return []platform.Receipt{{MessageID: "sent-1", ChatID: chat.ID}}, nil
}

func (f *fakeAdapter) DownloadMedia(context.Context, message.MediaRef) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage{}, f.sent...)
}

type fetchingAdapter struct {
	*fakeAdapter
	bundles map[string][]message.UnifiedMessage
}

func (f *fetchingAdapter) FetchForwardBundle(_ context.Context, resourceID string) ([]message.UnifiedMessage, error) {
	b, ok := f.bundles[resourceID]
	if !ok {
		return nil, errors.New("no such bundle")
	}
	return b, nil
}

type pairRepo struct {
	nextID  int64
	records map[int64]pairs.Pair
}

func newPairRepo() *pairRepo {
	return &pairRepo{nextID: 1, records: make(map[int64]pairs.Pair)}
}

func (m *pairRepo) ListPairs(_ context.Context, instanceID string) ([]pairs.Pair, error) {
	var out []pairs.Pair
	for id := int64(1); id < m.nextID; id++ {
		if p, ok := m.records[id]; ok && p.InstanceID == instanceID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *pairRepo) InsertPair(_ context.Context, p *pairs.Pair) error {
	p.ID = m.nextID
	m.nextID++
	m.records[p.ID] = *p
	return nil
}

func (m *pairRepo) UpdatePair(_ context.Context, p *pairs.Pair) error {
	m.records[p.ID] = *p
	return nil
}

func (m *pairRepo) DeletePair(_ context.Context, id int64) error {
	delete(m.records, id)
	return nil
}

type fwdRepo struct {
	records map[string]*forward.Multiple
}

func (m *fwdRepo) FindMultipleByResource(_ context.Context, instanceID, resourceID string) (*forward.Multiple, error) {
	return m.records[instanceID+"/"+resourceID], nil
}

func (m *fwdRepo) InsertMultiple(_ context.Context, rec *forward.Multiple) error {
	m.records[rec.InstanceID+"/"+rec.ResourceID] = rec
	return nil
}

// --- harness ---

type harness struct {
	inst *Instance
	qq   *fakeAdapter
	tg   *fakeAdapter
	bus  *bus.Bus
	sub  *bus.Subscription
	repo *pairRepo
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	repo := newPairRepo()
	reg := pairs.NewRegistry("main", repo)
	res := forward.NewResolver("main", &fwdRepo{records: make(map[string]*forward.Multiple)})
	b := bus.New()
	qq := newFakeAdapter(message.PlatformQQ)
	tg := newFakeAdapter(message.PlatformTelegram)

	inst := NewInstance("main", qq, tg, reg, res, b, opts)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	t.Cleanup(b.Close)
	return &harness{
		inst: inst,
		qq:   qq,
		tg:   tg,
		bus:  b,
		sub:  b.Subscribe("test", nil, 32),
		repo: repo,
	}
}

func (h *harness) addPair(t *testing.T, qqRoom, tgChat, tgThread int64) *pairs.Pair {
	t.Helper()
	p, err := h.inst.registry.Add(context.Background(), qqRoom, tgChat, tgThread)
	if err != nil {
		t.Fatalf("add pair: %v", err)
	}
	return p
}

func (h *harness) nextEvent(t *testing.T) bus.Event {
	t.Helper()
	select {
	case ev := <-h.sub.C:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return bus.Event{}
	}
}

func qqInbound(room, sender int64, name, text string) platform.Inbound {
	return platform.Inbound{
		Kind: platform.InboundMessage,
		Message: &message.UnifiedMessage{
			ID:       "m1",
			Platform: message.PlatformQQ,
			Sender:   message.Sender{ID: sender, Name: name},
			Chat:     message.Chat{ID: room, Type: message.ChatGroup},
			Contents: []message.Content{message.NewText(text)},
			Time:     time.Now(),
		},
	}
}

func tgInbound(chat, thread, sender int64, text string) platform.Inbound {
	return platform.Inbound{
		Kind: platform.InboundMessage,
		Message: &message.UnifiedMessage{
			ID:       "m2",
			Platform: message.PlatformTelegram,
			Sender:   message.Sender{ID: sender, Name: "tg-user"},
			Chat:     message.Chat{ID: chat, Type: message.ChatGroup, ThreadID: thread},
			Contents: []message.Content{message.NewText(text)},
			Time:     time.Now(),
		},
	}
}

// --- tests ---

func TestForwardQQToTelegram(t *testing.T) {
	h := newHarness(t, Options{})
	h.addPair(t, 100, -200, 5)

	h.inst.handleInbound(context.Background(), qqInbound(100, 7, "alice", "hello"))

	sent := h.tg.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected one telegram send, got %d", len(sent))
	}
	if sent[0].chat.ID != -200 || sent[0].chat.ThreadID != 5 {
		t.Errorf("routed to wrong target: %+v", sent[0].chat)
	}
	prefix := sent[0].contents[0].Data.(message.Text)
	if prefix.Text != "alice: " {
		t.Errorf("nickname prefix: %q", prefix.Text)
	}

	ev := h.nextEvent(t)
	if ev.Type != EventMessageCreated {
		t.Fatalf("expected message.created, got %s", ev.Type)
	}
	payload := ev.Payload.(map[string]interface{})
	if payload["forwarded"] != true {
		t.Error("event should record the forward")
	}
}

func TestForwardTelegramToQQWithThreadFallback(t *testing.T) {
	h := newHarness(t, Options{NicknameMode: "none"})
	h.addPair(t, 100, -200, 5)

	// Message lands in a different thread; routing falls back to the
	// chat-level entry.
	h.inst.handleInbound(context.Background(), tgInbound(-200, 9, 42, "hi qq"))

	sent := h.qq.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected one qq send, got %d", len(sent))
	}
	if sent[0].chat.ID != 100 {
		t.Errorf("routed to wrong room: %+v", sent[0].chat)
	}
	if text := sent[0].contents[0].Data.(message.Text); text.Text != "hi qq" {
		t.Errorf("nickname-mode none should not prefix: %q", text.Text)
	}
}

func TestUnpairedDropsSilentlyButPublishes(t *testing.T) {
	h := newHarness(t, Options{})

	h.inst.handleInbound(context.Background(), qqInbound(999, 7, "alice", "hello"))

	if len(h.tg.sentMessages()) != 0 {
		t.Error("unpaired message must not be forwarded")
	}
	ev := h.nextEvent(t)
	if ev.Type != EventMessageCreated {
		t.Fatalf("message.created must be published regardless, got %s", ev.Type)
	}
	payload := ev.Payload.(map[string]interface{})
	if payload["forwarded"] != false {
		t.Error("event should record the drop")
	}
	if h.inst.Status()["dropped"].(uint64) != 1 {
		t.Error("dropped counter not bumped")
	}
}

func TestIgnoreRegexSkipsForward(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.addPair(t, 100, -200, 0)

	regex := "^/cmd"
	updated := *p
	updated.IgnoreRegex = &regex
	h.repo.UpdatePair(context.Background(), &updated)
	h.inst.registry.Reload(context.Background())

	h.inst.handleInbound(context.Background(), qqInbound(100, 7, "alice", "/cmd secret"))

	if len(h.tg.sentMessages()) != 0 {
		t.Error("ignore-regex match must skip forwarding")
	}
	if ev := h.nextEvent(t); ev.Type != EventMessageCreated {
		t.Errorf("message.created still expected, got %s", ev.Type)
	}
}

func TestIgnoreSendersSkipsForward(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.addPair(t, 100, -200, 0)

	updated := *p
	updated.IgnoreSenders = []int64{7}
	h.repo.UpdatePair(context.Background(), &updated)
	h.inst.registry.Reload(context.Background())

	h.inst.handleInbound(context.Background(), qqInbound(100, 7, "alice", "hello"))
	if len(h.tg.sentMessages()) != 0 {
		t.Error("ignored sender must not be forwarded")
	}

	h.nextEvent(t)
	h.inst.handleInbound(context.Background(), qqInbound(100, 8, "bob", "hello"))
	if len(h.tg.sentMessages()) != 1 {
		t.Error("other senders still forward")
	}
}

func TestMuteFlagSkipsDirection(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.addPair(t, 100, -200, 0)

	updated := *p
	updated.Flags = pairs.FlagMuteQQ
	h.repo.UpdatePair(context.Background(), &updated)
	h.inst.registry.Reload(context.Background())

	h.inst.handleInbound(context.Background(), qqInbound(100, 7, "alice", "hello"))
	if len(h.tg.sentMessages()) != 0 {
		t.Error("muted direction must not forward")
	}

	h.inst.handleInbound(context.Background(), tgInbound(-200, 0, 42, "reverse"))
	if len(h.qq.sentMessages()) != 1 {
		t.Error("other direction still forwards")
	}
}

func TestSendFailurePublishesFailureEvent(t *testing.T) {
	h := newHarness(t, Options{})
	h.addPair(t, 100, -200, 0)
	h.tg.sendErr = errors.New("boom")

	h.inst.handleInbound(context.Background(), qqInbound(100, 7, "alice", "hello"))

	first := h.nextEvent(t)
	second := h.nextEvent(t)
	types := map[string]bool{first.Type: true, second.Type: true}
	if !types[EventMessageFailed] || !types[EventMessageCreated] {
		t.Errorf("expected failure + created events, got %s, %s", first.Type, second.Type)
	}
	if h.inst.Status()["failed"].(uint64) != 1 {
		t.Error("failed counter not bumped")
	}
}

func TestRecallPublishesEvent(t *testing.T) {
	h := newHarness(t, Options{})

	h.inst.handleInbound(context.Background(), platform.Inbound{
		Kind:       platform.InboundRecall,
		RecalledID: "m9",
		Chat:       message.Chat{ID: 100, Type: message.ChatGroup},
	})

	ev := h.nextEvent(t)
	if ev.Type != EventMessageRecalled {
		t.Fatalf("expected message.recalled, got %s", ev.Type)
	}
}

func TestForwardBundleMaterialized(t *testing.T) {
	repo := newPairRepo()
	reg := pairs.NewRegistry("main", repo)
	res := forward.NewResolver("main", &fwdRepo{records: make(map[string]*forward.Multiple)})
	b := bus.New()
	t.Cleanup(b.Close)

	qqFake := &fetchingAdapter{
		fakeAdapter: newFakeAdapter(message.PlatformQQ),
		bundles: map[string][]message.UnifiedMessage{
			"res-1": {
				{ID: "n1", Platform: message.PlatformQQ, Contents: []message.Content{message.NewText("one")}},
				{ID: "n2", Platform: message.PlatformQQ, Contents: []message.Content{message.NewText("two")}},
			},
		},
	}
	tgFake := newFakeAdapter(message.PlatformTelegram)
	inst := NewInstance("main", qqFake, tgFake, reg, res, b, Options{NicknameMode: "none"})
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := reg.Add(context.Background(), 100, -200, 0); err != nil {
		t.Fatalf("add pair: %v", err)
	}

	fwd := &message.Forward{ResourceID: "res-1"}
	inst.handleInbound(context.Background(), platform.Inbound{
		Kind: platform.InboundMessage,
		Message: &message.UnifiedMessage{
			ID:       "m1",
			Platform: message.PlatformQQ,
			Sender:   message.Sender{ID: 7, Name: "alice"},
			Chat:     message.Chat{ID: 100, Type: message.ChatGroup},
			Contents: []message.Content{message.NewContent(fwd)},
			Time:     time.Now(),
		},
	})

	if len(fwd.Messages) != 2 {
		t.Fatalf("bundle not materialized: %d messages", len(fwd.Messages))
	}
	if fwd.StableID == "" {
		t.Error("stable id not assigned")
	}

	sent := tgFake.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected one telegram send, got %d", len(sent))
	}
	got := sent[0].contents[0].Data.(*message.Forward)
	if len(got.Messages) != 2 {
		t.Errorf("forwarded copy should carry the nested history, got %d", len(got.Messages))
	}
}

func TestRegistryErrorStillPublishesCreated(t *testing.T) {
	// Registry deliberately left unloaded so the lookup fails.
	repo := newPairRepo()
	reg := pairs.NewRegistry("main", repo)
	res := forward.NewResolver("main", &fwdRepo{records: make(map[string]*forward.Multiple)})
	b := bus.New()
	t.Cleanup(b.Close)
	sub := b.Subscribe("test", nil, 8)

	qqFake := newFakeAdapter(message.PlatformQQ)
	tgFake := newFakeAdapter(message.PlatformTelegram)
	inst := NewInstance("main", qqFake, tgFake, reg, res, b, Options{})

	inst.handleInbound(context.Background(), qqInbound(100, 7, "alice", "hello"))

	if len(tgFake.sentMessages()) != 0 {
		t.Error("nothing should be forwarded on a lookup failure")
	}

	select {
	case ev := <-sub.C:
		if ev.Type != EventMessageCreated {
			t.Fatalf("expected message.created, got %s", ev.Type)
		}
		if ev.Payload.(map[string]interface{})["forwarded"] != false {
			t.Error("event should record the non-forward")
		}
	case <-time.After(time.Second):
		t.Fatal("message.created must be published on lookup failure too")
	}

	if inst.Status()["dropped"].(uint64) != 0 {
		t.Error("a lookup failure is not an unpaired drop")
	}
}

func TestHandleCallSurface(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	added, err := h.inst.HandleCall(ctx, "pairs.add",
		json.RawMessage(`{"qq_room_id":100,"tg_chat_id":-200,"tg_thread_id":3}`))
	if err != nil {
		t.Fatalf("pairs.add: %v", err)
	}
	if added.(map[string]interface{})["qq_room_id"].(int64) != 100 {
		t.Errorf("pairs.add result: %+v", added)
	}

	listed, err := h.inst.HandleCall(ctx, "pairs.list", nil)
	if err != nil {
		t.Fatalf("pairs.list: %v", err)
	}
	if len(listed.([]map[string]interface{})) != 1 {
		t.Errorf("pairs.list: %+v", listed)
	}

	status, err := h.inst.HandleCall(ctx, "instance.status", nil)
	if err != nil {
		t.Fatalf("instance.status: %v", err)
	}
	if status.(map[string]interface{})["pairs"].(int) != 1 {
		t.Errorf("status pairs: %+v", status)
	}

	removed, err := h.inst.HandleCall(ctx, "pairs.remove", json.RawMessage(`{"qq_room_id":100}`))
	if err != nil {
		t.Fatalf("pairs.remove: %v", err)
	}
	if removed.(map[string]interface{})["removed"] != true {
		t.Errorf("pairs.remove: %+v", removed)
	}

	if _, err := h.inst.HandleCall(ctx, "bogus.action", nil); err == nil {
		t.Error("unknown action should error")
	}
}

func TestHandleCallMessageSend(t *testing.T) {
	h := newHarness(t, Options{})

	params := `{"platform":"telegram","chat":{"id":-200,"type":"group"},"contents":[{"type":"text","data":{"text":"injected"}}]}`
	res, err := h.inst.HandleCall(context.Background(), "message.send", json.RawMessage(params))
	if err != nil {
		t.Fatalf("message.send: %v", err)
	}
	if res == nil {
		t.Fatal("expected receipts")
	}
	sent := h.tg.sentMessages()
	if len(sent) != 1 || sent[0].chat.ID != -200 {
		t.Fatalf("injected send missing: %+v", sent)
	}
	if text := sent[0].contents[0].Data.(message.Text); text.Text != "injected" {
		t.Errorf("payload: %q", text.Text)
	}
}
