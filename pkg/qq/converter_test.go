package qq

import (
	"testing"

	"github.com/astrobridge/qtbridge/pkg/message"
)

func groupMessage(segs ...Segment) *Message {
	return &Message{
		MessageID: "4242",
		Type:      MessageGroup,
		GroupID:   100,
		UserID:    555,
		Sender:    SenderInfo{UserID: 555, Nickname: "alice", Card: "Alice"},
		Time:      1700000000,
		Segments:  segs,
	}
}

func TestFromNativeGroupText(t *testing.T) {
	var conv Converter
	msg, err := conv.FromNative(groupMessage(TextSeg{Text: "hello"}, AtSeg{Target: "777"}))
	if err != nil {
		t.Fatalf("from native: %v", err)
	}

	if msg.Platform != message.PlatformQQ {
		t.Errorf("expected qq platform, got %s", msg.Platform)
	}
	if msg.Chat.ID != 100 || msg.Chat.Type != message.ChatGroup {
		t.Errorf("unexpected chat: %+v", msg.Chat)
	}
	if msg.Sender.Name != "Alice" {
		t.Errorf("card should win over nickname, got %q", msg.Sender.Name)
	}
	if len(msg.Contents) != 2 {
		t.Fatalf("expected 2 contents, got %d", len(msg.Contents))
	}
	if msg.Contents[0].Type != message.ContentText || msg.Contents[1].Type != message.ContentAt {
		t.Errorf("order not preserved: %s, %s", msg.Contents[0].Type, msg.Contents[1].Type)
	}
	at := msg.Contents[1].Data.(message.At)
	if at.Target != 777 {
		t.Errorf("at target: got %d", at.Target)
	}
}

func TestFromNativePrivateChat(t *testing.T) {
	var conv Converter
	m := groupMessage(TextSeg{Text: "hi"})
	m.Type = MessagePrivate
	m.GroupID = 0

	msg, err := conv.FromNative(m)
	if err != nil {
		t.Fatalf("from native: %v", err)
	}
	if msg.Chat.Type != message.ChatPrivate || msg.Chat.ID != 555 {
		t.Errorf("unexpected chat: %+v", msg.Chat)
	}
}

func TestFromNativeEmpty(t *testing.T) {
	var conv Converter
	if _, err := conv.FromNative(groupMessage()); err == nil {
		t.Error("expected error for message with no segments")
	}
}

func TestFromNativeUnknownSegmentDegrades(t *testing.T) {
	var conv Converter
	msg, err := conv.FromNative(groupMessage(TextSeg{Text: "a"}, UnknownSeg{Kind: "shake"}))
	if err != nil {
		t.Fatalf("from native: %v", err)
	}
	if len(msg.Contents) != 2 {
		t.Fatalf("expected placeholder to keep the message intact, got %d items", len(msg.Contents))
	}
	if msg.Contents[1].Type != message.ContentText {
		t.Errorf("placeholder should be text, got %s", msg.Contents[1].Type)
	}
}

// Kind and primary payload must survive a convert-and-back cycle.
func TestRoundTripPreservesKinds(t *testing.T) {
	var conv Converter

	native := groupMessage(
		TextSeg{Text: "look at this"},
		ImageSeg{File: "abc.image", URL: "https://gchat.example/abc"},
		FaceSeg{ID: 14},
		ReplySeg{ID: "9001"},
	)

	unified, err := conv.FromNative(native)
	if err != nil {
		t.Fatalf("from native: %v", err)
	}

	payloads, err := conv.ToNative(unified)
	if err != nil {
		t.Fatalf("to native: %v", err)
	}
	if len(payloads) != 1 {
		t.Fatalf("expected one payload, got %d", len(payloads))
	}

	segs := payloads[0]
	if len(segs) != len(native.Segments) {
		t.Fatalf("expected %d segments, got %d", len(native.Segments), len(segs))
	}

	if got := segs[0].(TextSeg); got.Text != "look at this" {
		t.Errorf("text payload: %q", got.Text)
	}
	if got := segs[1].(ImageSeg); got.File != "abc.image" {
		t.Errorf("image file ref: %q", got.File)
	}
	if got := segs[2].(FaceSeg); got.ID != 14 {
		t.Errorf("face id: %d", got.ID)
	}
	if got := segs[3].(ReplySeg); got.ID != "9001" {
		t.Errorf("reply id: %q", got.ID)
	}
}

// A reply carried over from Telegram holds a Telegram message id; a
// native reply segment with it would be rejected.
func TestToNativeCrossPlatformReplyQuotes(t *testing.T) {
	var conv Converter
	payloads, err := conv.ToNative(&message.UnifiedMessage{
		Contents: []message.Content{
			message.NewContent(message.Reply{
				MessageID: "88",
				Platform:  message.PlatformTelegram,
				Excerpt:   "original line",
			}),
			message.NewContent(message.Text{Text: "agreed"}),
		},
	})
	if err != nil {
		t.Fatalf("to native: %v", err)
	}
	segs := payloads[0]
	if _, ok := segs[0].(ReplySeg); ok {
		t.Fatal("telegram message id must not become a reply segment")
	}
	if got := segs[0].(TextSeg); got.Text != "> original line\n" {
		t.Errorf("reply should degrade to a quote: %q", got.Text)
	}
}

func TestToNativeFileDegrades(t *testing.T) {
	var conv Converter
	payloads, err := conv.ToNative(&message.UnifiedMessage{
		Contents: []message.Content{
			message.NewContent(message.File{
				Ref:  message.MediaRef{URL: "https://example.com/doc.pdf"},
				Name: "doc.pdf",
			}),
		},
	})
	if err != nil {
		t.Fatalf("to native: %v", err)
	}
	seg, ok := payloads[0][0].(TextSeg)
	if !ok {
		t.Fatalf("expected file to degrade to text, got %T", payloads[0][0])
	}
	if seg.Text != "[file] doc.pdf https://example.com/doc.pdf" {
		t.Errorf("unexpected degradation: %q", seg.Text)
	}
}

func TestDecodeSegmentWire(t *testing.T) {
	seg := decodeSegment(wireSegment{Type: "at", Data: map[string]any{"qq": float64(123)}})
	at, ok := seg.(AtSeg)
	if !ok {
		t.Fatalf("expected AtSeg, got %T", seg)
	}
	if at.Target != "123" {
		t.Errorf("numeric qq field should decode to string, got %q", at.Target)
	}

	seg = decodeSegment(wireSegment{Type: "poke", Data: nil})
	if _, ok := seg.(UnknownSeg); !ok {
		t.Errorf("expected UnknownSeg for unmapped type, got %T", seg)
	}
}
