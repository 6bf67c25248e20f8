package telegram

import (
	"testing"

	"github.com/mymmrac/telego"

	"github.com/astrobridge/qtbridge/pkg/message"
)

func nativeMessage() *telego.Message {
	return &telego.Message{
		MessageID: 88,
		Date:      1700000000,
		From:      &telego.User{ID: 42, FirstName: "Bob", LastName: "K"},
		Chat:      telego.Chat{ID: -100123, Type: telego.ChatTypeSupergroup, Title: "bridge chat"},
	}
}

func TestFromNativeText(t *testing.T) {
	var conv Converter
	native := nativeMessage()
	native.Text = "hello there"

	msg, err := conv.FromNative(native)
	if err != nil {
		t.Fatalf("from native: %v", err)
	}
	if msg.Platform != message.PlatformTelegram {
		t.Errorf("platform: %s", msg.Platform)
	}
	if msg.Chat.ID != -100123 || msg.Chat.Type != message.ChatGroup {
		t.Errorf("unexpected chat: %+v", msg.Chat)
	}
	if msg.Sender.Name != "Bob K" {
		t.Errorf("sender name: %q", msg.Sender.Name)
	}
	if len(msg.Contents) != 1 || msg.Contents[0].Type != message.ContentText {
		t.Fatalf("unexpected contents: %+v", msg.Contents)
	}
}

func TestFromNativeTopicThread(t *testing.T) {
	var conv Converter

	native := nativeMessage()
	native.Text = "in topic"
	native.MessageThreadID = 77
	native.IsTopicMessage = true

	msg, err := conv.FromNative(native)
	if err != nil {
		t.Fatalf("from native: %v", err)
	}
	if msg.Chat.ThreadID != 77 {
		t.Errorf("thread id: %d", msg.Chat.ThreadID)
	}

	// A reply in a general-chat message reuses MessageThreadID for the
	// replied-to id; it must not leak into the thread field.
	native.IsTopicMessage = false
	msg, err = conv.FromNative(native)
	if err != nil {
		t.Fatalf("from native: %v", err)
	}
	if msg.Chat.ThreadID != 0 {
		t.Errorf("non-topic message should have no thread, got %d", msg.Chat.ThreadID)
	}
}

func TestFromNativePhotoWithCaption(t *testing.T) {
	var conv Converter

	native := nativeMessage()
	native.Photo = []telego.PhotoSize{
		{FileID: "small", Width: 90, Height: 90},
		{FileID: "big", Width: 1280, Height: 720},
	}
	native.Caption = "look"

	msg, err := conv.FromNative(native)
	if err != nil {
		t.Fatalf("from native: %v", err)
	}
	if len(msg.Contents) != 2 {
		t.Fatalf("expected image+caption, got %d items", len(msg.Contents))
	}
	img := msg.Contents[0].Data.(message.Image)
	if img.Ref.FileID != "big" {
		t.Errorf("should pick the largest photo size, got %q", img.Ref.FileID)
	}
	if msg.Contents[1].Data.(message.Text).Text != "look" {
		t.Errorf("caption should follow the media item")
	}
}

func TestFromNativeChannelPostSender(t *testing.T) {
	var conv Converter
	native := nativeMessage()
	native.From = nil
	native.Text = "announcement"

	msg, err := conv.FromNative(native)
	if err != nil {
		t.Fatalf("from native: %v", err)
	}
	if msg.Sender.ID != -100123 || msg.Sender.Name != "bridge chat" {
		t.Errorf("channel post should fall back to chat identity: %+v", msg.Sender)
	}
}

func TestFromNativeEmpty(t *testing.T) {
	var conv Converter
	if _, err := conv.FromNative(nativeMessage()); err == nil {
		t.Error("expected error for contentless update")
	}
}

func TestToNativeTextAccumulates(t *testing.T) {
	var conv Converter
	payloads, err := conv.ToNative(&message.UnifiedMessage{
		Contents: []message.Content{
			message.NewText("hi "),
			message.NewContent(message.At{Target: 9, Name: "carol"}),
			message.NewText(" bye"),
		},
	})
	if err != nil {
		t.Fatalf("to native: %v", err)
	}
	if len(payloads) != 1 {
		t.Fatalf("expected one payload, got %d", len(payloads))
	}
	text := payloads[0].(SendText)
	if text.Text != "hi @carol bye" {
		t.Errorf("accumulated text: %q", text.Text)
	}
}

func TestToNativeCaptionFolding(t *testing.T) {
	var conv Converter
	payloads, err := conv.ToNative(&message.UnifiedMessage{
		Contents: []message.Content{
			message.NewText("see this"),
			message.NewContent(message.Image{Ref: message.MediaRef{URL: "https://x/img.png"}}),
		},
	})
	if err != nil {
		t.Fatalf("to native: %v", err)
	}
	if len(payloads) != 1 {
		t.Fatalf("text should fold into the photo caption, got %d payloads", len(payloads))
	}
	photo := payloads[0].(SendPhoto)
	if photo.Caption != "see this" {
		t.Errorf("caption: %q", photo.Caption)
	}
}

func TestToNativeReplyThreading(t *testing.T) {
	var conv Converter
	payloads, err := conv.ToNative(&message.UnifiedMessage{
		Contents: []message.Content{
			message.NewContent(message.Reply{MessageID: "456"}),
			message.NewText("agreed"),
		},
	})
	if err != nil {
		t.Fatalf("to native: %v", err)
	}
	text := payloads[0].(SendText)
	if text.ReplyTo != 456 {
		t.Errorf("reply id: %d", text.ReplyTo)
	}
}

// A reply carried over from QQ holds a OneBot message id; using it as a
// native reply target would fail the whole send.
func TestToNativeCrossPlatformReplyQuotes(t *testing.T) {
	var conv Converter
	payloads, err := conv.ToNative(&message.UnifiedMessage{
		Contents: []message.Content{
			message.NewContent(message.Reply{
				MessageID: "12345",
				Platform:  message.PlatformQQ,
				Excerpt:   "original line",
			}),
			message.NewText("agreed"),
		},
	})
	if err != nil {
		t.Fatalf("to native: %v", err)
	}
	text := payloads[0].(SendText)
	if text.ReplyTo != 0 {
		t.Errorf("qq message id must not become a reply target, got %d", text.ReplyTo)
	}
	if text.Text != "> original line\nagreed" {
		t.Errorf("reply should degrade to a quote: %q", text.Text)
	}
}

func TestToNativeForwardDegrades(t *testing.T) {
	var conv Converter
	payloads, err := conv.ToNative(&message.UnifiedMessage{
		Contents: []message.Content{
			message.NewContent(&message.Forward{
				StableID: "fwd-1",
				Messages: make([]message.UnifiedMessage, 3),
			}),
		},
	})
	if err != nil {
		t.Fatalf("to native: %v", err)
	}
	text := payloads[0].(SendText)
	if text.Text != "[forwarded history fwd-1: 3 messages]" {
		t.Errorf("forward degradation: %q", text.Text)
	}
}
