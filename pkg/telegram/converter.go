// Package telegram implements the Telegram side of the bridge: a pure
// converter over telego's native message type and a telego-backed adapter.
package telegram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/astrobridge/qtbridge/pkg/message"
)

// ErrEmptyMessage is returned when a native message yields no content.
var ErrEmptyMessage = errors.New("telegram: message has no convertible content")

// SendPayload is the closed variant over native send calls. One unified
// message expands into an ordered sequence of these (a media-bearing
// message becomes several native calls).
type SendPayload interface {
	sendKind() string
}

type SendText struct {
	Text    string
	ReplyTo int
}

type SendPhoto struct {
	Ref     message.MediaRef
	Caption string
	Spoiler bool
	ReplyTo int
}

type SendVideo struct {
	Ref     message.MediaRef
	Caption string
	ReplyTo int
}

type SendAudio struct {
	Ref     message.MediaRef
	Voice   bool
	ReplyTo int
}

type SendDocument struct {
	Ref     message.MediaRef
	Name    string
	Caption string
	ReplyTo int
}

type SendSticker struct {
	Ref message.MediaRef
}

type SendLocation struct {
	Lat float64
	Lon float64
}

type SendDice struct {
	Emoji string
}

func (SendText) sendKind() string     { return "text" }
func (SendPhoto) sendKind() string    { return "photo" }
func (SendVideo) sendKind() string    { return "video" }
func (SendAudio) sendKind() string    { return "audio" }
func (SendDocument) sendKind() string { return "document" }
func (SendSticker) sendKind() string  { return "sticker" }
func (SendLocation) sendKind() string { return "location" }
func (SendDice) sendKind() string     { return "dice" }

// Converter translates between telego messages and the unified model.
// Stateless; safe for concurrent use.
type Converter struct{}

func chatType(t string) message.ChatType {
	if t == telego.ChatTypePrivate {
		return message.ChatPrivate
	}
	return message.ChatGroup
}

func chatName(c telego.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

func senderOf(m *telego.Message) message.Sender {
	if m.From == nil {
		// Channel posts and anonymous admins carry no user; fall back to
		// the chat identity.
		return message.Sender{ID: m.Chat.ID, Name: chatName(m.Chat)}
	}
	name := strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	if name == "" {
		name = m.From.Username
	}
	return message.Sender{ID: m.From.ID, Name: name, Bot: m.From.IsBot}
}

// FromNative converts an inbound Telegram message. Native ordering is
// reply, text, then the media attachment carried by the update.
func (Converter) FromNative(m *telego.Message) (*message.UnifiedMessage, error) {
	if m == nil {
		return nil, ErrEmptyMessage
	}

	var contents []message.Content

	if m.ReplyToMessage != nil {
		contents = append(contents, message.NewContent(message.Reply{
			MessageID: strconv.Itoa(m.ReplyToMessage.MessageID),
			Platform:  message.PlatformTelegram,
			SenderID:  replySender(m.ReplyToMessage),
			Excerpt:   excerpt(m.ReplyToMessage),
		}))
	}

	if m.Text != "" {
		contents = append(contents, message.NewText(m.Text))
	}

	contents = append(contents, mediaContents(m)...)

	if m.Caption != "" {
		contents = append(contents, message.NewText(m.Caption))
	}

	if len(contents) == 0 {
		return nil, ErrEmptyMessage
	}

	var threadID int64
	if m.IsTopicMessage {
		threadID = int64(m.MessageThreadID)
	}

	return &message.UnifiedMessage{
		ID:       strconv.Itoa(m.MessageID),
		Platform: message.PlatformTelegram,
		Sender:   senderOf(m),
		Chat: message.Chat{
			ID:       m.Chat.ID,
			Type:     chatType(m.Chat.Type),
			Name:     chatName(m.Chat),
			ThreadID: threadID,
		},
		Contents: contents,
		Time:     time.Unix(m.Date, 0),
	}, nil
}

func replySender(m *telego.Message) int64 {
	if m.From == nil {
		return 0
	}
	return m.From.ID
}

func excerpt(m *telego.Message) string {
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if len(text) > 80 {
		return text[:80]
	}
	return text
}

func mediaContents(m *telego.Message) []message.Content {
	var out []message.Content

	if len(m.Photo) > 0 {
		best := m.Photo[len(m.Photo)-1]
		out = append(out, message.NewContent(message.Image{
			Ref:     message.MediaRef{FileID: best.FileID},
			Width:   best.Width,
			Height:  best.Height,
			Spoiler: m.HasMediaSpoiler,
		}))
	}
	if m.Animation != nil {
		out = append(out, message.NewContent(message.Image{
			Ref:      message.MediaRef{FileID: m.Animation.FileID},
			Width:    m.Animation.Width,
			Height:   m.Animation.Height,
			Animated: true,
			Spoiler:  m.HasMediaSpoiler,
		}))
	}
	if m.Sticker != nil {
		out = append(out, message.NewContent(message.Sticker{
			Ref:     message.MediaRef{FileID: m.Sticker.FileID},
			Emoji:   m.Sticker.Emoji,
			SetName: m.Sticker.SetName,
		}))
	}
	if m.Video != nil {
		out = append(out, message.NewContent(message.Video{
			Ref:      message.MediaRef{FileID: m.Video.FileID},
			MIME:     m.Video.MimeType,
			Width:    m.Video.Width,
			Height:   m.Video.Height,
			Duration: m.Video.Duration,
		}))
	}
	if m.Voice != nil {
		out = append(out, message.NewContent(message.Audio{
			Ref:      message.MediaRef{FileID: m.Voice.FileID},
			MIME:     m.Voice.MimeType,
			Duration: m.Voice.Duration,
			Voice:    true,
		}))
	}
	if m.Audio != nil {
		out = append(out, message.NewContent(message.Audio{
			Ref:      message.MediaRef{FileID: m.Audio.FileID},
			MIME:     m.Audio.MimeType,
			Duration: m.Audio.Duration,
		}))
	}
	if m.Document != nil {
		out = append(out, message.NewContent(message.File{
			Ref:  message.MediaRef{FileID: m.Document.FileID},
			Name: m.Document.FileName,
			Size: m.Document.FileSize,
		}))
	}
	if m.Location != nil {
		out = append(out, message.NewContent(message.Location{
			Lat: m.Location.Latitude,
			Lon: m.Location.Longitude,
		}))
	}
	if m.Dice != nil {
		out = append(out, message.NewContent(message.Dice{
			Emoji: m.Dice.Emoji,
			Value: m.Dice.Value,
		}))
	}

	return out
}

// ToNative converts a unified message into an ordered sequence of native
// send payloads. Text accumulates into one payload; pending text becomes
// the caption of the next media item when possible.
func (Converter) ToNative(m *message.UnifiedMessage) ([]SendPayload, error) {
	if m == nil || len(m.Contents) == 0 {
		return nil, ErrEmptyMessage
	}

	var (
		out     []SendPayload
		text    strings.Builder
		replyTo int
	)

	flushText := func() {
		if text.Len() == 0 {
			return
		}
		out = append(out, SendText{Text: text.String(), ReplyTo: replyTo})
		text.Reset()
	}

	takeCaption := func() string {
		s := text.String()
		text.Reset()
		return s
	}

	for _, c := range m.Contents {
		switch d := c.Data.(type) {
		case message.Text:
			text.WriteString(d.Text)
		case message.Markdown:
			text.WriteString(d.Text)
		case message.At:
			if d.All {
				text.WriteString("@all")
			} else if d.Name != "" {
				text.WriteString("@" + d.Name)
			} else {
				text.WriteString("@" + strconv.FormatInt(d.Target, 10))
			}
		case message.Face:
			if d.Name != "" {
				text.WriteString("[" + d.Name + "]")
			} else {
				text.WriteString(fmt.Sprintf("[face:%d]", d.ID))
			}
		case message.Reply:
			if d.Platform != "" && d.Platform != message.PlatformTelegram {
				// The id belongs to another platform; a native reply
				// target would fail the whole send. Quote instead.
				if d.Excerpt != "" {
					text.WriteString("> " + d.Excerpt + "\n")
				}
			} else if id, err := strconv.Atoi(d.MessageID); err == nil {
				replyTo = id
			}
		case message.Image:
			out = append(out, SendPhoto{Ref: d.Ref, Caption: takeCaption(), Spoiler: d.Spoiler, ReplyTo: replyTo})
		case message.Sticker:
			flushText()
			out = append(out, SendSticker{Ref: d.Ref})
		case message.Video:
			out = append(out, SendVideo{Ref: d.Ref, Caption: takeCaption(), ReplyTo: replyTo})
		case message.Audio:
			flushText()
			out = append(out, SendAudio{Ref: d.Ref, Voice: d.Voice, ReplyTo: replyTo})
		case message.File:
			out = append(out, SendDocument{Ref: d.Ref, Name: d.Name, Caption: takeCaption(), ReplyTo: replyTo})
		case message.Location:
			flushText()
			out = append(out, SendLocation{Lat: d.Lat, Lon: d.Lon})
		case message.Dice:
			flushText()
			out = append(out, SendDice{Emoji: d.Emoji})
		case *message.Forward:
			label := d.StableID
			if label == "" {
				label = d.FileName
			}
			text.WriteString(fmt.Sprintf("[forwarded history %s: %d messages]", label, len(d.Messages)))
		default:
			text.WriteString(fmt.Sprintf("[unsupported: %s]", c.Type))
		}
	}

	flushText()

	if len(out) == 0 {
		return nil, ErrEmptyMessage
	}
	return out, nil
}
