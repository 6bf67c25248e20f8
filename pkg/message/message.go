// Package message defines the unified message model shared by both
// platform converters. A UnifiedMessage is the only shape that crosses
// the bridge: each platform converts into it on the way in and out of
// it on the way out.
package message

import (
	"strings"
	"time"
)

// Platform tags the origin side of a message.
type Platform string

const (
	PlatformQQ       Platform = "qq"
	PlatformTelegram Platform = "telegram"
)

func (p Platform) String() string { return string(p) }

// ChatType classifies the conversation a message belongs to.
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
	ChatDiscuss ChatType = "discuss"
)

// Sender identifies who produced a message. IDs are 64-bit on both
// platforms.
type Sender struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Bot    bool   `json:"bot,omitempty"`
}

// Chat identifies the conversation. ThreadID is Telegram-only; zero means
// "no thread" (0, null and absent are treated identically).
type Chat struct {
	ID       int64    `json:"id"`
	Type     ChatType `json:"type"`
	Name     string   `json:"name,omitempty"`
	ThreadID int64    `json:"thread_id,omitempty"`
}

// MediaRef points at media content without materializing it. Exactly one
// of URL, FileID or Data is normally set; conversion never downloads
// bytes the caller has not asked for.
type MediaRef struct {
	URL    string `json:"url,omitempty"`
	FileID string `json:"file_id,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

// IsZero reports whether the ref points at nothing.
func (r MediaRef) IsZero() bool {
	return r.URL == "" && r.FileID == "" && len(r.Data) == 0
}

// Meta carries optional bookkeeping that rides along with a message.
type Meta struct {
	RawRef   string `json:"raw_ref,omitempty"`
	Edited   bool   `json:"edited,omitempty"`
	Recalled bool   `json:"recalled,omitempty"`
}

// UnifiedMessage is the cross-platform message representation.
// Contents is non-empty on any successfully converted message and
// preserves the native ordering.
type UnifiedMessage struct {
	ID       string    `json:"id"`
	Platform Platform  `json:"platform"`
	Sender   Sender    `json:"sender"`
	Chat     Chat      `json:"chat"`
	Contents []Content `json:"contents"`
	Time     time.Time `json:"time"`
	Meta     *Meta     `json:"meta,omitempty"`
}

// PlainText concatenates the text-bearing content items. Used for
// ignore-regex matching and log previews.
func (m *UnifiedMessage) PlainText() string {
	var b strings.Builder
	for _, c := range m.Contents {
		switch d := c.Data.(type) {
		case Text:
			b.WriteString(d.Text)
		case Markdown:
			b.WriteString(d.Text)
		case At:
			b.WriteString("@" + d.Name)
		}
	}
	return b.String()
}

// ForwardItems returns pointers to every forward-typed content item,
// including items nested inside forwarded bundles, in document order.
func (m *UnifiedMessage) ForwardItems() []*Forward {
	var out []*Forward
	for i := range m.Contents {
		fwd, ok := m.Contents[i].Data.(*Forward)
		if !ok {
			continue
		}
		out = append(out, fwd)
		for j := range fwd.Messages {
			out = append(out, fwd.Messages[j].ForwardItems()...)
		}
	}
	return out
}
