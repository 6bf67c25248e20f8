// Package platform defines the adapter contract both chat platforms
// implement. Wire-protocol details stay inside the adapters; the bridge
// pipeline only sees unified messages and receipts.
package platform

import (
	"context"
	"fmt"

	"github.com/astrobridge/qtbridge/pkg/message"
)

// Receipt acknowledges one native send call. A single unified message may
// expand into several native calls and therefore several receipts.
type Receipt struct {
	MessageID string `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
}

// Error is the failure shape adapters surface. Retryable failures are the
// adapter's own responsibility to retry; the pipeline only records them.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("platform: %s: %v", e.Code, e.Err)
	}
	return "platform: " + e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Common error codes.
const (
	CodeNetwork     = "network"
	CodeRateLimited = "rate_limited"
	CodeRejected    = "rejected"
	CodeNotFound    = "not_found"
)

// InboundKind classifies adapter events.
type InboundKind string

const (
	InboundMessage InboundKind = "message"
	InboundRecall  InboundKind = "recall"
)

// Inbound is one event emitted by an adapter. Message is set for
// InboundMessage; RecalledID and Chat are set for InboundRecall.
type Inbound struct {
	Kind       InboundKind
	Message    *message.UnifiedMessage
	RecalledID string
	Chat       message.Chat
}

// Sender is the outbound half of the adapter contract.
type Sender interface {
	// SendMessage converts and delivers a content sequence to a native
	// chat, returning one receipt per native call made.
	SendMessage(ctx context.Context, chat message.Chat, contents []message.Content) ([]Receipt, error)
	// DownloadMedia materializes a media reference into bytes.
	DownloadMedia(ctx context.Context, ref message.MediaRef) ([]byte, error)
}

// ForwardFetcher is implemented by adapters that can materialize the
// nested history behind a forward resource id.
type ForwardFetcher interface {
	FetchForwardBundle(ctx context.Context, resourceID string) ([]message.UnifiedMessage, error)
}

// Adapter is the full per-platform contract: a lifecycle, an inbound
// event stream and the outbound Sender surface.
type Adapter interface {
	Sender
	Platform() message.Platform
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Inbound returns the event stream. The channel is closed when the
	// adapter stops.
	Inbound() <-chan Inbound
}
