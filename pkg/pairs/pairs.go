// Package pairs holds the forward-pair records and the per-instance
// registry that routes every inbound message. A pair binds one QQ room
// to one Telegram chat (optionally a specific topic thread).
package pairs

import (
	"context"
	"errors"
)

// ErrNotLoaded is returned by lookups before Load has completed. It marks
// a wiring bug: the caller started routing before the registry was built.
var ErrNotLoaded = errors.New("pairs: registry not loaded")

// Flags is the per-pair toggle set.
type Flags uint32

const (
	// FlagDisabled suspends forwarding in both directions.
	FlagDisabled Flags = 1 << iota
	// FlagMuteQQ suppresses QQ → Telegram forwarding.
	FlagMuteQQ
	// FlagMuteTG suppresses Telegram → QQ forwarding.
	FlagMuteTG
)

// Has reports whether all bits of f are set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

// Pair is one persisted forward binding. TGThreadID zero means the whole
// chat. The policy overrides are nullable: nil means "instance default".
type Pair struct {
	ID         int64
	InstanceID string
	QQRoomID   int64
	TGChatID   int64
	TGThreadID int64
	Key        string
	Flags      Flags

	IgnoreRegex   *string
	IgnoreSenders []int64
	ForwardMode   *string
	NicknameMode  *string
	CommandReply  *bool
}

// IgnoresSender reports whether uin is on the pair's ignore list.
func (p *Pair) IgnoresSender(uin int64) bool {
	for _, id := range p.IgnoreSenders {
		if id == uin {
			return true
		}
	}
	return false
}

// Repository is the persistence contract the registry is built over.
type Repository interface {
	ListPairs(ctx context.Context, instanceID string) ([]Pair, error)
	InsertPair(ctx context.Context, p *Pair) error
	UpdatePair(ctx context.Context, p *Pair) error
	DeletePair(ctx context.Context, id int64) error
}

// Selector is the closed set of lookup keys accepted by Registry.Find.
type Selector interface {
	selector()
}

// ByQQ selects by QQ room id.
type ByQQ struct{ RoomID int64 }

// ByTG selects by Telegram chat and thread. ThreadID zero matches the
// chat-level entry.
type ByTG struct {
	ChatID   int64
	ThreadID int64
}

// ByID selects by the pair's persisted id.
type ByID struct{ ID int64 }

func (ByQQ) selector() {}
func (ByTG) selector() {}
func (ByID) selector() {}
