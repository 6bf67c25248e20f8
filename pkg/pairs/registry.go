package pairs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/astrobridge/qtbridge/pkg/logger"
)

type tgKey struct {
	chat   int64
	thread int64
}

// snapshot is an immutable view over the pair set. Readers grab the
// current snapshot without locking; mutations build a fresh one and swap.
type snapshot struct {
	byQQ map[int64]*Pair
	byTG map[tgKey]*Pair
	// byTGChat is the chat-level fallback: the first pair loaded for a
	// chat, regardless of thread.
	byTGChat map[int64]*Pair
	byID     map[int64]*Pair
	order    []*Pair
}

func buildSnapshot(order []*Pair) *snapshot {
	s := &snapshot{
		byQQ:     make(map[int64]*Pair, len(order)),
		byTG:     make(map[tgKey]*Pair, len(order)),
		byTGChat: make(map[int64]*Pair, len(order)),
		byID:     make(map[int64]*Pair, len(order)),
		order:    order,
	}
	for _, p := range order {
		s.byQQ[p.QQRoomID] = p
		s.byTG[tgKey{p.TGChatID, p.TGThreadID}] = p
		if _, claimed := s.byTGChat[p.TGChatID]; !claimed {
			s.byTGChat[p.TGChatID] = p
		}
		s.byID[p.ID] = p
	}
	return s
}

// Registry is the per-instance routing index. Mutations serialize on an
// internal mutex; lookups read the current snapshot lock-free.
type Registry struct {
	instanceID string
	repo       Repository

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates an unloaded registry for one instance.
func NewRegistry(instanceID string, repo Repository) *Registry {
	return &Registry{instanceID: instanceID, repo: repo}
}

// Load fetches the instance's pairs and builds the indexes. Safe to call
// again; each call swaps in a complete snapshot.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloadLocked(ctx)
}

// Reload re-fetches from persistence and atomically replaces the indexes.
func (r *Registry) Reload(ctx context.Context) error {
	return r.Load(ctx)
}

func (r *Registry) reloadLocked(ctx context.Context) error {
	records, err := r.repo.ListPairs(ctx, r.instanceID)
	if err != nil {
		return fmt.Errorf("load pairs for %s: %w", r.instanceID, err)
	}

	order := make([]*Pair, len(records))
	for i := range records {
		order[i] = &records[i]
	}
	r.snap.Store(buildSnapshot(order))

	logger.InfoCF("pairs", "Registry loaded", map[string]interface{}{
		"instance": r.instanceID,
		"pairs":    len(order),
	})
	return nil
}

// FindByQQ returns the pair bound to the QQ room, or nil.
func (r *Registry) FindByQQ(roomID int64) (*Pair, error) {
	s := r.snap.Load()
	if s == nil {
		return nil, ErrNotLoaded
	}
	return s.byQQ[roomID], nil
}

// FindByTG returns the pair bound to the Telegram target. With exact set,
// only the (chat, thread) entry matches; otherwise a miss falls back to
// the chat-level entry.
func (r *Registry) FindByTG(chatID, threadID int64, exact bool) (*Pair, error) {
	s := r.snap.Load()
	if s == nil {
		return nil, ErrNotLoaded
	}
	if p, ok := s.byTG[tgKey{chatID, threadID}]; ok {
		return p, nil
	}
	if exact {
		return nil, nil
	}
	return s.byTGChat[chatID], nil
}

// Find resolves a selector. A nil selector resolves to nil, not an error.
func (r *Registry) Find(sel Selector) (*Pair, error) {
	if sel == nil {
		return nil, nil
	}
	s := r.snap.Load()
	if s == nil {
		return nil, ErrNotLoaded
	}
	switch v := sel.(type) {
	case ByQQ:
		return s.byQQ[v.RoomID], nil
	case ByTG:
		if p, ok := s.byTG[tgKey{v.ChatID, v.ThreadID}]; ok {
			return p, nil
		}
		return s.byTGChat[v.ChatID], nil
	case ByID:
		return s.byID[v.ID], nil
	default:
		return nil, nil
	}
}

// All returns the pairs in load order.
func (r *Registry) All() ([]*Pair, error) {
	s := r.snap.Load()
	if s == nil {
		return nil, ErrNotLoaded
	}
	return s.order, nil
}

// Add binds a QQ room to a Telegram target. Precedence: an identical
// existing binding is returned unchanged; a different binding for the same
// QQ room is updated in place; a Telegram target already claimed by
// another pair keeps its owner (the claim is returned unchanged).
func (r *Registry) Add(ctx context.Context, qqRoomID, tgChatID, tgThreadID int64) (*Pair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.snap.Load()
	if s == nil {
		return nil, ErrNotLoaded
	}

	existing := s.byQQ[qqRoomID]
	if existing != nil && existing.TGChatID == tgChatID && existing.TGThreadID == tgThreadID {
		return existing, nil
	}

	if owner := s.byTG[tgKey{tgChatID, tgThreadID}]; owner != nil && owner != existing {
		return owner, nil
	}

	if existing == nil {
		created := &Pair{
			InstanceID: r.instanceID,
			QQRoomID:   qqRoomID,
			TGChatID:   tgChatID,
			TGThreadID: tgThreadID,
			Key:        uuid.NewString(),
		}
		if err := r.repo.InsertPair(ctx, created); err != nil {
			return nil, fmt.Errorf("insert pair: %w", err)
		}
		order := append(append([]*Pair{}, s.order...), created)
		r.snap.Store(buildSnapshot(order))

		logger.InfoCF("pairs", "Pair created", map[string]interface{}{
			"instance": r.instanceID, "qq": qqRoomID, "tg": tgChatID, "thread": tgThreadID,
		})
		return created, nil
	}

	updated := *existing
	updated.TGChatID = tgChatID
	updated.TGThreadID = tgThreadID
	if err := r.repo.UpdatePair(ctx, &updated); err != nil {
		return nil, fmt.Errorf("update pair: %w", err)
	}

	order := make([]*Pair, len(s.order))
	for i, p := range s.order {
		if p == existing {
			order[i] = &updated
		} else {
			order[i] = p
		}
	}
	r.snap.Store(buildSnapshot(order))

	logger.InfoCF("pairs", "Pair rebound", map[string]interface{}{
		"instance": r.instanceID, "qq": qqRoomID, "tg": tgChatID, "thread": tgThreadID,
	})
	return &updated, nil
}

// Remove unbinds a QQ room. Reports whether a pair existed.
func (r *Registry) Remove(ctx context.Context, qqRoomID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.snap.Load()
	if s == nil {
		return false, ErrNotLoaded
	}

	existing := s.byQQ[qqRoomID]
	if existing == nil {
		return false, nil
	}
	if err := r.repo.DeletePair(ctx, existing.ID); err != nil {
		return false, fmt.Errorf("delete pair: %w", err)
	}

	order := make([]*Pair, 0, len(s.order)-1)
	for _, p := range s.order {
		if p != existing {
			order = append(order, p)
		}
	}
	r.snap.Store(buildSnapshot(order))

	logger.InfoCF("pairs", "Pair removed", map[string]interface{}{
		"instance": r.instanceID, "qq": qqRoomID,
	})
	return true, nil
}
