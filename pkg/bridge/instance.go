// Package bridge runs the per-instance forwarding pipeline: inbound
// messages from either adapter are resolved, routed through the pair
// registry, sent out the other side, and published to the event bus.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"github.com/astrobridge/qtbridge/pkg/bus"
	"github.com/astrobridge/qtbridge/pkg/forward"
	"github.com/astrobridge/qtbridge/pkg/logger"
	"github.com/astrobridge/qtbridge/pkg/message"
	"github.com/astrobridge/qtbridge/pkg/pairs"
	"github.com/astrobridge/qtbridge/pkg/platform"
)

// Event types published to the bus.
const (
	EventMessageCreated  = "message.created"
	EventMessageRecalled = "message.recalled"
	EventMessageFailed   = "message.failed"
	EventBridgeStatus    = "bridge.status"
	EventPairsChanged    = "pairs.changed"
)

// Options tunes one instance.
type Options struct {
	NicknameMode string // "prefix" (default) or "none"
	ReloadCron   string // empty disables the maintenance reload
}

// Instance wires one QQ adapter and one Telegram adapter through a pair
// registry. Instances share nothing but persistence.
type Instance struct {
	id       string
	qq       platform.Adapter
	tg       platform.Adapter
	registry *pairs.Registry
	resolver *forward.Resolver
	bus      *bus.Bus
	opts     Options

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	startedAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInstance assembles an instance; Start brings it to life.
func NewInstance(id string, qq, tg platform.Adapter, registry *pairs.Registry,
	resolver *forward.Resolver, b *bus.Bus, opts Options) *Instance {
	if opts.NicknameMode == "" {
		opts.NicknameMode = "prefix"
	}
	return &Instance{
		id:       id,
		qq:       qq,
		tg:       tg,
		registry: registry,
		resolver: resolver,
		bus:      b,
		opts:     opts,
	}
}

// ID implements gateway.Instance.
func (in *Instance) ID() string { return in.id }

// Start loads the registry, starts both adapters and begins pumping.
func (in *Instance) Start(ctx context.Context) error {
	if err := in.registry.Load(ctx); err != nil {
		return fmt.Errorf("instance %s: %w", in.id, err)
	}
	if err := in.qq.Start(ctx); err != nil {
		return fmt.Errorf("instance %s: start qq adapter: %w", in.id, err)
	}
	if err := in.tg.Start(ctx); err != nil {
		in.qq.Stop(ctx)
		return fmt.Errorf("instance %s: start telegram adapter: %w", in.id, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	in.cancel = cancel
	in.startedAt = time.Now()

	in.wg.Add(2)
	go in.pump(runCtx, in.qq)
	go in.pump(runCtx, in.tg)

	if in.opts.ReloadCron != "" {
		in.wg.Add(1)
		go in.maintenanceLoop(runCtx)
	}

	logger.InfoCF("bridge", "Instance started", map[string]interface{}{"instance": in.id})
	return nil
}

// Stop shuts the adapters down and waits for the pumps to drain.
func (in *Instance) Stop(ctx context.Context) error {
	if in.cancel != nil {
		in.cancel()
	}
	in.qq.Stop(ctx)
	in.tg.Stop(ctx)
	in.wg.Wait()
	logger.InfoCF("bridge", "Instance stopped", map[string]interface{}{"instance": in.id})
	return nil
}

func (in *Instance) pump(ctx context.Context, adapter platform.Adapter) {
	defer in.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case inb, ok := <-adapter.Inbound():
			if !ok {
				return
			}
			in.handleInbound(ctx, inb)
		}
	}
}

// handleInbound is the pipeline for one inbound item. A failure anywhere
// terminates this message only, never the instance.
func (in *Instance) handleInbound(ctx context.Context, inb platform.Inbound) {
	if inb.Kind == platform.InboundRecall {
		in.publish(EventMessageRecalled, map[string]interface{}{
			"message_id": inb.RecalledID,
			"chat":       inb.Chat,
		})
		return
	}

	msg := inb.Message
	if msg == nil {
		return
	}

	in.materializeForwards(ctx, msg)

	if err := in.resolver.Resolve(ctx, msg); err != nil {
		// Forward-bundle bookkeeping failure degrades the bundle labels
		// but must not hold the message hostage.
		logger.WarnCF("bridge", "Forward resolution failed", map[string]interface{}{
			"instance": in.id, "message": msg.ID, "error": err.Error(),
		})
	}

	pair, target, targetChat, err := in.route(msg)
	if err != nil {
		logger.ErrorCF("bridge", "Registry lookup failed", map[string]interface{}{
			"instance": in.id, "error": err.Error(),
		})
	}

	forwarded := false
	switch {
	case pair != nil && in.shouldForward(pair, msg):
		forwarded = in.forward(ctx, pair, target, targetChat, msg)
	case pair == nil && err == nil:
		// Unpaired chats are expected traffic, not errors.
		in.dropped.Add(1)
	}

	in.publish(EventMessageCreated, map[string]interface{}{
		"message":   msg,
		"pair_id":   pairID(pair),
		"forwarded": forwarded,
	})
}

// maxForwardDepth caps how deep nested forward bundles are expanded.
const maxForwardDepth = 3

func (in *Instance) source(p message.Platform) platform.Adapter {
	if p == message.PlatformTelegram {
		return in.tg
	}
	return in.qq
}

// materializeForwards pulls the nested history behind forward bundles
// when the source platform can expand them, so the other side can label
// and count the bundle. Fetch failures degrade the label only.
func (in *Instance) materializeForwards(ctx context.Context, msg *message.UnifiedMessage) {
	fetcher, ok := in.source(msg.Platform).(platform.ForwardFetcher)
	if !ok {
		return
	}
	in.fetchForwards(ctx, fetcher, msg, 0)
}

func (in *Instance) fetchForwards(ctx context.Context, fetcher platform.ForwardFetcher,
	msg *message.UnifiedMessage, depth int) {
	if depth >= maxForwardDepth {
		return
	}
	for _, c := range msg.Contents {
		fwd, ok := c.Data.(*message.Forward)
		if !ok || fwd.ResourceID == "" || len(fwd.Messages) > 0 {
			continue
		}
		nested, err := fetcher.FetchForwardBundle(ctx, fwd.ResourceID)
		if err != nil {
			logger.WarnCF("bridge", "Forward bundle fetch failed", map[string]interface{}{
				"instance": in.id, "resource": fwd.ResourceID, "error": err.Error(),
			})
			continue
		}
		fwd.Messages = nested
		for i := range fwd.Messages {
			in.fetchForwards(ctx, fetcher, &fwd.Messages[i], depth+1)
		}
	}
}

// route picks the pair and the outbound side for a message.
func (in *Instance) route(msg *message.UnifiedMessage) (*pairs.Pair, platform.Adapter, message.Chat, error) {
	switch msg.Platform {
	case message.PlatformQQ:
		pair, err := in.registry.FindByQQ(msg.Chat.ID)
		if err != nil || pair == nil {
			return nil, nil, message.Chat{}, err
		}
		chat := message.Chat{ID: pair.TGChatID, Type: message.ChatGroup, ThreadID: pair.TGThreadID}
		return pair, in.tg, chat, nil
	case message.PlatformTelegram:
		pair, err := in.registry.FindByTG(msg.Chat.ID, msg.Chat.ThreadID, false)
		if err != nil || pair == nil {
			return nil, nil, message.Chat{}, err
		}
		chat := message.Chat{ID: pair.QQRoomID, Type: message.ChatGroup}
		return pair, in.qq, chat, nil
	default:
		return nil, nil, message.Chat{}, nil
	}
}

// shouldForward applies the pair's flags and policy overrides.
func (in *Instance) shouldForward(pair *pairs.Pair, msg *message.UnifiedMessage) bool {
	if pair.Flags.Has(pairs.FlagDisabled) {
		return false
	}
	if msg.Platform == message.PlatformQQ && pair.Flags.Has(pairs.FlagMuteQQ) {
		return false
	}
	if msg.Platform == message.PlatformTelegram && pair.Flags.Has(pairs.FlagMuteTG) {
		return false
	}
	if pair.IgnoresSender(msg.Sender.ID) {
		return false
	}
	if pair.IgnoreRegex != nil && *pair.IgnoreRegex != "" {
		re, err := regexp.Compile(*pair.IgnoreRegex)
		if err != nil {
			logger.WarnCF("bridge", "Invalid ignore regex on pair", map[string]interface{}{
				"pair": pair.ID, "regex": *pair.IgnoreRegex,
			})
		} else if re.MatchString(msg.PlainText()) {
			return false
		}
	}
	return true
}

func (in *Instance) forward(ctx context.Context, pair *pairs.Pair, target platform.Adapter,
	targetChat message.Chat, msg *message.UnifiedMessage) bool {

	contents := in.decorate(pair, msg)

	if _, err := target.SendMessage(ctx, targetChat, contents); err != nil {
		in.failed.Add(1)
		logger.ErrorCF("bridge", "Forward send failed", map[string]interface{}{
			"instance": in.id, "pair": pair.ID, "error": err.Error(),
		})
		in.publish(EventMessageFailed, map[string]interface{}{
			"message_id": msg.ID,
			"pair_id":    pair.ID,
			"error":      err.Error(),
		})
		return false
	}

	in.forwarded.Add(1)
	return true
}

// decorate applies nickname-mode: a sender prefix on the forwarded copy.
func (in *Instance) decorate(pair *pairs.Pair, msg *message.UnifiedMessage) []message.Content {
	mode := in.opts.NicknameMode
	if pair.NicknameMode != nil {
		mode = *pair.NicknameMode
	}
	if mode == "none" || msg.Sender.Name == "" {
		return msg.Contents
	}
	out := make([]message.Content, 0, len(msg.Contents)+1)
	out = append(out, message.NewText(msg.Sender.Name+": "))
	return append(out, msg.Contents...)
}

func (in *Instance) publish(eventType string, payload interface{}) {
	if _, err := in.bus.Publish(in.id, eventType, payload); err != nil {
		logger.WarnCF("bridge", "Event publish failed", map[string]interface{}{
			"instance": in.id, "type": eventType, "error": err.Error(),
		})
	}
}

func pairID(p *pairs.Pair) int64 {
	if p == nil {
		return 0
	}
	return p.ID
}

// maintenanceLoop reloads the registry and publishes a status snapshot on
// the configured cron schedule, checked once a minute.
func (in *Instance) maintenanceLoop(ctx context.Context) {
	defer in.wg.Done()

	gron := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := gron.IsDue(in.opts.ReloadCron)
			if err != nil {
				logger.WarnCF("bridge", "Invalid maintenance cron", map[string]interface{}{
					"instance": in.id, "cron": in.opts.ReloadCron,
				})
				return
			}
			if !due {
				continue
			}
			if err := in.registry.Reload(ctx); err != nil {
				logger.ErrorCF("bridge", "Scheduled registry reload failed", map[string]interface{}{
					"instance": in.id, "error": err.Error(),
				})
			}
			in.publish(EventBridgeStatus, in.Status())
		}
	}
}

// Status returns the instance's counters and registry size.
func (in *Instance) Status() map[string]interface{} {
	status := map[string]interface{}{
		"instance":  in.id,
		"forwarded": in.forwarded.Load(),
		"dropped":   in.dropped.Load(),
		"failed":    in.failed.Load(),
	}
	if !in.startedAt.IsZero() {
		status["uptime_seconds"] = int(time.Since(in.startedAt).Seconds())
	}
	if all, err := in.registry.All(); err == nil {
		status["pairs"] = len(all)
	}
	return status
}

// Describe implements gateway.Instance: ready-frame metadata including
// the current pair set.
func (in *Instance) Describe() map[string]interface{} {
	detail := in.Status()
	if all, err := in.registry.All(); err == nil {
		detail["pair_list"] = describePairs(all)
	}
	return detail
}

func describePairs(all []*pairs.Pair) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(all))
	for _, p := range all {
		out = append(out, map[string]interface{}{
			"id":           p.ID,
			"qq_room_id":   p.QQRoomID,
			"tg_chat_id":   p.TGChatID,
			"tg_thread_id": p.TGThreadID,
		})
	}
	return out
}

// HandleCall implements gateway.Instance: the remote action surface.
func (in *Instance) HandleCall(ctx context.Context, action string, params json.RawMessage) (interface{}, error) {
	switch action {
	case "instance.status":
		return in.Status(), nil

	case "pairs.list":
		all, err := in.registry.All()
		if err != nil {
			return nil, err
		}
		return describePairs(all), nil

	case "pairs.add":
		var req struct {
			QQRoomID   int64 `json:"qq_room_id"`
			TGChatID   int64 `json:"tg_chat_id"`
			TGThreadID int64 `json:"tg_thread_id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("pairs.add: %w", err)
		}
		pair, err := in.registry.Add(ctx, req.QQRoomID, req.TGChatID, req.TGThreadID)
		if err != nil {
			return nil, err
		}
		in.publish(EventPairsChanged, map[string]interface{}{"op": "add", "pair_id": pair.ID})
		return describePairs([]*pairs.Pair{pair})[0], nil

	case "pairs.remove":
		var req struct {
			QQRoomID int64 `json:"qq_room_id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("pairs.remove: %w", err)
		}
		existed, err := in.registry.Remove(ctx, req.QQRoomID)
		if err != nil {
			return nil, err
		}
		if existed {
			in.publish(EventPairsChanged, map[string]interface{}{"op": "remove", "qq_room_id": req.QQRoomID})
		}
		return map[string]interface{}{"removed": existed}, nil

	case "pairs.reload":
		if err := in.registry.Reload(ctx); err != nil {
			return nil, err
		}
		in.publish(EventPairsChanged, map[string]interface{}{"op": "reload"})
		all, _ := in.registry.All()
		return map[string]interface{}{"pairs": len(all)}, nil

	case "message.send":
		var req struct {
			Platform message.Platform  `json:"platform"`
			Chat     message.Chat      `json:"chat"`
			Contents []message.Content `json:"contents"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("message.send: %w", err)
		}
		adapter := in.qq
		if req.Platform == message.PlatformTelegram {
			adapter = in.tg
		}
		receipts, err := adapter.SendMessage(ctx, req.Chat, req.Contents)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"receipts": receipts}, nil

	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
}
