package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/astrobridge/qtbridge/pkg/bus"
	"github.com/astrobridge/qtbridge/pkg/logger"
)

type sessionState int32

const (
	stateAwaitingIdentify sessionState = iota
	stateReady
	stateClosed
)

const callTimeout = 30 * time.Second

// Session is one gateway connection's state machine. A session owns its
// connection: one reader (run), one writer (writePump), plus the event
// pump and heartbeat monitor once Ready.
type Session struct {
	id     string
	conn   Conn
	server *Server

	state atomic.Int32
	sendq chan *Frame
	done  chan struct{}
	once  sync.Once

	scope    map[string]bool
	sub      *bus.Subscription
	lastPing atomic.Int64

	identifyTimer *time.Timer
}

func newSession(server *Server, conn Conn) *Session {
	return &Session{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		sendq:  make(chan *Frame, server.opts.SendQueueSize),
		done:   make(chan struct{}),
	}
}

// run drives the session until the connection drops or a fatal error
// closes it. Blocks; callers run it per connection.
func (s *Session) run() {
	go s.writePump()

	s.enqueue(NewFrame(OpHello, HelloData{
		SessionID:           s.id,
		HeartbeatIntervalMS: s.server.opts.HeartbeatInterval.Milliseconds(),
		Capabilities:        []string{"events", "calls"},
		ResumeSupported:     false,
	}))

	s.identifyTimer = time.AfterFunc(s.server.opts.IdentifyTimeout, func() {
		if sessionState(s.state.Load()) == stateAwaitingIdentify {
			s.fatal(CodeAuthTimeout, "identify not received in time")
		}
	})

	logger.DebugCF("gateway", "Session connected", map[string]interface{}{"session": s.id})

	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			s.close()
			return
		}
		s.handleFrame(f)
		if sessionState(s.state.Load()) == stateClosed {
			return
		}
	}
}

func (s *Session) handleFrame(f *Frame) {
	switch f.Op {
	case OpIdentify:
		s.handleIdentify(f)
	case OpPing:
		s.lastPing.Store(time.Now().UnixMilli())
		s.enqueue(NewFrame(OpPong, nil))
	case OpCall:
		s.handleCall(f)
	case OpHello, OpReady, OpPong, OpEvent, OpResult, OpError:
		s.protocolError(CodeUnknownOp, "server-bound frame cannot carry op "+string(f.Op))
	default:
		s.protocolError(CodeMalformedFrame, "unrecognized frame")
	}
}

func (s *Session) handleIdentify(f *Frame) {
	if sessionState(s.state.Load()) != stateAwaitingIdentify {
		s.protocolError(CodeAlreadyIdentified, "session already identified")
		return
	}

	var id IdentifyData
	if err := f.Decode(&id); err != nil {
		s.protocolError(CodeMalformedFrame, "identify: "+err.Error())
		return
	}

	if id.Resume != nil {
		// Declared in hello as unsupported; a fresh identify is required.
		s.protocolError(CodeResumeUnsupported, "resume is not supported, identify afresh")
		return
	}

	granted, ok := s.server.authorize(id.Token)
	if !ok {
		s.fatal(CodeAuthFailed, "invalid token")
		return
	}
	s.scope = intersectScope(id.Instances, granted)

	s.identifyTimer.Stop()
	s.lastPing.Store(time.Now().UnixMilli())
	s.state.Store(int32(stateReady))

	s.sub = s.server.bus.Subscribe(s.id, func(ev bus.Event) bool {
		return s.scope[ev.InstanceID]
	}, s.server.opts.SendQueueSize)

	go s.eventPump()
	go s.heartbeatMonitor()

	s.enqueue(NewFrame(OpReady, ReadyData{
		SessionID: s.id,
		Instances: s.server.describeInstances(s.scope),
	}))

	logger.InfoCF("gateway", "Session ready", map[string]interface{}{
		"session": s.id,
		"scope":   len(s.scope),
	})
}

// intersectScope computes requested ∩ granted. An empty request means
// "everything the token grants".
func intersectScope(requested, granted []string) map[string]bool {
	grantedSet := make(map[string]bool, len(granted))
	for _, id := range granted {
		grantedSet[id] = true
	}
	if len(requested) == 0 {
		return grantedSet
	}
	scope := make(map[string]bool)
	for _, id := range requested {
		if grantedSet[id] {
			scope[id] = true
		}
	}
	return scope
}

func (s *Session) handleCall(f *Frame) {
	if sessionState(s.state.Load()) != stateReady {
		s.protocolError(CodeNotIdentified, "call before identify")
		return
	}

	var call CallData
	if err := f.Decode(&call); err != nil {
		s.protocolError(CodeMalformedFrame, "call: "+err.Error())
		return
	}

	if !s.scope[call.InstanceID] {
		s.trySend(NewFrame(OpResult, ResultData{
			ID: call.ID,
			Error: &ErrorData{Code: CodeOutOfScope,
				Message: "instance not in session scope"},
		}))
		return
	}

	inst := s.server.instance(call.InstanceID)
	if inst == nil {
		s.trySend(NewFrame(OpResult, ResultData{
			ID:    call.ID,
			Error: &ErrorData{Code: CodeUnknownInstance, Message: "no such instance"},
		}))
		return
	}

	// Dispatch off the read loop. A call that outlives the session still
	// completes; its result is simply discarded by trySend.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()

		data, err := inst.HandleCall(ctx, call.Action, call.Params)
		if err != nil {
			s.trySend(NewFrame(OpResult, ResultData{
				ID:    call.ID,
				Error: &ErrorData{Code: CodeCallFailed, Message: err.Error()},
			}))
			return
		}
		s.trySend(NewFrame(OpResult, ResultData{ID: call.ID, OK: true, Data: data}))
	}()
}

func (s *Session) eventPump() {
	for ev := range s.sub.C {
		frame := NewFrame(OpEvent, EventData{
			InstanceID: ev.InstanceID,
			Type:       ev.Type,
			Seq:        ev.Seq,
			Payload:    ev.Payload,
		})
		if !s.enqueue(frame) {
			return
		}
	}
	// Channel closed underneath us: the bus detached this tap for falling
	// behind (or the bus shut down). Either way delivery can no longer be
	// gap-free, so the session dies.
	s.fatal(CodeSlowConsumer, "event delivery fell behind")
}

func (s *Session) heartbeatMonitor() {
	interval := s.server.opts.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			idle := time.Since(time.UnixMilli(s.lastPing.Load()))
			if idle > 2*interval {
				s.fatal(CodeHeartbeatTimeout, "two heartbeat intervals without ping")
				return
			}
		}
	}
}

// enqueue queues a frame for delivery. A full queue is fatal: the session
// is dropped rather than buffered unboundedly.
func (s *Session) enqueue(f *Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.sendq <- f:
		return true
	default:
		s.fatal(CodeSlowConsumer, "outbound queue full")
		return false
	}
}

// trySend queues a frame, silently discarding it if the session closed.
func (s *Session) trySend(f *Frame) {
	select {
	case <-s.done:
	case s.sendq <- f:
	default:
		s.fatal(CodeSlowConsumer, "outbound queue full")
	}
}

// protocolError reports a recoverable violation without closing.
func (s *Session) protocolError(code, msg string) {
	s.trySend(NewFrame(OpError, ErrorData{Code: code, Message: msg}))
}

// fatal emits a final error frame and tears the session down.
func (s *Session) fatal(code, msg string) {
	if sessionState(s.state.Load()) == stateClosed {
		return
	}
	select {
	case s.sendq <- NewFrame(OpError, ErrorData{Code: code, Message: msg, Fatal: true}):
	default:
	}
	logger.WarnCF("gateway", "Session closed", map[string]interface{}{
		"session": s.id, "code": code,
	})
	s.close()
}

func (s *Session) close() {
	s.once.Do(func() {
		s.state.Store(int32(stateClosed))
		if s.identifyTimer != nil {
			s.identifyTimer.Stop()
		}
		if s.sub != nil {
			s.sub.Unsubscribe()
		}
		close(s.done)
		s.server.dropSession(s)
	})
}

func (s *Session) writePump() {
	for {
		select {
		case f := <-s.sendq:
			if err := s.conn.WriteFrame(f); err != nil {
				s.close()
				s.conn.Close()
				return
			}
		case <-s.done:
			// Drain what is already queued (the fatal error frame in
			// particular), then drop the transport.
			for {
				select {
				case f := <-s.sendq:
					s.conn.WriteFrame(f)
				default:
					s.conn.Close()
					return
				}
			}
		}
	}
}
