package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astrobridge/qtbridge/pkg/bus"
	"github.com/astrobridge/qtbridge/pkg/logger"
)

// Instance is what the gateway needs from each running bridge instance:
// identity, describable state for the ready frame, and a call dispatcher.
type Instance interface {
	ID() string
	Describe() map[string]interface{}
	HandleCall(ctx context.Context, action string, params json.RawMessage) (interface{}, error)
}

// Token grants access to a set of instances. An empty Instances list
// grants everything.
type Token struct {
	Value     string
	Instances []string
}

// Options configures the gateway server.
type Options struct {
	Host              string
	Port              int
	HeartbeatInterval time.Duration
	IdentifyTimeout   time.Duration
	SendQueueSize     int
	Tokens            []Token
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	if out.IdentifyTimeout <= 0 {
		out.IdentifyTimeout = 10 * time.Second
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = 256
	}
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The protocol authenticates via identify, not via the upgrade
	// request, so cross-origin upgrades are allowed through.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server accepts gateway connections and runs one Session per connection.
type Server struct {
	opts      Options
	bus       *bus.Bus
	instances map[string]Instance

	httpServer *http.Server

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewServer wires the gateway over the given bus and instances.
func NewServer(opts Options, b *bus.Bus, instances []Instance) *Server {
	byID := make(map[string]Instance, len(instances))
	for _, inst := range instances {
		byID[inst.ID()] = inst
	}
	return &Server{
		opts:      opts.withDefaults(),
		bus:       b,
		instances: byID,
		sessions:  make(map[*Session]struct{}),
	}
}

// Start begins listening. Non-blocking; the listener runs until Shutdown.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/gateway", s.handleGateway)
	mux.HandleFunc("/healthz", s.handleHealth)

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.InfoCF("gateway", "Gateway listening", map[string]interface{}{"addr": addr})
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("gateway", "Gateway listener failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

// Shutdown stops the listener and closes every live session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	live := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()
	for _, sess := range live {
		sess.close()
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("gateway", "WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	go s.ServeConn(newWSConn(conn))
}

// ServeConn runs the session protocol over an established connection.
// Blocks until the session ends.
func (s *Server) ServeConn(conn Conn) {
	sess := newSession(s, conn)
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	sess.run()
}

func (s *Server) dropSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": n,
	})
}

// authorize validates a bearer token in constant time and returns the
// instance ids it grants.
func (s *Server) authorize(provided string) ([]string, bool) {
	if provided == "" {
		return nil, false
	}
	var granted []string
	ok := false
	// Check every token so timing does not reveal which one matched.
	for _, t := range s.opts.Tokens {
		if subtle.ConstantTimeCompare([]byte(provided), []byte(t.Value)) == 1 {
			ok = true
			granted = t.Instances
		}
	}
	if !ok {
		return nil, false
	}
	if len(granted) == 0 {
		granted = make([]string, 0, len(s.instances))
		for id := range s.instances {
			granted = append(granted, id)
		}
	}
	return granted, true
}

func (s *Server) instance(id string) Instance {
	return s.instances[id]
}

func (s *Server) describeInstances(scope map[string]bool) []InstanceInfo {
	out := make([]InstanceInfo, 0, len(scope))
	for id := range scope {
		inst := s.instances[id]
		if inst == nil {
			continue
		}
		out = append(out, InstanceInfo{ID: id, Detail: inst.Describe()})
	}
	return out
}
