// Package gateway implements the frame-oriented session protocol that
// external consumers speak over WebSocket: hello/identify handshake,
// heartbeat, scoped sequenced event delivery, and remote action calls.
package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the only frame version this server speaks.
const ProtocolVersion = 1

// Op tags a frame with its operation.
type Op string

const (
	OpHello    Op = "hello"
	OpIdentify Op = "identify"
	OpReady    Op = "ready"
	OpPing     Op = "ping"
	OpPong     Op = "pong"
	OpEvent    Op = "event"
	OpCall     Op = "call"
	OpResult   Op = "result"
	OpError    Op = "error"
)

// Frame is the wire envelope. T is epoch milliseconds at send time.
type Frame struct {
	Op   Op              `json:"op"`
	V    int             `json:"v"`
	T    int64           `json:"t"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame stamps and wraps a payload. Marshal failures are programmer
// errors on our own payload types; the frame degrades to an empty body.
func NewFrame(op Op, data interface{}) *Frame {
	f := &Frame{Op: op, V: ProtocolVersion, T: time.Now().UnixMilli()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			f.Data = raw
		}
	}
	return f
}

// Decode unmarshals the frame body into v.
func (f *Frame) Decode(v interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("gateway: %s frame has no body", f.Op)
	}
	return json.Unmarshal(f.Data, v)
}

// HelloData opens every connection.
type HelloData struct {
	SessionID           string   `json:"session_id"`
	HeartbeatIntervalMS int64    `json:"heartbeat_interval_ms"`
	Capabilities        []string `json:"capabilities"`
	ResumeSupported     bool     `json:"resume_supported"`
}

// ResumeData rides inside identify when a client attempts to resume.
type ResumeData struct {
	SessionID string `json:"session_id"`
	LastSeq   uint64 `json:"last_seq"`
}

// IdentifyData authenticates a connection and requests an instance scope.
// An empty Instances list requests everything the token grants.
type IdentifyData struct {
	Token     string      `json:"token"`
	Instances []string    `json:"instances,omitempty"`
	Resume    *ResumeData `json:"resume,omitempty"`
}

// InstanceInfo is the per-instance metadata delivered in ready.
type InstanceInfo struct {
	ID     string                 `json:"id"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}

// ReadyData acknowledges a successful identify.
type ReadyData struct {
	SessionID string         `json:"session_id"`
	Instances []InstanceInfo `json:"instances"`
}

// EventData carries one sequenced bus event.
type EventData struct {
	InstanceID string      `json:"instance_id"`
	Type       string      `json:"type"`
	Seq        uint64      `json:"seq"`
	Payload    interface{} `json:"payload,omitempty"`
}

// CallData is a client-initiated action request.
type CallData struct {
	ID         string          `json:"id"`
	InstanceID string          `json:"instance_id"`
	Action     string          `json:"action"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// ResultData answers a call with the same correlation id.
type ResultData struct {
	ID    string      `json:"id"`
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorData  `json:"error,omitempty"`
}

// ErrorData reports a protocol or auth failure. Fatal errors are followed
// by connection close.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// Error codes.
const (
	CodeAuthTimeout       = "AUTH_TIMEOUT"
	CodeAuthFailed        = "AUTH_FAILED"
	CodeResumeUnsupported = "RESUME_UNSUPPORTED"
	CodeNotIdentified     = "NOT_IDENTIFIED"
	CodeAlreadyIdentified = "ALREADY_IDENTIFIED"
	CodeMalformedFrame    = "MALFORMED_FRAME"
	CodeUnknownOp         = "UNKNOWN_OP"
	CodeOutOfScope        = "OUT_OF_SCOPE"
	CodeUnknownInstance   = "UNKNOWN_INSTANCE"
	CodeHeartbeatTimeout  = "HEARTBEAT_TIMEOUT"
	CodeSlowConsumer      = "SLOW_CONSUMER"
	CodeCallFailed        = "CALL_FAILED"
)
