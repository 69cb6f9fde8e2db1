// Package gateway serves the felix websocket protocol.
//
// Every inbound frame is parsed into a Request at the connection boundary and
// handed to a single dispatcher loop, which serializes work per session and
// answers on the originating connection in request order.
package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultSessionID is used when a frame omits sessionId.
const DefaultSessionID = "default"

// Frame types.
const (
	TypeMessage     = "message"
	TypeHistory     = "history"
	TypeClear       = "clear"
	TypeStatus      = "status"
	TypeResponse    = "response"
	TypeError       = "error"
	TypeStreamStart = "stream_start"
	TypeStreamChunk = "stream_chunk"
	TypeStreamEnd   = "stream_end"
	TypeEvent       = "event"
)

// inboundFrame is the client-to-gateway wire shape.
type inboundFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Stream    bool   `json:"stream,omitempty"`
}

// Frame is a gateway-to-client message.
type Frame struct {
	Type       string      `json:"type"`
	Content    string      `json:"content"`
	SessionID  string      `json:"sessionId,omitempty"`
	Timestamp  int64       `json:"timestamp"`
	StatusData *StatusData `json:"statusData,omitempty"`
	Event      string      `json:"event,omitempty"` // kind of an "event" frame
}

// StatusData is the payload of a status frame.
type StatusData struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	ClientCount     int    `json:"clientCount"`
	SessionCount    int    `json:"sessionCount"`
	UptimeMs        int64  `json:"uptimeMs"`
	Workspace       string `json:"workspace"`
	Model           string `json:"model"`
	ContextWindow   int    `json:"contextWindow"`
	TelegramEnabled bool   `json:"telegramEnabled"` // true when the chat-bot adapter runs
}

func newFrame(typ, content, sessionID string) Frame {
	return Frame{Type: typ, Content: content, SessionID: sessionID, Timestamp: time.Now().UnixMilli()}
}

func errorFrame(err error, sessionID string) Frame {
	return newFrame(TypeError, err.Error(), sessionID)
}

// Request is a validated client request. The set of implementations is closed.
type Request interface {
	Session() string
	kind() string
}

// MessageRequest asks the agent to reply to Content.
type MessageRequest struct {
	SessionID string
	Content   string
	Stream    bool
}

// HistoryRequest asks for a session's messages.
type HistoryRequest struct {
	SessionID string
}

// ClearRequest deletes a session's log.
type ClearRequest struct {
	SessionID string
}

// StatusRequest asks for gateway status.
type StatusRequest struct {
	SessionID string
}

func (r MessageRequest) Session() string { return r.SessionID }
func (r HistoryRequest) Session() string { return r.SessionID }
func (r ClearRequest) Session() string   { return r.SessionID }
func (r StatusRequest) Session() string  { return r.SessionID }

func (MessageRequest) kind() string { return TypeMessage }
func (HistoryRequest) kind() string { return TypeHistory }
func (ClearRequest) kind() string   { return TypeClear }
func (StatusRequest) kind() string  { return TypeStatus }

// ParseRequest decodes and validates one inbound frame. Malformed JSON and
// unknown types yield a *ProtocolError; a message without content yields a
// *ValidationError.
func ParseRequest(data []byte) (Request, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &ProtocolError{Reason: "Invalid JSON message"}
	}
	sid := f.SessionID
	if sid == "" {
		sid = DefaultSessionID
	}

	switch f.Type {
	case TypeMessage:
		if f.Content == "" {
			return nil, &ValidationError{Field: "content", Reason: "No content"}
		}
		return MessageRequest{SessionID: sid, Content: f.Content, Stream: f.Stream}, nil
	case TypeHistory:
		return HistoryRequest{SessionID: sid}, nil
	case TypeClear:
		return ClearRequest{SessionID: sid}, nil
	case TypeStatus:
		return StatusRequest{SessionID: sid}, nil
	case "":
		return nil, &ProtocolError{Reason: "Missing message type"}
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("Unknown message type: %s", f.Type)}
	}
}

// sessionOf returns the session id from raw frame bytes, for error replies.
func sessionOf(data []byte) string {
	var f inboundFrame
	if json.Unmarshal(data, &f) == nil && f.SessionID != "" {
		return f.SessionID
	}
	return DefaultSessionID
}

// ProtocolError is a malformed or unknown frame.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return e.Reason
}

// ValidationError is a frame missing a required field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// CollaboratorError wraps a model or tool failure. Its message is the
// underlying error's, unchanged.
type CollaboratorError struct {
	Err error
}

func (e *CollaboratorError) Error() string {
	return e.Err.Error()
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}
