// Package channel defines the contract between chat adapters and the gateway.
package channel

import "context"

// Message is an inbound chat message from an adapter.
type Message struct {
	// Source names the adapter, e.g. "matrix".
	Source string

	SenderID string
	RoomID   string
	Content  string

	// Timestamp in milliseconds.
	Timestamp int64
}

// SessionID is the gateway session a room's conversation is stored under.
func (m Message) SessionID() string {
	return m.Source + "-" + m.RoomID
}

// Response is an outbound reply to a room.
type Response struct {
	RoomID  string
	Content string
}

// Channel is a chat adapter.
type Channel interface {
	Name() string

	// Start connects and delivers messages to handler. It blocks until ctx
	// is cancelled.
	Start(ctx context.Context, handler MessageHandler) error

	Send(ctx context.Context, resp Response) error

	Stop() error
}

// MessageHandler answers one inbound message. The returned text is sent back
// to the message's room.
type MessageHandler func(ctx context.Context, msg Message) (string, error)
