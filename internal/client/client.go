// Package client is a websocket client for the felix gateway.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/felix-agent/felix/internal/gateway"
	"github.com/felix-agent/felix/internal/session"
)

const handshakeTimeout = 3 * time.Second

// ServerError is an error frame returned by the gateway.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return e.Message }

// ErrConnectionLost is returned for requests on a client whose connection
// was closed after a failed or abandoned request.
var ErrConnectionLost = errors.New("gateway connection lost")

// Client holds one gateway connection. Requests are issued one at a time;
// the gateway answers each connection in request order.
type Client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	broken bool // a reply may still be in flight; the connection is closed

	// OnEvent receives broadcast frames that arrive while a request is
	// pending. May be nil.
	OnEvent func(gateway.Frame)
}

// Dial connects to url (ws://host:port).
func Dial(ctx context.Context, url string) (*Client, error) {
	d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway at %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

type outbound struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Stream    bool   `json:"stream,omitempty"`
}

// roundTrip sends req and feeds reply frames to handle until it reports done.
// Event frames go to OnEvent; error frames end the request. If the request
// is abandoned (context done, read or write failure) its reply could still
// arrive, so the connection is closed and later requests fail with
// ErrConnectionLost.
func (c *Client) roundTrip(ctx context.Context, req outbound, handle func(gateway.Frame) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return ErrConnectionLost
	}
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(dl)
		c.conn.SetWriteDeadline(dl)
	} else {
		c.conn.SetReadDeadline(time.Time{})
		c.conn.SetWriteDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := c.conn.WriteJSON(req); err != nil {
		c.abandon()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("send %s: %w", req.Type, err)
	}
	for {
		var f gateway.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.abandon()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read reply: %w", err)
		}
		switch f.Type {
		case gateway.TypeEvent:
			if c.OnEvent != nil {
				c.OnEvent(f)
			}
			continue
		case gateway.TypeError:
			return &ServerError{Message: f.Content}
		}
		if handle(f) {
			return nil
		}
	}
}

func (c *Client) abandon() {
	c.broken = true
	c.conn.Close()
}

// Send sends a message and waits for the reply.
func (c *Client) Send(ctx context.Context, sessionID, content string) (string, error) {
	var reply string
	err := c.roundTrip(ctx, outbound{Type: gateway.TypeMessage, Content: content, SessionID: sessionID}, func(f gateway.Frame) bool {
		if f.Type != gateway.TypeResponse {
			return false
		}
		reply = f.Content
		return true
	})
	return reply, err
}

// Stream sends a message in streaming mode, reporting text as it arrives,
// and returns the complete reply.
func (c *Client) Stream(ctx context.Context, sessionID, content string, onDelta func(string)) (string, error) {
	var reply string
	err := c.roundTrip(ctx, outbound{Type: gateway.TypeMessage, Content: content, SessionID: sessionID, Stream: true}, func(f gateway.Frame) bool {
		switch f.Type {
		case gateway.TypeStreamChunk:
			if onDelta != nil {
				onDelta(f.Content)
			}
		case gateway.TypeStreamEnd:
			reply = f.Content
			return true
		}
		return false
	})
	return reply, err
}

// Status fetches gateway status.
func (c *Client) Status(ctx context.Context) (*gateway.StatusData, error) {
	var sd *gateway.StatusData
	err := c.roundTrip(ctx, outbound{Type: gateway.TypeStatus}, func(f gateway.Frame) bool {
		if f.Type != gateway.TypeStatus {
			return false
		}
		sd = f.StatusData
		return true
	})
	if err == nil && sd == nil {
		err = errors.New("invalid status response")
	}
	return sd, err
}

// History returns a session's stored messages.
func (c *Client) History(ctx context.Context, sessionID string) ([]session.Message, error) {
	var msgs []session.Message
	var decodeErr error
	err := c.roundTrip(ctx, outbound{Type: gateway.TypeHistory, SessionID: sessionID}, func(f gateway.Frame) bool {
		if f.Type != gateway.TypeHistory {
			return false
		}
		decodeErr = json.Unmarshal([]byte(f.Content), &msgs)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode history: %w", decodeErr)
	}
	return msgs, nil
}

// Clear deletes a session's history.
func (c *Client) Clear(ctx context.Context, sessionID string) error {
	return c.roundTrip(ctx, outbound{Type: gateway.TypeClear, SessionID: sessionID}, func(f gateway.Frame) bool {
		return f.Type == gateway.TypeResponse
	})
}
