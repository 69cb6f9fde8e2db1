package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/felix-agent/felix/internal/gateway"
)

type inbound struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	SessionID string `json:"sessionId"`
	Stream    bool   `json:"stream"`
}

// fakeGateway answers like the real gateway: an event before every reply,
// echo replies, and an error for "fail".
func fakeGateway(t *testing.T) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var in inbound
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			conn.WriteJSON(gateway.Frame{Type: gateway.TypeEvent, Event: "index", Content: "tick"})
			switch {
			case in.Type == gateway.TypeMessage && in.Content == "fail":
				conn.WriteJSON(gateway.Frame{Type: gateway.TypeError, Content: "model unavailable", SessionID: in.SessionID})
			case in.Type == gateway.TypeMessage && in.Stream:
				conn.WriteJSON(gateway.Frame{Type: gateway.TypeStreamStart})
				conn.WriteJSON(gateway.Frame{Type: gateway.TypeStreamChunk, Content: "ec"})
				conn.WriteJSON(gateway.Frame{Type: gateway.TypeStreamChunk, Content: "ho"})
				conn.WriteJSON(gateway.Frame{Type: gateway.TypeStreamEnd, Content: "echo"})
			case in.Type == gateway.TypeMessage:
				conn.WriteJSON(gateway.Frame{Type: gateway.TypeResponse, Content: "echo: " + in.Content, SessionID: in.SessionID})
			case in.Type == gateway.TypeStatus:
				conn.WriteJSON(gateway.Frame{Type: gateway.TypeStatus, Content: "ok", StatusData: &gateway.StatusData{Port: 18789, SessionCount: 2}})
			case in.Type == gateway.TypeHistory:
				conn.WriteJSON(gateway.Frame{Type: gateway.TypeHistory, Content: `[{"role":"user","content":"hi"}]`})
			case in.Type == gateway.TypeClear:
				conn.WriteJSON(gateway.Frame{Type: gateway.TypeResponse, Content: "Session cleared"})
			case in.Type == "hang":
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(context.Background(), fakeGateway(t))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSend(t *testing.T) {
	c := dial(t)
	var events []string
	c.OnEvent = func(f gateway.Frame) { events = append(events, f.Event) }

	reply, err := c.Send(context.Background(), "s", "hello")
	if err != nil || reply != "echo: hello" {
		t.Fatalf("Send = %q, %v", reply, err)
	}
	if len(events) != 1 || events[0] != "index" {
		t.Errorf("events = %v", events)
	}
}

func TestSendServerError(t *testing.T) {
	c := dial(t)
	_, err := c.Send(context.Background(), "s", "fail")
	var se *ServerError
	if !errors.As(err, &se) || se.Message != "model unavailable" {
		t.Fatalf("err = %v", err)
	}

	// The connection stays usable.
	if reply, err := c.Send(context.Background(), "s", "again"); err != nil || reply != "echo: again" {
		t.Errorf("Send after error = %q, %v", reply, err)
	}
}

func TestStream(t *testing.T) {
	c := dial(t)
	var deltas []string
	reply, err := c.Stream(context.Background(), "s", "hi", func(d string) { deltas = append(deltas, d) })
	if err != nil || reply != "echo" {
		t.Fatalf("Stream = %q, %v", reply, err)
	}
	if strings.Join(deltas, "|") != "ec|ho" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestStatusHistoryClear(t *testing.T) {
	c := dial(t)
	ctx := context.Background()

	sd, err := c.Status(ctx)
	if err != nil || sd.Port != 18789 || sd.SessionCount != 2 {
		t.Fatalf("Status = %+v, %v", sd, err)
	}

	msgs, err := c.History(ctx, "s")
	if err != nil || len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("History = %+v, %v", msgs, err)
	}

	if err := c.Clear(ctx, "s"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
}

func TestContextDeadline(t *testing.T) {
	c := dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.roundTrip(ctx, outbound{Type: "hang"}, func(gateway.Frame) bool { return false })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}

	// A late reply to the abandoned request must never answer the next one.
	if _, err := c.Send(context.Background(), "s", "after"); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Send after timeout = %v, want ErrConnectionLost", err)
	}
}

func TestDialRefused(t *testing.T) {
	if _, err := Dial(context.Background(), "ws://127.0.0.1:1"); err == nil {
		t.Error("expected dial error")
	}
}
