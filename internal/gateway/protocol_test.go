package gateway

import (
	"errors"
	"testing"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Request
		wantErr any
	}{
		{"message", `{"type":"message","content":"Hello","sessionId":"s1"}`, MessageRequest{SessionID: "s1", Content: "Hello"}, nil},
		{"default session", `{"type":"message","content":"Hi"}`, MessageRequest{SessionID: "default", Content: "Hi"}, nil},
		{"stream", `{"type":"message","content":"Hi","stream":true}`, MessageRequest{SessionID: "default", Content: "Hi", Stream: true}, nil},
		{"history", `{"type":"history","sessionId":"s1"}`, HistoryRequest{SessionID: "s1"}, nil},
		{"clear", `{"type":"clear"}`, ClearRequest{SessionID: "default"}, nil},
		{"status", `{"type":"status"}`, StatusRequest{SessionID: "default"}, nil},
		{"empty content", `{"type":"message","content":""}`, nil, &ValidationError{}},
		{"malformed", `{not json`, nil, &ProtocolError{}},
		{"unknown type", `{"type":"dance"}`, nil, &ProtocolError{}},
		{"missing type", `{"content":"x"}`, nil, &ProtocolError{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest([]byte(tt.in))
			switch want := tt.wantErr.(type) {
			case *ValidationError:
				if !errors.As(err, &want) {
					t.Fatalf("err = %v, want *ValidationError", err)
				}
				return
			case *ProtocolError:
				if !errors.As(err, &want) {
					t.Fatalf("err = %v, want *ProtocolError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRequest: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	_, err := ParseRequest([]byte(`nope`))
	if err.Error() != "Invalid JSON message" {
		t.Errorf("malformed error = %q", err)
	}
	_, err = ParseRequest([]byte(`{"type":"message"}`))
	if err.Error() != "No content" {
		t.Errorf("empty content error = %q", err)
	}

	inner := errors.New("rate limited")
	ce := &CollaboratorError{Err: inner}
	if ce.Error() != "rate limited" || !errors.Is(ce, inner) {
		t.Errorf("CollaboratorError = %q", ce)
	}
}

func TestSessionOf(t *testing.T) {
	if got := sessionOf([]byte(`{"type":"x","sessionId":"abc"}`)); got != "abc" {
		t.Errorf("sessionOf = %q", got)
	}
	if got := sessionOf([]byte(`garbage`)); got != DefaultSessionID {
		t.Errorf("sessionOf(garbage) = %q", got)
	}
}
