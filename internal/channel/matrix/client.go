// Package matrix is the Matrix chat-bot adapter. Messages from allowed users
// are answered through the gateway under the session "matrix-<room>".
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/felix-agent/felix/pkg/channel"
)

const (
	maxMessageLen  = 4000
	chunkDelay     = 500 * time.Millisecond
	typingTimeout  = 30 * time.Second
	resyncDelay    = 15 * time.Second
	loginAttempts  = 10
	initialBackoff = 2 * time.Second
	maxBackoff     = 2 * time.Minute
)

// Config holds the adapter settings.
type Config struct {
	Homeserver   string
	UserID       string // localpart
	Password     string
	ServerName   string
	AllowedUsers []string // full ids; empty allows everyone
	DataDir      string
}

// Channel implements channel.Channel for Matrix.
type Channel struct {
	cfg      Config
	client   *mautrix.Client
	handler  channel.MessageHandler
	started  int64
	credFile string
}

type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates an adapter. Nothing connects until Start.
func New(cfg Config) *Channel {
	return &Channel{
		cfg:      cfg,
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
	}
}

func (c *Channel) Name() string { return "matrix" }

func (c *Channel) fullUserID() id.UserID {
	return id.NewUserID(c.cfg.UserID, c.cfg.ServerName)
}

// Start logs in and syncs until ctx is cancelled, reconnecting after sync
// errors.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.handler = handler
	c.started = time.Now().UnixMilli()

	if err := os.MkdirAll(c.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create matrix data dir: %w", err)
	}

	client, err := mautrix.NewClient(c.cfg.Homeserver, c.fullUserID(), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	client.Store = mautrix.NewMemorySyncStore()
	c.client = client

	if err := c.login(ctx); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.onMessage)
	syncer.OnEventType(event.StateMember, c.onMember)

	slog.Info("matrix adapter syncing", "user", client.UserID)
	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("matrix sync failed, retrying", "error", err, "delay", resyncDelay)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resyncDelay):
		}
	}
}

// login reuses saved credentials, otherwise logs in by password with
// exponential backoff. Auth rejections are not retried.
func (c *Channel) login(ctx context.Context) error {
	if err := c.loadCredentials(); err == nil {
		slog.Info("using saved matrix credentials", "user", c.client.UserID)
		return nil
	}

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.cfg.UserID,
			},
			Password:         c.cfg.Password,
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("logged into matrix", "user", resp.UserID, "device", resp.DeviceID)
			c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}
		if !retryableLoginError(err) {
			return fmt.Errorf("matrix login: %w", err)
		}
		if attempt == loginAttempts {
			return fmt.Errorf("matrix login failed after %d attempts: %w", attempt, err)
		}

		slog.Warn("matrix login failed", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func retryableLoginError(err error) bool {
	return !errors.Is(err, mautrix.MForbidden) &&
		!errors.Is(err, mautrix.MUnknownToken) &&
		!errors.Is(err, mautrix.MInvalidParam)
}

// Send posts resp to its room, split into numbered chunks when it is longer
// than a single Matrix message should be.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	room := id.RoomID(resp.RoomID)
	chunks := splitMessage(resp.Content, maxMessageLen)
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[%d/%d] %s", i+1, len(chunks), chunk)
		}
		if _, err := c.client.SendText(ctx, room, chunk); err != nil {
			return fmt.Errorf("send to %s: %w", room, err)
		}
		if i < len(chunks)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(chunkDelay):
			}
		}
	}
	slog.Debug("matrix reply sent", "room", room, "chunks", len(chunks))
	return nil
}

func (c *Channel) Stop() error {
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.client.UserID || evt.Timestamp < c.started {
		return
	}
	if !isAllowed(c.cfg.AllowedUsers, evt.Sender) {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.Body == "" {
		return
	}

	msg := channel.Message{
		Source:    c.Name(),
		SenderID:  string(evt.Sender),
		RoomID:    string(evt.RoomID),
		Content:   content.Body,
		Timestamp: evt.Timestamp,
	}
	slog.Info("matrix message", "sender", msg.SenderID, "room", msg.RoomID, "preview", preview(msg.Content, 100))

	c.client.UserTyping(ctx, evt.RoomID, true, typingTimeout)
	reply, err := c.handler(ctx, msg)
	c.client.UserTyping(ctx, evt.RoomID, false, 0)
	if err != nil {
		slog.Error("matrix message failed", "room", msg.RoomID, "error", err)
		reply = fmt.Sprintf("*(Error: %s)*", err)
	}
	if err := c.Send(ctx, channel.Response{RoomID: msg.RoomID, Content: reply}); err != nil {
		slog.Error("matrix send failed", "room", msg.RoomID, "error", err)
	}
}

// onMember joins rooms that allowed users invite us to.
func (c *Channel) onMember(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.client.UserID) {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if !isAllowed(c.cfg.AllowedUsers, evt.Sender) {
		slog.Warn("ignoring invite", "room", evt.RoomID, "from", evt.Sender)
		return
	}
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("join room failed", "room", evt.RoomID, "error", err)
		return
	}
	slog.Info("joined room", "room", evt.RoomID, "from", evt.Sender)
}

func (c *Channel) loadCredentials() error {
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	if creds.AccessToken == "" {
		return errors.New("empty access token")
	}
	c.client.AccessToken = creds.AccessToken
	c.client.UserID = id.UserID(creds.UserID)
	c.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (c *Channel) saveCredentials(creds credentials) {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(c.credFile, data, 0o600); err != nil {
		slog.Warn("save matrix credentials", "error", err)
	}
}

func isAllowed(allowed []string, sender id.UserID) bool {
	if len(allowed) == 0 || (len(allowed) == 1 && allowed[0] == "") {
		return true
	}
	for _, a := range allowed {
		if string(sender) == a {
			return true
		}
	}
	return false
}

// splitMessage cuts s into chunks of at most maxLen runes, preferring to cut
// after a newline in the second half of a chunk.
func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for utf8.RuneCountInString(s) > maxLen {
		runes := []rune(s)
		cut := maxLen
		if nl := strings.LastIndex(string(runes[:maxLen]), "\n"); nl >= 0 {
			if n := utf8.RuneCountInString(string(runes[:maxLen])[:nl]) + 1; n > maxLen/2 {
				cut = n
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		s = string(runes[cut:])
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

func preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) > n {
		return string([]rune(s)[:n]) + "..."
	}
	return s
}
