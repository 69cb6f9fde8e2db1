package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/felix-agent/felix/internal/session"
	"github.com/felix-agent/felix/pkg/memindex"
)

const (
	writeWait       = 10 * time.Second
	maxFrameSize    = 1 << 20
	pendingReplies  = 64
	slotBuffer      = 16
	shutdownTimeout = 5 * time.Second
)

// ErrClosed is returned by Submit once the dispatcher has stopped.
var ErrClosed = errors.New("gateway closed")

// Options describe the listener and the values reported by status.
type Options struct {
	Host          string
	Port          int
	Workspace     string
	Model         string
	ContextWindow int
}

// replySlot is the ordered reply channel reserved for one request. The
// producer closes frames when done; sends are dropped once gone is closed.
type replySlot struct {
	frames chan Frame
	gone   <-chan struct{}
}

func newReplySlot(gone <-chan struct{}) *replySlot {
	return &replySlot{frames: make(chan Frame, slotBuffer), gone: gone}
}

func (r *replySlot) send(f Frame) {
	select {
	case r.frames <- f:
	case <-r.gone:
	}
}

type job struct {
	req  Request
	slot *replySlot
}

type client struct {
	id    string
	conn  *websocket.Conn
	slots chan *replySlot
	gone  chan struct{}
	once  sync.Once
}

func (c *client) shutdown() {
	c.once.Do(func() {
		close(c.gone)
		c.conn.Close()
	})
}

func (c *client) write(f Frame) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(f); err != nil {
		slog.Debug("websocket write failed", "client", c.id, "error", err)
		return false
	}
	return true
}

// Server is the websocket gateway.
type Server struct {
	opts     Options
	pipeline *Pipeline
	search   memindex.Searcher
	bus      *EventBus
	upgrader websocket.Upgrader

	requests  chan job
	finished  chan string
	quit      chan struct{}
	quitOnce  sync.Once
	startedAt time.Time

	adapterEnabled atomic.Bool

	mu      sync.Mutex
	clients map[string]*client
}

// NewServer creates a gateway. search may be nil to disable /v1/search.
func NewServer(opts Options, pipeline *Pipeline, search memindex.Searcher) *Server {
	return &Server{
		opts:     opts,
		pipeline: pipeline,
		search:   search,
		bus:      NewEventBus(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		requests:  make(chan job),
		finished:  make(chan string),
		quit:      make(chan struct{}),
		startedAt: time.Now(),
		clients:   make(map[string]*client),
	}
}

// SetAdapterEnabled records whether the chat-bot adapter is running.
func (s *Server) SetAdapterEnabled(v bool) {
	s.adapterEnabled.Store(v)
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast pushes f to every connected client, best effort.
func (s *Server) Broadcast(f Frame) {
	s.bus.Publish(f)
}

// PublishEvent broadcasts an event frame.
func (s *Server) PublishEvent(kind, message string) {
	f := newFrame(TypeEvent, message, "")
	f.Event = kind
	s.bus.Publish(f)
}

// Run is the dispatcher loop. It owns the per-session queues: requests for
// one session run one at a time in arrival order, while different sessions
// proceed concurrently. Status is answered inline. Run returns when ctx is
// cancelled; jobs already started keep ctx as their context.
func (s *Server) Run(ctx context.Context) {
	defer s.quitOnce.Do(func() { close(s.quit) })

	queues := make(map[string][]job)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.requests:
			if _, ok := j.req.(StatusRequest); ok {
				j.slot.send(s.statusFrame(j.req.Session()))
				close(j.slot.frames)
				continue
			}
			key := session.SanitizeID(j.req.Session())
			queues[key] = append(queues[key], j)
			if len(queues[key]) == 1 {
				s.start(ctx, key, j)
			}
		case key := <-s.finished:
			q := queues[key][1:]
			if len(q) == 0 {
				delete(queues, key)
				continue
			}
			queues[key] = q
			s.start(ctx, key, q[0])
		}
	}
}

func (s *Server) start(ctx context.Context, key string, j job) {
	go func() {
		s.handle(ctx, j)
		select {
		case s.finished <- key:
		case <-ctx.Done():
		}
	}()
}

func (s *Server) enqueue(ctx context.Context, j job) error {
	select {
	case s.requests <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
}

func (s *Server) handle(ctx context.Context, j job) {
	defer close(j.slot.frames)
	sid := j.req.Session()
	start := time.Now()

	switch r := j.req.(type) {
	case MessageRequest:
		if r.Stream {
			s.handleStream(ctx, r, j.slot)
			break
		}
		reply, err := s.pipeline.Respond(ctx, sid, r.Content)
		if err != nil {
			slog.Warn("message failed", "session", sid, "error", err)
			j.slot.send(errorFrame(err, sid))
			break
		}
		j.slot.send(newFrame(TypeResponse, reply, sid))

	case HistoryRequest:
		msgs, err := s.pipeline.History(sid)
		if err != nil {
			j.slot.send(errorFrame(err, sid))
			break
		}
		if msgs == nil {
			msgs = []session.Message{}
		}
		data, err := json.Marshal(msgs)
		if err != nil {
			j.slot.send(errorFrame(err, sid))
			break
		}
		j.slot.send(newFrame(TypeHistory, string(data), sid))

	case ClearRequest:
		if err := s.pipeline.Clear(sid); err != nil {
			j.slot.send(errorFrame(err, sid))
			break
		}
		j.slot.send(newFrame(TypeResponse, "Session cleared", sid))
	}

	slog.Debug("request handled",
		"type", j.req.kind(),
		"session", sid,
		"duration", time.Since(start).Round(time.Millisecond),
	)
}

func (s *Server) handleStream(ctx context.Context, r MessageRequest, slot *replySlot) {
	slot.send(newFrame(TypeStreamStart, "", r.SessionID))
	reply, err := s.pipeline.RespondStream(ctx, r.SessionID, r.Content, func(delta string) {
		slot.send(newFrame(TypeStreamChunk, delta, r.SessionID))
	})
	if err != nil {
		slog.Warn("stream failed", "session", r.SessionID, "error", err)
		slot.send(errorFrame(err, r.SessionID))
		return
	}
	slot.send(newFrame(TypeStreamEnd, reply, r.SessionID))
}

func (s *Server) statusFrame(sessionID string) Frame {
	f := newFrame(TypeStatus, "ok", sessionID)
	f.StatusData = &StatusData{
		Port:            s.opts.Port,
		Host:            s.opts.Host,
		ClientCount:     s.ClientCount(),
		SessionCount:    s.pipeline.SessionCount(),
		UptimeMs:        time.Since(s.startedAt).Milliseconds(),
		Workspace:       s.opts.Workspace,
		Model:           s.opts.Model,
		ContextWindow:   s.opts.ContextWindow,
		TelegramEnabled: s.adapterEnabled.Load(),
	}
	return f
}

// Submit runs a message through the same per-session queue as websocket
// clients and waits for the reply. Chat-bot adapters use it.
func (s *Server) Submit(ctx context.Context, sessionID, content string) (string, error) {
	if content == "" {
		return "", &ValidationError{Field: "content", Reason: "No content"}
	}
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	gone := make(chan struct{})
	defer close(gone)
	slot := newReplySlot(gone)

	if err := s.enqueue(ctx, job{req: MessageRequest{SessionID: sessionID, Content: content}, slot: slot}); err != nil {
		return "", err
	}
	for {
		select {
		case f, ok := <-slot.frames:
			if !ok {
				return "", errors.New("no reply")
			}
			switch f.Type {
			case TypeResponse:
				return f.Content, nil
			case TypeError:
				return "", errors.New(f.Content)
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Handler returns the HTTP handler: websocket on / and /ws, /health and
// /v1/search.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/search", s.handleSearch)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		s.handleWebSocket(w, r)
	})
	return mux
}

// ListenAndServe binds the listener, runs the dispatcher and serves until ctx
// is cancelled. Failing to bind is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	go s.Run(ctx)

	httpServer := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	slog.Info("gateway listening", "url", "ws://"+addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	s.mu.Lock()
	for _, c := range s.clients {
		c.shutdown()
	}
	s.mu.Unlock()
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	c := &client{
		id:    uuid.NewString(),
		conn:  conn,
		slots: make(chan *replySlot, pendingReplies),
		gone:  make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.mu.Unlock()
	slog.Info("client connected", "client", c.id, "clients", count)

	events, done := s.bus.Subscribe()
	go s.writeLoop(c, events)
	s.readLoop(c)

	c.shutdown()
	s.bus.Unsubscribe(done)
	s.mu.Lock()
	delete(s.clients, c.id)
	count = len(s.clients)
	s.mu.Unlock()
	slog.Info("client disconnected", "client", c.id, "clients", count)
}

// readLoop reserves a reply slot for each frame in arrival order, then
// either answers a bad frame directly or hands the request to the loop.
func (s *Server) readLoop(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "client", c.id, "error", err)
			}
			return
		}

		slot := newReplySlot(c.gone)
		select {
		case c.slots <- slot:
		case <-c.gone:
			return
		}

		req, err := ParseRequest(data)
		if err != nil {
			slot.send(errorFrame(err, sessionOf(data)))
			close(slot.frames)
			continue
		}
		select {
		case s.requests <- job{req: req, slot: slot}:
		case <-s.quit:
			slot.send(errorFrame(ErrClosed, req.Session()))
			close(slot.frames)
		case <-c.gone:
			return
		}
	}
}

// writeLoop drains reply slots in request order, interleaving broadcast
// frames while it waits on a pending reply.
func (s *Server) writeLoop(c *client, events <-chan Frame) {
	defer c.shutdown()
	for {
		select {
		case <-c.gone:
			return
		case f, ok := <-events:
			if !ok || !c.write(f) {
				return
			}
		case slot := <-c.slots:
			if !s.drainSlot(c, slot, events) {
				return
			}
		}
	}
}

func (s *Server) drainSlot(c *client, slot *replySlot, events <-chan Frame) bool {
	for {
		select {
		case <-c.gone:
			return false
		case f, ok := <-slot.frames:
			if !ok {
				return true
			}
			if !c.write(f) {
				return false
			}
		case f, ok := <-events:
			if !ok || !c.write(f) {
				return false
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime":"%s"}`, time.Since(s.startedAt).Round(time.Second))
}

type searchResponse struct {
	Results []memindex.Result `json:"results"`
	Query   string            `json:"query"`
	Count   int               `json:"count"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"error":"method not allowed"}`)
		return
	}
	if s.search == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"memory search is disabled"}`)
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"missing required parameter: q"}`)
		return
	}
	limit := memindex.DefaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	results, err := s.search.Search(r.Context(), query, limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}
	if results == nil {
		results = []memindex.Result{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(searchResponse{Results: results, Query: query, Count: len(results)}); err != nil {
		slog.Warn("failed to encode search response", "error", err)
	}
}
