package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felix-agent/felix/internal/budget"
	"github.com/felix-agent/felix/internal/llm"
	"github.com/felix-agent/felix/internal/session"
	"github.com/felix-agent/felix/internal/tools"
	"github.com/felix-agent/felix/internal/workspace"
)

// Model is the model-call collaborator. *llm.Router satisfies it.
type Model interface {
	Name() string
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	CompleteWithTools(ctx context.Context, req llm.CompletionRequest, defs []llm.ToolDefinition, toolMessages []llm.ToolMessage) (*llm.CompletionResponse, error)
	Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error)
}

// PipelineConfig tunes a Pipeline.
type PipelineConfig struct {
	SystemPrompt string
	Model        string // explicit model id, empty for provider default
	MaxTokens    int
	Temperature  float64
	Budget       budget.Config
	ModelTimeout time.Duration // 0 waits indefinitely
}

// Pipeline turns one user message into a persisted exchange.
type Pipeline struct {
	store    *session.Store
	budgeter *budget.Budgeter
	ws       *workspace.Workspace
	model    Model
	tools    *tools.Registry
	cfg      PipelineConfig

	// AfterDailyLog runs after each successful daily-log append.
	AfterDailyLog func()
}

// NewPipeline creates a pipeline. reg may be nil to disable tools.
func NewPipeline(store *session.Store, budgeter *budget.Budgeter, ws *workspace.Workspace, model Model, reg *tools.Registry, cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		store:    store,
		budgeter: budgeter,
		ws:       ws,
		model:    model,
		tools:    reg,
		cfg:      cfg,
	}
}

// prepare builds the model request for a new user message: the stored view
// plus the message, truncated to the effective budget when needed.
func (p *Pipeline) prepare(sessionID, content string) (llm.CompletionRequest, error) {
	view, err := p.store.Load(sessionID)
	if err != nil {
		return llm.CompletionRequest{}, err
	}
	userMsg := session.Message{Role: session.RoleUser, Content: content}
	view = append(view, userMsg)

	system := p.ws.SystemPrompt(p.cfg.SystemPrompt)
	status := p.budgeter.CheckStatus(view, system, p.cfg.Budget)
	if status.NeedsTruncation {
		truncated := p.budgeter.Truncate(view, budget.EffectiveBudget(p.cfg.Budget))
		if len(truncated) == 0 {
			truncated = []session.Message{userMsg}
		}
		slog.Info("context truncated",
			"session", sessionID,
			"before", len(view),
			"after", len(truncated),
			"tokens", status.CurrentTokens,
			"usage_percent", fmt.Sprintf("%.1f", status.UsagePercent),
		)
		view = truncated
	}

	msgs := make([]llm.Message, len(view))
	for i, m := range view {
		msgs[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return llm.CompletionRequest{
		Messages:    msgs,
		Model:       p.cfg.Model,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		System:      system,
	}, nil
}

func (p *Pipeline) modelContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.ModelTimeout > 0 {
		return context.WithTimeout(ctx, p.cfg.ModelTimeout)
	}
	return context.WithCancel(ctx)
}

// Respond runs a full exchange: model call (with tools when configured),
// persistence of both turns, and the daily-log entry. Nothing is persisted
// if the model call fails.
func (p *Pipeline) Respond(ctx context.Context, sessionID, content string) (string, error) {
	req, err := p.prepare(sessionID, content)
	if err != nil {
		return "", err
	}

	mctx, cancel := p.modelContext(ctx)
	defer cancel()

	var (
		reply string
		calls []session.ToolCall
	)
	if p.tools != nil {
		out, err := p.tools.RunLoop(mctx, p.model, req)
		if err != nil {
			return "", &CollaboratorError{Err: err}
		}
		reply, calls = out.Content, out.ToolCalls
	} else {
		resp, err := p.model.Complete(mctx, req)
		if err != nil {
			return "", &CollaboratorError{Err: err}
		}
		reply = resp.Content
	}

	if err := p.persist(sessionID, content, reply, calls); err != nil {
		return "", err
	}
	return reply, nil
}

// RespondStream is Respond without tools, reporting reply text through
// onDelta as it arrives. Turns are persisted once the reply is complete.
func (p *Pipeline) RespondStream(ctx context.Context, sessionID, content string, onDelta func(string)) (string, error) {
	req, err := p.prepare(sessionID, content)
	if err != nil {
		return "", err
	}

	mctx, cancel := p.modelContext(ctx)
	defer cancel()

	ch, err := p.model.Stream(mctx, req)
	if err != nil {
		return "", &CollaboratorError{Err: err}
	}
	reply, err := llm.CollectStream(ch, onDelta)
	if err != nil {
		return "", &CollaboratorError{Err: err}
	}

	if err := p.persist(sessionID, content, reply, nil); err != nil {
		return "", err
	}
	return reply, nil
}

func (p *Pipeline) persist(sessionID, content, reply string, calls []session.ToolCall) error {
	now := time.Now()
	if err := p.store.AppendTurns(sessionID,
		session.Turn{
			Role:      session.RoleUser,
			Content:   content,
			Timestamp: now.UnixMilli(),
		},
		session.Turn{
			Role:      session.RoleAssistant,
			Content:   reply,
			Timestamp: time.Now().UnixMilli(),
			ToolCalls: calls,
		},
	); err != nil {
		return err
	}

	entry := fmt.Sprintf("User: %s\nAssistant: %s", content, reply)
	if err := p.ws.AppendDailyLog(entry, now); err != nil {
		slog.Warn("daily log append failed", "session", sessionID, "error", err)
		return nil
	}
	if p.AfterDailyLog != nil {
		p.AfterDailyLog()
	}
	return nil
}

// History returns the stored conversation of a session.
func (p *Pipeline) History(sessionID string) ([]session.Message, error) {
	return p.store.Load(sessionID)
}

// Clear deletes a session's log.
func (p *Pipeline) Clear(sessionID string) error {
	return p.store.Clear(sessionID)
}

// SessionCount returns the number of stored sessions.
func (p *Pipeline) SessionCount() int {
	n, err := p.store.Count()
	if err != nil {
		slog.Warn("count sessions failed", "error", err)
	}
	return n
}
