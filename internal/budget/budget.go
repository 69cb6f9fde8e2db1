// Package budget estimates conversation token usage and trims history to fit
// the model's context window.
package budget

import (
	"log/slog"
	"math"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/felix-agent/felix/internal/session"
)

const (
	// MessageOverhead is charged per message for role and framing tokens.
	MessageOverhead = 4
	// ConversationOverhead is charged once per message list.
	ConversationOverhead = 3
	// SafetyFactor further shrinks the guard budget before truncating.
	SafetyFactor = 0.8

	encodingName = "cl100k_base"
)

// Tokenizer counts tokens in a text. Count("") must be 0, and counts must not
// decrease when text is appended.
type Tokenizer interface {
	Count(text string) int
}

// Config is the budget a conversation is checked against.
type Config struct {
	MaxTokens      int
	GuardThreshold float64
}

// Status reports token usage of a prompt plus conversation.
type Status struct {
	CurrentTokens   int     `json:"currentTokens"`
	MaxTokens       int     `json:"maxTokens"`
	UsagePercent    float64 `json:"usagePercent"`
	NeedsTruncation bool    `json:"needsTruncation"`
}

// TiktokenCounter counts with the cl100k_base BPE encoding. If the encoding
// cannot be loaded it falls back to a chars/4 estimate.
type TiktokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (c *TiktokenCounter) load() {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err != nil {
			slog.Warn("tiktoken unavailable, using character estimate",
				"encoding", encodingName,
				"error", err,
			)
			return
		}
		c.enc = enc
	})
}

// Count returns the number of tokens in text.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.load()
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return EstimateChars(text)
}

// EstimateChars approximates tokens as ceil(runes/4).
func EstimateChars(text string) int {
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / 4))
}

// Budgeter applies a Tokenizer to conversations.
type Budgeter struct {
	tok Tokenizer
}

// New returns a Budgeter. A nil tokenizer selects tiktoken.
func New(tok Tokenizer) *Budgeter {
	if tok == nil {
		tok = &TiktokenCounter{}
	}
	return &Budgeter{tok: tok}
}

// Tokens counts the tokens in a bare text.
func (b *Budgeter) Tokens(text string) int {
	return b.tok.Count(text)
}

// MessageTokens is the cost of one message including its overhead.
func (b *Budgeter) MessageTokens(m session.Message) int {
	text := m.Content
	if m.Role != session.RoleSystem {
		text = m.Role + ": " + m.Content
	}
	return b.tok.Count(text) + MessageOverhead
}

// MessagesTokens is the cost of a message list.
func (b *Budgeter) MessagesTokens(msgs []session.Message) int {
	total := ConversationOverhead
	for _, m := range msgs {
		total += b.MessageTokens(m)
	}
	return total
}

// CheckStatus reports usage of systemPrompt plus msgs against cfg.
func (b *Budgeter) CheckStatus(msgs []session.Message, systemPrompt string, cfg Config) Status {
	total := b.tok.Count(systemPrompt) + b.MessagesTokens(msgs)
	st := Status{
		CurrentTokens:   total,
		MaxTokens:       cfg.MaxTokens,
		NeedsTruncation: float64(total) > float64(cfg.MaxTokens)*cfg.GuardThreshold,
	}
	if cfg.MaxTokens > 0 {
		st.UsagePercent = float64(total) / float64(cfg.MaxTokens) * 100
	}
	return st
}

// Truncate keeps the longest run of newest messages whose summed cost fits
// within budget. The result is always a contiguous suffix of msgs and may be
// empty.
func (b *Budgeter) Truncate(msgs []session.Message, budget int) []session.Message {
	used := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := b.MessageTokens(msgs[i])
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	out := make([]session.Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out
}

// EffectiveBudget is the token budget history is truncated to before a model
// call: max * guard * SafetyFactor, rounded down.
func EffectiveBudget(cfg Config) int {
	return int(math.Floor(float64(cfg.MaxTokens) * cfg.GuardThreshold * SafetyFactor))
}
