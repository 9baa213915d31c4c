// Package agent is the reply pipeline: it turns an inbound mail turn plus the
// session history into a chat completion and hands the answer back as blocks.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"mailbridge/internal/domain"
)

const (
	defaultHistoryLimit = 20
	defaultMaxTokens    = 2048
	defaultTemperature  = 0.7
	defaultChunkLimit   = 50000
)

// Block kinds handed to DispatchOptions.Deliver.
const (
	KindBlock = "block"
	KindFinal = "final"
)

// Pipeline implements domain.ReplyPipeline on top of a chat provider.
type Pipeline struct {
	provider     domain.Provider
	sessions     domain.SessionStore
	compactor    *Compactor
	limiter      *RateLimiter
	systemPrompt string
	historyLimit int
	maxTokens    int
	temperature  float64
	chunkLimit   int
	logger       *slog.Logger
}

// PipelineConfig holds the pipeline's dependencies and tuning.
type PipelineConfig struct {
	Provider         domain.Provider
	Sessions         domain.SessionStore // optional; no history without it
	SystemPrompt     string
	HistoryLimit     int
	MaxTokens        int
	MaxContextTokens int
	Temperature      float64
	ChunkLimit       int
	RateBurst        int
	RatePerMinute    float64 // 0 disables throttling
	Logger           *slog.Logger
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.ChunkLimit <= 0 {
		cfg.ChunkLimit = defaultChunkLimit
	}
	return &Pipeline{
		provider: cfg.Provider,
		sessions: cfg.Sessions,
		compactor: NewCompactor(CompactorConfig{
			Provider:  cfg.Provider,
			MaxTokens: cfg.MaxContextTokens,
			Logger:    cfg.Logger,
		}),
		limiter:      NewRateLimiter(cfg.RateBurst, cfg.RatePerMinute),
		systemPrompt: cfg.SystemPrompt,
		historyLimit: cfg.HistoryLimit,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		chunkLimit:   cfg.ChunkLimit,
		logger:       cfg.Logger,
	}
}

// Dispatch generates a reply for in and delivers it block by block.
// Generation failures and per-block delivery failures go to opts.OnError; a
// failed block does not stop later blocks.
func (p *Pipeline) Dispatch(ctx context.Context, in domain.InboundContext, opts domain.DispatchOptions) error {
	if opts.Deliver == nil {
		return fmt.Errorf("dispatch: Deliver is required")
	}
	onError := opts.OnError
	if onError == nil {
		onError = func(err error, info domain.DispatchErrorInfo) {
			p.logger.Error("reply dispatch failed", "kind", info.Kind, "index", info.Index, "err", err)
		}
	}

	if err := p.limiter.Wait(ctx); err != nil {
		onError(fmt.Errorf("rate limit: %w", err), domain.DispatchErrorInfo{Kind: KindFinal})
		return nil
	}

	messages := p.buildMessages(ctx, in)
	messages = p.compactor.Compact(ctx, messages)

	resp, err := p.provider.Chat(ctx, domain.ChatRequest{
		Messages:    messages,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		onError(fmt.Errorf("generate reply: %w", err), domain.DispatchErrorInfo{Kind: KindFinal})
		return nil
	}

	p.logger.Debug("reply generated",
		"session", in.SessionKey,
		"provider", p.provider.Name(),
		"latency_ms", resp.LatencyMs,
		"tokens", resp.Usage.TotalTokens,
		"finish", resp.FinishReason,
	)

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		p.logger.Info("agent produced an empty reply", "session", in.SessionKey)
		return nil
	}

	chunks := []string{text}
	if opts.BlockStreaming == nil || *opts.BlockStreaming {
		chunks = splitMessage(text, p.chunkLimit)
	}

	for i, chunk := range chunks {
		kind := KindBlock
		if i == len(chunks)-1 {
			kind = KindFinal
		}
		block := domain.ReplyBlock{Text: chunk, Kind: kind, Index: i}
		if err := opts.Deliver(ctx, block); err != nil {
			onError(err, domain.DispatchErrorInfo{Kind: kind, Index: i})
		}
	}
	return nil
}

// buildMessages assembles system prompt, prior turns and the current envelope.
func (p *Pipeline) buildMessages(ctx context.Context, in domain.InboundContext) []domain.Message {
	msgs := []domain.Message{{Role: "system", Content: p.buildSystemPrompt(in)}}

	for _, t := range p.loadHistory(ctx, in) {
		role := "user"
		if t.Direction == domain.DirectionOutbound {
			role = "assistant"
		}
		msgs = append(msgs, domain.Message{Role: role, Content: t.Body})
	}

	return append(msgs, domain.Message{Role: "user", Content: in.Body})
}

// loadHistory returns prior turns, excluding the inbound turn being answered.
func (p *Pipeline) loadHistory(ctx context.Context, in domain.InboundContext) []domain.Turn {
	if p.sessions == nil || in.StorePath == "" {
		return nil
	}
	turns, err := p.sessions.History(ctx, in.StorePath, in.SessionKey, p.historyLimit+1)
	if err != nil {
		p.logger.Warn("failed to load session history", "session", in.SessionKey, "err", err)
		return nil
	}

	out := make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Direction == domain.DirectionInbound && in.MessageSid != "" && t.MessageID == in.MessageSid {
			continue
		}
		if strings.TrimSpace(t.Body) == "" {
			continue
		}
		out = append(out, t)
	}
	if len(out) > p.historyLimit {
		out = out[len(out)-p.historyLimit:]
	}
	return out
}

func (p *Pipeline) buildSystemPrompt(in domain.InboundContext) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(p.systemPrompt))
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Conversation\n")
	fmt.Fprintf(&sb, "Channel: email | Account: %s | From: %s", in.AccountID, in.ConversationLabel)
	if in.Subject != "" {
		fmt.Fprintf(&sb, " | Subject: %s", in.Subject)
	}
	return sb.String()
}
