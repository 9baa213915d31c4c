package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"mailbridge/internal/domain"
)

const (
	defaultMaxContextTokens = 8192
	minRecentMessages       = 4
	// Rough English average; quoted mail and URLs make word counts unreliable.
	charsPerToken   = 4
	messageOverhead = 4
	// Each turn is clipped to this many runes in the summarization prompt.
	summaryInputRunes = 2000
	summaryHeader     = "Earlier in this email thread (summary):"
)

// Compactor keeps long mail threads inside the model's context window. When
// the prompt exceeds the token budget, the older turns are summarized by the
// provider and replaced with one summary message.
type Compactor struct {
	provider  domain.Provider
	maxTokens int
	logger    *slog.Logger
}

type CompactorConfig struct {
	Provider  domain.Provider
	MaxTokens int
	Logger    *slog.Logger
}

func NewCompactor(cfg CompactorConfig) *Compactor {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxContextTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Compactor{
		provider:  cfg.Provider,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
	}
}

// EstimateTokens returns a rough token count for a prompt.
func EstimateTokens(messages []domain.Message) int {
	total := 0
	for _, m := range messages {
		total += messageOverhead + estimateStringTokens(m.Content)
	}
	return total
}

func estimateStringTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + charsPerToken - 1) / charsPerToken
}

// Compact returns messages unchanged when they fit the budget. Otherwise the
// leading system messages and a recent tail are kept and the turns between
// them are summarized. The tail holds at least minRecentMessages and grows
// while it stays under half the budget. On summarization failure the full
// context is kept.
func (c *Compactor) Compact(ctx context.Context, messages []domain.Message) []domain.Message {
	total := EstimateTokens(messages)
	if total <= c.maxTokens {
		return messages
	}

	head := 0
	for head < len(messages) && messages[head].Role == "system" {
		head++
	}
	tail := len(messages) - minRecentMessages
	if tail <= head {
		return messages
	}
	recent := EstimateTokens(messages[tail:])
	for tail-1 > head {
		next := messageOverhead + estimateStringTokens(messages[tail-1].Content)
		if recent+next > c.maxTokens/2 {
			break
		}
		recent += next
		tail--
	}

	older := messages[head:tail]
	c.logger.Info("context compaction triggered",
		"total_tokens", total,
		"max_tokens", c.maxTokens,
		"summarized", len(older),
	)

	summary, err := c.summarize(ctx, older)
	if err != nil {
		c.logger.Warn("compaction summarization failed, keeping full context", "err", err)
		return messages
	}

	out := make([]domain.Message, 0, head+1+len(messages)-tail)
	out = append(out, messages[:head]...)
	out = append(out, domain.Message{Role: "system", Content: summaryHeader + "\n" + summary})
	out = append(out, messages[tail:]...)

	c.logger.Debug("context compacted", "old_tokens", total, "new_tokens", EstimateTokens(out))
	return out
}

func (c *Compactor) summarize(ctx context.Context, messages []domain.Message) (string, error) {
	var sb strings.Builder
	for _, m := range messages {
		content := m.Content
		if utf8.RuneCountInString(content) > summaryInputRunes {
			content = string([]rune(content)[:summaryInputRunes]) + " [...]"
		}
		label := "Sender"
		if m.Role == "assistant" {
			label = "Us"
		}
		fmt.Fprintf(&sb, "%s: %s\n\n", label, content)
	}

	resp, err := c.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.Message{
			{
				Role: "system",
				Content: `You summarize email conversations. Preserve names, dates, requests,
commitments and open questions. Keep the summary under 200 words.`,
			},
			{Role: "user", Content: "Summarize this email conversation:\n\n" + sb.String()},
		},
		MaxTokens:   512,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summarize thread: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("summarize thread: empty summary")
	}
	return summary, nil
}
