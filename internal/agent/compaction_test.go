package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"mailbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(nil); got != 0 {
		t.Errorf("nil messages = %d tokens, want 0", got)
	}
	msgs := []domain.Message{
		{Role: "system", Content: "abcd"},
		{Role: "user", Content: "abcde"},
	}
	// 4+1 and 4+2
	if got := EstimateTokens(msgs); got != 11 {
		t.Errorf("EstimateTokens = %d, want 11", got)
	}
}

func TestEstimateStringTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"héllo wörld", 3},
	}
	for _, tt := range tests {
		if got := estimateStringTokens(tt.in); got != tt.want {
			t.Errorf("estimateStringTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func longHistory(n int) []domain.Message {
	msgs := []domain.Message{{Role: "system", Content: "system prompt"}}
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, domain.Message{Role: role, Content: strings.Repeat("word ", 50)})
	}
	return msgs
}

func TestCompact_UnderBudget(t *testing.T) {
	p := &fakeProvider{reply: "summary"}
	c := NewCompactor(CompactorConfig{Provider: p, MaxTokens: 100000, Logger: testLogger()})
	msgs := longHistory(10)
	if got := c.Compact(context.Background(), msgs); len(got) != len(msgs) {
		t.Errorf("expected no compaction, got %d messages", len(got))
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times", p.calls)
	}
}

func TestCompact_SummarizesOldMessages(t *testing.T) {
	p := &fakeProvider{reply: "they discussed invoices"}
	c := NewCompactor(CompactorConfig{Provider: p, MaxTokens: 100, Logger: testLogger()})
	msgs := longHistory(10)

	got := c.Compact(context.Background(), msgs)
	if len(got) != 2+minRecentMessages {
		t.Fatalf("expected %d messages, got %d", 2+minRecentMessages, len(got))
	}
	if got[0].Content != "system prompt" {
		t.Error("system prompt must be preserved")
	}
	if !strings.HasPrefix(got[1].Content, summaryHeader) || !strings.Contains(got[1].Content, "invoices") {
		t.Errorf("summary message = %q", got[1].Content)
	}
	if got[len(got)-1] != msgs[len(msgs)-1] {
		t.Error("latest turn must be kept verbatim")
	}
}

func TestCompact_TailGrowsWithinHalfBudget(t *testing.T) {
	p := &fakeProvider{reply: "earlier stuff"}
	// Each turn is 4 + 63 tokens; half of 1000 fits 7 of them.
	c := NewCompactor(CompactorConfig{Provider: p, MaxTokens: 1000, Logger: testLogger()})
	msgs := longHistory(20)

	got := c.Compact(context.Background(), msgs)
	if len(got) != 2+7 {
		t.Fatalf("expected %d messages, got %d", 2+7, len(got))
	}
}

func TestCompact_SummaryFailureKeepsContext(t *testing.T) {
	for _, p := range []*fakeProvider{{err: errors.New("down")}, {reply: "  "}} {
		c := NewCompactor(CompactorConfig{Provider: p, MaxTokens: 10, Logger: testLogger()})
		msgs := longHistory(10)
		if got := c.Compact(context.Background(), msgs); len(got) != len(msgs) {
			t.Errorf("expected full context on failure, got %d", len(got))
		}
	}
}

func TestCompact_TooFewMessages(t *testing.T) {
	c := NewCompactor(CompactorConfig{Provider: &fakeProvider{}, MaxTokens: 1, Logger: testLogger()})
	msgs := longHistory(minRecentMessages)
	if got := c.Compact(context.Background(), msgs); len(got) != len(msgs) {
		t.Errorf("expected untouched messages, got %d", len(got))
	}
}
