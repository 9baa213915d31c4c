package provider

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"mailbridge/internal/domain"
)

// mockProvider implements domain.Provider for testing.
type mockProvider struct {
	name     string
	healthy  bool
	chatErr  error
	chatResp *domain.ChatResponse
	calls    int
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Healthy(ctx context.Context) error {
	if !m.healthy {
		return errors.New("unhealthy")
	}
	return nil
}

func (m *mockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.calls++
	if m.chatErr != nil {
		return nil, m.chatErr
	}
	return m.chatResp, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFailoverProvider_UsesFirstHealthyProvider(t *testing.T) {
	p1 := &mockProvider{name: "primary", healthy: true, chatResp: &domain.ChatResponse{Content: "from-primary"}}
	p2 := &mockProvider{name: "secondary", healthy: true, chatResp: &domain.ChatResponse{Content: "from-secondary"}}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	resp, err := fp.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from-primary" {
		t.Fatalf("expected 'from-primary', got %q", resp.Content)
	}
	if p2.calls != 0 {
		t.Fatal("secondary should not be called")
	}
}

func TestFailoverProvider_FallsBackOnError(t *testing.T) {
	p1 := &mockProvider{name: "primary", chatErr: errors.New("boom")}
	p2 := &mockProvider{name: "secondary", chatResp: &domain.ChatResponse{Content: "from-secondary"}}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	resp, err := fp.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from-secondary" {
		t.Fatalf("expected 'from-secondary', got %q", resp.Content)
	}
}

func TestFailoverProvider_AllProvidersFail(t *testing.T) {
	last := errors.New("second failure")
	p1 := &mockProvider{name: "a", chatErr: errors.New("first failure")}
	p2 := &mockProvider{name: "b", chatErr: last}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	_, err := fp.Chat(context.Background(), domain.ChatRequest{})
	if !errors.Is(err, last) {
		t.Fatalf("expected wrapped last error, got %v", err)
	}
}

func TestFailoverProvider_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p1 := &mockProvider{name: "a", chatErr: context.Canceled}
	p2 := &mockProvider{name: "b", chatResp: &domain.ChatResponse{Content: "x"}}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	if _, err := fp.Chat(ctx, domain.ChatRequest{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if p2.calls != 0 {
		t.Fatal("fallback should not run after cancellation")
	}
}

func TestFailoverProvider_Healthy(t *testing.T) {
	fp := NewFailoverProvider([]domain.Provider{
		&mockProvider{name: "a"},
		&mockProvider{name: "b", healthy: true},
	}, testLogger())
	if err := fp.Healthy(context.Background()); err != nil {
		t.Fatalf("expected healthy chain: %v", err)
	}

	fp = NewFailoverProvider([]domain.Provider{&mockProvider{name: "a"}}, testLogger())
	if err := fp.Healthy(context.Background()); err == nil {
		t.Fatal("expected unhealthy chain")
	}
}

func TestFailoverProvider_Name(t *testing.T) {
	fp := NewFailoverProvider([]domain.Provider{
		&mockProvider{name: "ollama"},
		&mockProvider{name: "openai"},
	}, testLogger())
	name := fp.Name()
	if !strings.Contains(name, "ollama") || !strings.Contains(name, "openai") {
		t.Fatalf("unexpected name %q", name)
	}
}

func TestFailoverProvider_SkipsCoolingProvider(t *testing.T) {
	p1 := &mockProvider{name: "primary", chatErr: errors.New("timeout")}
	p2 := &mockProvider{name: "secondary", chatResp: &domain.ChatResponse{Content: "ok"}}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())
	now := time.Unix(1000, 0)
	fp.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := fp.Chat(context.Background(), domain.ChatRequest{}); err != nil {
			t.Fatalf("chat %d: %v", i, err)
		}
	}
	if p1.calls != 1 {
		t.Fatalf("primary called %d times during cooldown, want 1", p1.calls)
	}

	now = now.Add(DefaultCooldown + time.Second)
	p1.chatErr = nil
	p1.chatResp = &domain.ChatResponse{Content: "primary back"}
	resp, err := fp.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "primary back" {
		t.Fatalf("expected primary after cooldown, got %q", resp.Content)
	}
}

func TestFailoverProvider_CoolingProviderStillTriedLast(t *testing.T) {
	p1 := &mockProvider{name: "a", chatErr: errors.New("down")}
	p2 := &mockProvider{name: "b", chatErr: errors.New("down too")}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	fp.Chat(context.Background(), domain.ChatRequest{})
	p2.chatErr = nil
	p2.chatResp = &domain.ChatResponse{Content: "b ok"}

	resp, err := fp.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("expected cooling providers to be retried: %v", err)
	}
	if resp.Content != "b ok" {
		t.Fatalf("got %q", resp.Content)
	}
}
