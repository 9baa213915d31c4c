package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"mailbridge/internal/domain"
)

type fakeProvider struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
	last  domain.ChatRequest
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Healthy(ctx context.Context) error { return nil }

func (f *fakeProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ChatResponse{Content: f.reply, FinishReason: "stop"}, nil
}

type fakeSessions struct {
	turns []domain.Turn
	err   error
}

func (f *fakeSessions) ReadLastActivity(ctx context.Context, storePath, sessionKey string) (time.Time, error) {
	return time.Time{}, nil
}

func (f *fakeSessions) RecordInbound(ctx context.Context, storePath, sessionKey string, in domain.InboundContext) error {
	return nil
}

func (f *fakeSessions) RecordOutbound(ctx context.Context, storePath, sessionKey string, turn domain.Turn) error {
	return nil
}

func (f *fakeSessions) History(ctx context.Context, storePath, sessionKey string, limit int) ([]domain.Turn, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && len(f.turns) > limit {
		return f.turns[len(f.turns)-limit:], nil
	}
	return f.turns, nil
}

func inboundCtx() domain.InboundContext {
	return domain.InboundContext{
		Body:              "[Email from Alice <alice@x.com>]\nCan we meet Tuesday?",
		SessionKey:        "agent:main:agentmail:default:direct:alice@x.com",
		AccountID:         "default",
		StorePath:         "/tmp/main.db",
		ConversationLabel: "Alice <alice@x.com>",
		MessageSid:        "m3",
		Subject:           "Meeting",
	}
}

type collector struct {
	blocks []domain.ReplyBlock
	errs   []domain.DispatchErrorInfo
	failAt map[int]bool
}

func (c *collector) opts(streaming *bool) domain.DispatchOptions {
	return domain.DispatchOptions{
		Deliver: func(ctx context.Context, b domain.ReplyBlock) error {
			if c.failAt[b.Index] {
				return errors.New("send failed")
			}
			c.blocks = append(c.blocks, b)
			return nil
		},
		OnError: func(err error, info domain.DispatchErrorInfo) {
			c.errs = append(c.errs, info)
		},
		BlockStreaming: streaming,
	}
}

func TestDispatch_SingleBlock(t *testing.T) {
	prov := &fakeProvider{reply: "  Tuesday works.  "}
	sessions := &fakeSessions{turns: []domain.Turn{
		{Direction: domain.DirectionInbound, MessageID: "m1", Body: "hi"},
		{Direction: domain.DirectionOutbound, MessageID: "r1", Body: "hello"},
		{Direction: domain.DirectionInbound, MessageID: "m3", Body: "current"},
	}}
	p := NewPipeline(PipelineConfig{
		Provider:     prov,
		Sessions:     sessions,
		SystemPrompt: "Be brief.",
		Logger:       testLogger(),
	})

	c := &collector{}
	if err := p.Dispatch(context.Background(), inboundCtx(), c.opts(nil)); err != nil {
		t.Fatal(err)
	}
	if len(c.blocks) != 1 || c.blocks[0].Text != "Tuesday works." || c.blocks[0].Kind != KindFinal {
		t.Fatalf("blocks = %+v", c.blocks)
	}

	msgs := prov.last.Messages
	if len(msgs) != 4 {
		t.Fatalf("expected system + 2 history + current, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "Be brief.") || !strings.Contains(msgs[0].Content, "Subject: Meeting") {
		t.Errorf("system = %q", msgs[0].Content)
	}
	if msgs[1].Role != "user" || msgs[1].Content != "hi" {
		t.Errorf("history[0] = %+v", msgs[1])
	}
	if msgs[2].Role != "assistant" || msgs[2].Content != "hello" {
		t.Errorf("history[1] = %+v", msgs[2])
	}
	if msgs[3].Role != "user" || !strings.Contains(msgs[3].Content, "Tuesday?") {
		t.Errorf("current = %+v", msgs[3])
	}
	if prov.last.MaxTokens != defaultMaxTokens {
		t.Errorf("max tokens = %d", prov.last.MaxTokens)
	}
}

func TestDispatch_HistoryLimit(t *testing.T) {
	prov := &fakeProvider{reply: "ok"}
	var turns []domain.Turn
	for i := 0; i < 10; i++ {
		turns = append(turns, domain.Turn{Direction: domain.DirectionInbound, MessageID: string(rune('a' + i)), Body: "t"})
	}
	p := NewPipeline(PipelineConfig{Provider: prov, Sessions: &fakeSessions{turns: turns}, HistoryLimit: 3, Logger: testLogger()})

	c := &collector{}
	p.Dispatch(context.Background(), inboundCtx(), c.opts(nil))
	if got := len(prov.last.Messages); got != 1+3+1 {
		t.Errorf("expected 5 messages, got %d", got)
	}
}

func TestDispatch_HistoryErrorIsNotFatal(t *testing.T) {
	prov := &fakeProvider{reply: "ok"}
	p := NewPipeline(PipelineConfig{Provider: prov, Sessions: &fakeSessions{err: errors.New("locked")}, Logger: testLogger()})
	c := &collector{}
	if err := p.Dispatch(context.Background(), inboundCtx(), c.opts(nil)); err != nil {
		t.Fatal(err)
	}
	if len(c.blocks) != 1 {
		t.Errorf("expected reply despite history error, got %d blocks", len(c.blocks))
	}
}

func TestDispatch_ChunksWhenStreaming(t *testing.T) {
	para := strings.Repeat("x", 30)
	prov := &fakeProvider{reply: para + "\n\n" + para + "\n\n" + para}
	p := NewPipeline(PipelineConfig{Provider: prov, ChunkLimit: 40, Logger: testLogger()})

	c := &collector{}
	if err := p.Dispatch(context.Background(), inboundCtx(), c.opts(nil)); err != nil {
		t.Fatal(err)
	}
	if len(c.blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d: %+v", len(c.blocks), c.blocks)
	}
	for i, b := range c.blocks {
		if b.Index != i {
			t.Errorf("block %d has index %d", i, b.Index)
		}
		want := KindBlock
		if i == 2 {
			want = KindFinal
		}
		if b.Kind != want {
			t.Errorf("block %d kind = %q, want %q", i, b.Kind, want)
		}
	}

	off := false
	c = &collector{}
	p.Dispatch(context.Background(), inboundCtx(), c.opts(&off))
	if len(c.blocks) != 1 {
		t.Errorf("expected one block with streaming disabled, got %d", len(c.blocks))
	}
}

func TestDispatch_BlockFailureContinues(t *testing.T) {
	para := strings.Repeat("y", 30)
	prov := &fakeProvider{reply: para + "\n\n" + para + "\n\n" + para}
	p := NewPipeline(PipelineConfig{Provider: prov, ChunkLimit: 40, Logger: testLogger()})

	c := &collector{failAt: map[int]bool{0: true}}
	if err := p.Dispatch(context.Background(), inboundCtx(), c.opts(nil)); err != nil {
		t.Fatal(err)
	}
	if len(c.errs) != 1 || c.errs[0].Index != 0 || c.errs[0].Kind != KindBlock {
		t.Errorf("errs = %+v", c.errs)
	}
	if len(c.blocks) != 2 {
		t.Errorf("expected later blocks delivered, got %d", len(c.blocks))
	}
}

func TestDispatch_ProviderError(t *testing.T) {
	p := NewPipeline(PipelineConfig{Provider: &fakeProvider{err: errors.New("503")}, Logger: testLogger()})
	c := &collector{}
	if err := p.Dispatch(context.Background(), inboundCtx(), c.opts(nil)); err != nil {
		t.Fatal(err)
	}
	if len(c.errs) != 1 || c.errs[0].Kind != KindFinal {
		t.Errorf("errs = %+v", c.errs)
	}
	if len(c.blocks) != 0 {
		t.Errorf("no blocks expected, got %d", len(c.blocks))
	}
}

func TestDispatch_EmptyReply(t *testing.T) {
	p := NewPipeline(PipelineConfig{Provider: &fakeProvider{reply: "   \n"}, Logger: testLogger()})
	c := &collector{}
	p.Dispatch(context.Background(), inboundCtx(), c.opts(nil))
	if len(c.blocks) != 0 || len(c.errs) != 0 {
		t.Errorf("blocks=%d errs=%d", len(c.blocks), len(c.errs))
	}
}

func TestDispatch_RequiresDeliver(t *testing.T) {
	p := NewPipeline(PipelineConfig{Provider: &fakeProvider{reply: "x"}, Logger: testLogger()})
	if err := p.Dispatch(context.Background(), inboundCtx(), domain.DispatchOptions{}); err == nil {
		t.Fatal("expected error without Deliver")
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 100); len(got) != 1 {
		t.Errorf("got %d chunks", len(got))
	}

	long := strings.Repeat("line of text\n", 20)
	chunks := splitMessage(long, 50)
	if strings.Join(chunks, "") != long {
		t.Error("chunks must reassemble to the input")
	}
	for _, c := range chunks {
		if len(c) > 50 {
			t.Errorf("chunk too long: %d", len(c))
		}
	}

	multi := strings.Repeat("é", 40) // 2 bytes each
	for _, c := range splitMessage(multi, 7) {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %q splits a rune", c)
		}
	}
}
