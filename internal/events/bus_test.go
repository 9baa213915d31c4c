package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestBus_EmitAndReceive(t *testing.T) {
	b := NewBus(testLogger())

	var got Event
	b.On(MessageReceived, func(e Event) { got = e })
	b.Emit(Event{Type: MessageReceived, AccountID: "default", Payload: map[string]any{"from": "a@x.com"}})

	if got.Type != MessageReceived || got.Str("from") != "a@x.com" {
		t.Fatalf("got %+v", got)
	}
	if got.ID == "" || got.Timestamp.IsZero() {
		t.Error("expected id and timestamp to be stamped")
	}
	if got.Str("missing") != "" {
		t.Error("missing key should be empty")
	}
}

func TestBus_WildcardHandler(t *testing.T) {
	b := NewBus(testLogger())
	var count int32
	b.On("*", func(e Event) { atomic.AddInt32(&count, 1) })

	b.Emit(Event{Type: MessageSent})
	b.Emit(Event{Type: DeliveryFailed})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestBus_Off(t *testing.T) {
	b := NewBus(testLogger())
	var count int32
	id := b.On(MessageSent, func(e Event) { atomic.AddInt32(&count, 1) })
	b.On(MessageSent, func(e Event) {})

	b.Emit(Event{Type: MessageSent})
	b.Off(MessageSent, id)
	b.Emit(Event{Type: MessageSent})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestBus_HandlerPanicIsolated(t *testing.T) {
	b := NewBus(testLogger())
	var after int32
	b.On(MessageSent, func(e Event) { panic("boom") })
	b.On(MessageSent, func(e Event) { atomic.AddInt32(&after, 1) })

	b.Emit(Event{Type: MessageSent})
	if atomic.LoadInt32(&after) != 1 {
		t.Error("second handler should still run")
	}
}

func TestBus_ReplayAndHistoryBound(t *testing.T) {
	b := NewBus(testLogger())
	b.maxHistory = 3

	start := time.Now()
	for i := 0; i < 5; i++ {
		b.Emit(Event{Type: MessageReceived})
	}
	b.Emit(Event{Type: MessageSent})

	if len(b.history) != 3 {
		t.Errorf("history len = %d, want 3", len(b.history))
	}
	if got := b.Replay(MessageSent, start); len(got) != 1 {
		t.Errorf("replay sent = %d", len(got))
	}
	if got := b.Replay("*", start); len(got) != 3 {
		t.Errorf("replay all = %d", len(got))
	}
	if got := b.Replay("*", time.Now().Add(time.Hour)); len(got) != 0 {
		t.Errorf("future replay = %d", len(got))
	}
}

func TestBus_NilIsSafe(t *testing.T) {
	var b *Bus
	b.Emit(Event{Type: MessageSent})
}

func TestBus_Handler(t *testing.T) {
	b := NewBus(testLogger())
	old := time.Now().Add(-2 * time.Hour)
	b.Emit(Event{Type: MessageSent, AccountID: "work", Timestamp: old})
	b.Emit(Event{Type: MessageSent, AccountID: "default"})
	b.Emit(Event{Type: MessageReceived, AccountID: "default", Payload: map[string]any{"from": "a@x.com"}})

	get := func(query string) (int, []Event) {
		t.Helper()
		rec := httptest.NewRecorder()
		b.Handler()(rec, httptest.NewRequest(http.MethodGet, "/events"+query, nil))
		if rec.Code != http.StatusOK {
			return rec.Code, nil
		}
		var out []Event
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %q: %v", rec.Body.String(), err)
		}
		return rec.Code, out
	}

	if _, all := get(""); len(all) != 3 {
		t.Errorf("all = %d, want 3", len(all))
	}
	if _, recent := get("?since=1h"); len(recent) != 2 {
		t.Errorf("since=1h = %d, want 2", len(recent))
	}
	_, sent := get("?type=message.sent&account=default")
	if len(sent) != 1 || sent[0].AccountID != "default" || sent[0].ID == "" {
		t.Errorf("filtered = %+v", sent)
	}
	_, recv := get("?type=message.received")
	if len(recv) != 1 || recv[0].Str("from") != "a@x.com" {
		t.Errorf("received = %+v", recv)
	}
	if code, _ := get("?since=yesterday"); code != http.StatusBadRequest {
		t.Errorf("bad since status = %d", code)
	}
}
