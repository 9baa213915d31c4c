package status

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"mailbridge/internal/events"
)

func testBus() *events.Bus {
	return events.NewBus(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
}

func TestTracker_Lifecycle(t *testing.T) {
	bus := testBus()
	tr := NewTracker()
	tr.Subscribe(bus)

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	bus.Emit(events.Event{Type: events.MonitorStarted, AccountID: "default", Timestamp: t0})
	bus.Emit(events.Event{Type: events.ConnectionState, AccountID: "default", Payload: map[string]any{"state": "connecting", "previous": "disconnected"}})
	bus.Emit(events.Event{Type: events.ConnectionState, AccountID: "default", Payload: map[string]any{"state": "connected", "previous": "connecting"}})
	bus.Emit(events.Event{Type: events.MessageReceived, AccountID: "default", Timestamp: t0.Add(90 * time.Second)})
	bus.Emit(events.Event{Type: events.MessageAccepted, AccountID: "default", Timestamp: t0.Add(time.Minute)})
	bus.Emit(events.Event{Type: events.MessageSent, AccountID: "default", Timestamp: t0.Add(2 * time.Minute)})

	s := tr.Snapshot("default")
	if !s.Running || s.State != "connected" {
		t.Errorf("snapshot = %+v", s)
	}
	if !s.LastStartAt.Equal(t0) {
		t.Errorf("lastStartAt = %v", s.LastStartAt)
	}
	if !s.LastInboundAt.Equal(t0.Add(time.Minute)) || !s.LastOutboundAt.Equal(t0.Add(2*time.Minute)) {
		t.Errorf("activity = %v / %v", s.LastInboundAt, s.LastOutboundAt)
	}
	if s.Received != 1 || s.Sent != 1 || s.Reconnects != 0 {
		t.Errorf("counts = %+v", s)
	}

	bus.Emit(events.Event{Type: events.ConnectionState, AccountID: "default", Payload: map[string]any{"state": "backoff", "previous": "connected", "error": "close 1006"}})
	bus.Emit(events.Event{Type: events.ConnectionState, AccountID: "default", Payload: map[string]any{"state": "connecting", "previous": "backoff"}})
	bus.Emit(events.Event{Type: events.MonitorStopped, AccountID: "default", Timestamp: t0.Add(time.Hour)})

	s = tr.Snapshot("default")
	if s.Running || s.Reconnects != 1 || s.LastError != "close 1006" {
		t.Errorf("after reconnect/stop = %+v", s)
	}
	if !s.LastStopAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("lastStopAt = %v", s.LastStopAt)
	}
}

func TestTracker_InboundTimeFromAcceptedMessage(t *testing.T) {
	tr := NewTracker()
	tr.Apply(events.Event{Type: events.MessageReceived, AccountID: "default", Timestamp: time.Now()})
	if s := tr.Snapshot("default"); !s.LastInboundAt.IsZero() || s.Received != 1 {
		t.Errorf("after received = %+v", s)
	}

	sent := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	tr.Apply(events.Event{Type: events.MessageAccepted, AccountID: "default", Timestamp: sent})
	if got := tr.Snapshot("default").LastInboundAt; !got.Equal(sent) {
		t.Errorf("lastInboundAt = %v, want %v", got, sent)
	}
}

func TestTracker_DeliveryFailureSetsError(t *testing.T) {
	tr := NewTracker()
	tr.Apply(events.Event{Type: events.DeliveryFailed, AccountID: "work", Payload: map[string]any{"error": "422 invalid"}})
	if got := tr.Snapshot("work").LastError; got != "422 invalid" {
		t.Errorf("lastError = %q", got)
	}
}

func TestTracker_IgnoresEventsWithoutAccount(t *testing.T) {
	tr := NewTracker()
	tr.Apply(events.Event{Type: events.MessageReceived})
	if len(tr.All()) != 0 {
		t.Error("expected no accounts")
	}
}

func TestTracker_UnknownAccountAndOrdering(t *testing.T) {
	tr := NewTracker()
	if s := tr.Snapshot("nope"); s.AccountID != "nope" || s.Running {
		t.Errorf("unknown = %+v", s)
	}
	tr.Apply(events.Event{Type: events.MonitorStarted, AccountID: "zeta"})
	tr.Apply(events.Event{Type: events.MonitorStarted, AccountID: "alpha"})
	all := tr.All()
	if len(all) != 2 || all[0].AccountID != "alpha" {
		t.Errorf("all = %+v", all)
	}
}

func TestSnapshot_JSONOmitsZeroTimes(t *testing.T) {
	tr := NewTracker()
	tr.SetProbe("default", map[string]any{"ok": true})
	data, err := json.Marshal(tr.Snapshot("default"))
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if strings.Contains(s, "lastStartAt") {
		t.Errorf("zero time should be omitted: %s", s)
	}
	if !strings.Contains(s, `"probe":{"ok":true}`) {
		t.Errorf("probe missing: %s", s)
	}
}
