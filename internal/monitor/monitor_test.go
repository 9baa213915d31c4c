package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mailbridge/internal/config"
	"mailbridge/internal/domain"
	"mailbridge/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

const (
	echoFrame    = `{"type":"event","event_type":"message.received","message":{"message_id":"e1","inbox_id":"inbox-1","from":"Bot <bot@agentmail.to>","text":"mine"}}`
	validFrame   = `{"type":"event","event_type":"message.received","message":{"message_id":"m1","thread_id":"t1","inbox_id":"inbox-1","from":{"address":"alice@example.com","name":"Alice"},"subject":"Hi","text":"hello"}}`
	ignoredFrame = `{"type":"event","event_type":"message.sent","message":{"message_id":"s1","inbox_id":"inbox-1"}}`
)

// mailServer accepts one subscriber at a time and pushes frames after the
// subscribe frame arrives.
type mailServer struct {
	t      *testing.T
	frames []string

	mu        sync.Mutex
	subscribe []string
	apiKeys   []string
}

func (s *mailServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_, sub, err := conn.ReadMessage()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.subscribe = append(s.subscribe, string(sub))
	s.apiKeys = append(s.apiKeys, r.URL.Query().Get("api_key"))
	s.mu.Unlock()

	for _, f := range s.frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			return
		}
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newConfig(wsURL string) *config.Config {
	cfg := config.Defaults()
	am := &cfg.Channels.AgentMail
	am.APIKey = "am_key"
	am.InboxID = "inbox-1"
	am.Username = "bot"
	am.Domain = "agentmail.to"
	am.WebSocketURL = wsURL
	return cfg
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) on(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func startServer(t *testing.T, frames ...string) (*mailServer, string) {
	t.Helper()
	srv := &mailServer{t: t, frames: frames}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestStart_NotConfigured(t *testing.T) {
	cfg := newConfig("ws://127.0.0.1:1")
	cfg.Channels.AgentMail.InboxID = ""

	_, err := Start(context.Background(), Options{
		Config:    cfg,
		OnMessage: func(context.Context, *domain.InboundMessage) error { return nil },
		Logger:    testLogger(),
	})
	if !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestStart_Disabled(t *testing.T) {
	cfg := newConfig("ws://127.0.0.1:1")
	off := false
	cfg.Channels.AgentMail.Enabled = &off

	_, err := Start(context.Background(), Options{
		Config:    cfg,
		OnMessage: func(context.Context, *domain.InboundMessage) error { return nil },
		Logger:    testLogger(),
	})
	if !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("err = %v, want ErrAccountDisabled", err)
	}
}

func TestStart_NoHandler(t *testing.T) {
	_, err := Start(context.Background(), Options{Config: newConfig("ws://127.0.0.1:1"), Logger: testLogger()})
	if err == nil {
		t.Fatal("expected an error without a handler")
	}
}

func TestMonitor_EndToEnd(t *testing.T) {
	srv, wsURL := startServer(t, "{not json", ignoredFrame, echoFrame, validFrame, validFrame)

	bus := events.NewBus(testLogger())
	rec := &recorder{}
	bus.On("*", rec.on)

	got := make(chan *domain.InboundMessage, 4)
	h, err := Start(context.Background(), Options{
		Config: newConfig(wsURL),
		OnMessage: func(ctx context.Context, msg *domain.InboundMessage) error {
			got <- msg
			return nil
		},
		Bus:    bus,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case msg := <-got:
		if msg.MessageID != "m1" || msg.From != "alice@example.com" || msg.FromDisplay != "Alice" {
			t.Errorf("message = %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
	}

	h.Stop()
	h.Wait()

	select {
	case msg := <-got:
		t.Fatalf("unexpected second delivery %q", msg.MessageID)
	default:
	}

	srv.mu.Lock()
	if len(srv.subscribe) == 0 {
		t.Fatal("no subscribe frame received")
	}
	sub := srv.subscribe[0]
	key := srv.apiKeys[0]
	srv.mu.Unlock()
	for _, want := range []string{`"type":"subscribe"`, `"event_types":["message.received"]`, `"inbox_ids":["inbox-1"]`} {
		if !strings.Contains(sub, want) {
			t.Errorf("subscribe frame %s missing %s", sub, want)
		}
	}
	if key != "am_key" {
		t.Errorf("api_key = %q", key)
	}

	checks := map[string]int{
		events.MonitorStarted:  1,
		events.MonitorStopped:  1,
		events.MessageReceived: 1,
		events.MessageEchoSkip: 1,
		events.FrameMalformed:  1,
	}
	for eventType, want := range checks {
		if n := rec.count(eventType); n != want {
			t.Errorf("%s events = %d, want %d", eventType, n, want)
		}
	}
	if rec.count(events.ConnectionState) == 0 {
		t.Error("expected connection.state events")
	}
	if h.State().String() != "stopped" {
		t.Errorf("state = %s", h.State())
	}
}

func TestMonitor_WorkersOutliveStop(t *testing.T) {
	_, wsURL := startServer(t, validFrame)

	started := make(chan struct{})
	release := make(chan struct{})
	var ctxErr error
	h, err := Start(context.Background(), Options{
		Config: newConfig(wsURL),
		OnMessage: func(ctx context.Context, msg *domain.InboundMessage) error {
			close(started)
			<-release
			ctxErr = ctx.Err()
			return nil
		},
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}
	h.Stop()
	<-h.Done()
	close(release)
	h.Wait()

	if ctxErr != nil {
		t.Errorf("worker context cancelled by Stop: %v", ctxErr)
	}
}

func TestMonitor_WorkerPanicRecovered(t *testing.T) {
	_, wsURL := startServer(t, validFrame)

	called := make(chan struct{})
	h, err := Start(context.Background(), Options{
		Config: newConfig(wsURL),
		OnMessage: func(ctx context.Context, msg *domain.InboundMessage) error {
			close(called)
			panic("handler exploded")
		},
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never called")
	}
	h.Stop()
	h.Wait()
}

func TestMonitor_CancelledContextNeverDials(t *testing.T) {
	srv, wsURL := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h, err := Start(ctx, Options{
		Config:    newConfig(wsURL),
		OnMessage: func(context.Context, *domain.InboundMessage) error { return nil },
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Wait()

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.subscribe) != 0 {
		t.Errorf("dialled %d times with a cancelled context", len(srv.subscribe))
	}
}
