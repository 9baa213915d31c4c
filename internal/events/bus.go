// Package events is the in-process activity feed. The monitor and dispatcher
// emit events; the status tracker and metrics recorder subscribe to them.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known event types.
const (
	ConnectionState  = "connection.state"
	MessageReceived  = "message.received"
	MessageAccepted  = "message.accepted"
	MessageEchoSkip  = "message.echo_skipped"
	MessageDropped   = "message.dropped"
	MessageSent      = "message.sent"
	DeliveryFailed   = "delivery.failed"
	FrameMalformed   = "frame.malformed"
	PairingRequested = "pairing.requested"
	MonitorStarted   = "monitor.started"
	MonitorStopped   = "monitor.stopped"
)

// Event is one activity record for an account.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	AccountID string         `json:"accountId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Str returns a string payload field, or "".
func (e Event) Str(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

type Handler func(Event)

type namedHandler struct {
	ID      string
	Handler Handler
}

// Bus is a topic-based publish/subscribe bus with a bounded replay history.
// Handlers run synchronously in subscription order; a panicking handler is
// logged and does not affect the others.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	history    []Event
	maxHistory int
	logger     *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers:   make(map[string][]namedHandler),
		maxHistory: 1000,
		logger:     logger,
	}
}

// On registers a handler for eventType ("*" for every event) and returns an
// id for Off.
func (b *Bus) On(eventType string, h Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := eventType + "-" + uuid.NewString()
	b.handlers[eventType] = append(b.handlers[eventType], namedHandler{ID: id, Handler: h})
	return id
}

func (b *Bus) Off(eventType, handlerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			b.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit stamps the event with an id and time when missing, records it and
// calls every matching handler. A nil Bus drops events.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	if len(b.history) >= b.maxHistory {
		b.history = b.history[1:]
	}
	b.history = append(b.history, e)
	handlers := make([]namedHandler, 0, len(b.handlers[e.Type])+len(b.handlers["*"]))
	handlers = append(handlers, b.handlers[e.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "event", e.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(e)
		}(h)
	}
}

// Replay returns recorded events of eventType ("*" for all) at or after since.
func (b *Bus) Replay(eventType string, since time.Time) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, e := range b.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Handler serves recorded events as JSON. Query parameters: type (default
// "*"), account, and since, given as RFC 3339 or as a duration back from now
// ("15m"). Without since the whole retained history is returned.
func (b *Bus) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		eventType := q.Get("type")
		if eventType == "" {
			eventType = "*"
		}
		var since time.Time
		if raw := q.Get("since"); raw != "" {
			if d, err := time.ParseDuration(raw); err == nil {
				since = time.Now().Add(-d)
			} else if ts, err := time.Parse(time.RFC3339, raw); err == nil {
				since = ts
			} else {
				http.Error(w, fmt.Sprintf("invalid since %q", raw), http.StatusBadRequest)
				return
			}
		}

		acct := q.Get("account")
		out := []Event{}
		for _, e := range b.Replay(eventType, since) {
			if acct != "" && e.AccountID != acct {
				continue
			}
			out = append(out, e)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			b.logger.Warn("encode events", "err", err)
		}
	}
}
