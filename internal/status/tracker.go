// Package status keeps a per-account runtime snapshot built from activity
// events, for the status command and the gateway's status log.
package status

import (
	"sort"
	"sync"
	"time"

	"mailbridge/internal/events"
)

// Snapshot is the runtime state of one account.
type Snapshot struct {
	AccountID      string    `json:"accountId"`
	Running        bool      `json:"running"`
	State          string    `json:"state"`
	LastStartAt    time.Time `json:"lastStartAt,omitzero"`
	LastStopAt     time.Time `json:"lastStopAt,omitzero"`
	LastError      string    `json:"lastError,omitempty"`
	LastInboundAt  time.Time `json:"lastInboundAt,omitzero"`
	LastOutboundAt time.Time `json:"lastOutboundAt,omitzero"`
	Reconnects     int       `json:"reconnects"`
	Received       int       `json:"received"`
	Sent           int       `json:"sent"`
	Probe          any       `json:"probe,omitempty"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	accounts map[string]*Snapshot
}

func NewTracker() *Tracker {
	return &Tracker{accounts: make(map[string]*Snapshot)}
}

// Subscribe feeds the tracker from bus and returns the handler id.
func (t *Tracker) Subscribe(bus *events.Bus) string {
	return bus.On("*", t.Apply)
}

// Apply folds one event into the account's snapshot.
func (t *Tracker) Apply(e events.Event) {
	if e.AccountID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(e.AccountID)
	switch e.Type {
	case events.MonitorStarted:
		s.Running = true
		s.LastStartAt = e.Timestamp
		s.LastError = ""
	case events.MonitorStopped:
		s.Running = false
		s.LastStopAt = e.Timestamp
	case events.ConnectionState:
		s.State = e.Str("state")
		if s.State == "connecting" && e.Str("previous") == "backoff" {
			s.Reconnects++
		}
		if msg := e.Str("error"); msg != "" {
			s.LastError = msg
		}
	case events.MessageReceived:
		s.Received++
	case events.MessageAccepted:
		s.LastInboundAt = e.Timestamp
	case events.MessageSent:
		s.LastOutboundAt = e.Timestamp
		s.Sent++
	case events.DeliveryFailed:
		s.LastError = e.Str("error")
	}
}

// SetProbe attaches the latest probe result to the account's snapshot.
func (t *Tracker) SetProbe(accountID string, probe any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(accountID).Probe = probe
}

// Snapshot returns a copy of the account's state; unknown accounts yield a
// zero snapshot carrying only the id.
func (t *Tracker) Snapshot(accountID string) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.accounts[accountID]; ok {
		return *s
	}
	return Snapshot{AccountID: accountID}
}

// All returns every tracked account ordered by id.
func (t *Tracker) All() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Snapshot, 0, len(t.accounts))
	for _, s := range t.accounts {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// get must be called with mu held.
func (t *Tracker) get(accountID string) *Snapshot {
	s, ok := t.accounts[accountID]
	if !ok {
		s = &Snapshot{AccountID: accountID, State: "disconnected"}
		t.accounts[accountID] = s
	}
	return s
}
