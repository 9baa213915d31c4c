// Package stream keeps one AgentMail WebSocket subscription alive per account.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultURL       = "wss://ws.agentmail.to/v0"
	EventMessageRecv = "message.received"
)

type Config struct {
	URL         string // base WebSocket URL, api_key is appended
	APIKey      string
	InboxID     string
	AccountID   string
	EventTypes  []string
	Dialer      Dialer
	Logger      *slog.Logger
	FrameBuffer int

	// OnStateChange observes every state transition. It runs under the state
	// lock and must not block.
	OnStateChange func(from, to State)

	// Sleep waits between reconnects; it must return early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

type subscribeFrame struct {
	Type       string   `json:"type"`
	EventTypes []string `json:"event_types"`
	InboxIDs   []string `json:"inbox_ids"`
}

// Manager owns the WebSocket connection for one account. It reconnects with
// exponential backoff until Stop is called and forwards every received frame,
// in arrival order, on Frames.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	machine *Machine
	backoff *Backoff
	frames  chan []byte
	done    chan struct{}

	mu       sync.Mutex
	conn     Conn
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	stopOnce sync.Once
}

func New(cfg Config) *Manager {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if len(cfg.EventTypes) == 0 {
		cfg.EventTypes = []string{EventMessageRecv}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebSocketDialer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 64
	}

	m := &Manager{
		cfg:     cfg,
		logger:  cfg.Logger,
		backoff: NewBackoff(),
		frames:  make(chan []byte, cfg.FrameBuffer),
		done:    make(chan struct{}),
	}
	m.machine = NewMachine(func(from, to State) {
		m.logger.Debug("connection state", "from", from.String(), "to", to.String())
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(from, to)
		}
	})
	return m
}

// Frames delivers raw frames. It is closed once the manager has stopped.
func (m *Manager) Frames() <-chan []byte { return m.frames }

// Done is closed when the run loop has exited.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) State() State { return m.machine.State() }

// Start launches the connect loop. A context that is already done moves the
// manager straight to Stopped without dialling; cancelling ctx later is
// equivalent to Stop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	if ctx.Err() != nil {
		m.Stop()
	} else {
		context.AfterFunc(ctx, m.Stop)
	}
	go m.run(runCtx)
}

// Stop cancels any pending reconnect, closes the socket with code 1000 and
// moves to Stopped. It is idempotent and safe to call before Start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		cancel := m.cancel
		conn := m.conn
		m.conn = nil
		started := m.started
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = conn.Close()
		}
		_ = m.machine.Transition(StateStopped)
		m.logger.Info("agentmail websocket stopped")

		if !started {
			close(m.frames)
			close(m.done)
		}
	})
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer close(m.frames)

	for ctx.Err() == nil {
		m.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if err := m.machine.Transition(StateBackoff); err != nil {
			return
		}
		delay := m.backoff.Next()
		m.logger.Info("reconnecting", "delay", delay)
		if err := m.cfg.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

// connectAndRead runs one connection attempt and returns when the socket is
// gone for any reason.
func (m *Manager) connectAndRead(ctx context.Context) {
	if err := m.machine.Transition(StateConnecting); err != nil {
		return
	}
	m.logger.Info("connecting to AgentMail WebSocket", "url", m.cfg.URL)

	conn, err := m.cfg.Dialer.Dial(ctx, m.dialURL())
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("websocket dial failed", "err", redactErr(err, m.cfg.APIKey))
		}
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.mu.Unlock()
	defer m.dropConn(conn)

	m.backoff.Reset()
	if err := m.machine.Transition(StateConnected); err != nil {
		return
	}
	m.logger.Info("websocket connected")

	sub := subscribeFrame{Type: "subscribe", EventTypes: m.cfg.EventTypes, InboxIDs: []string{m.cfg.InboxID}}
	if err := conn.WriteJSON(sub); err != nil {
		m.logger.Error("websocket subscribe failed", "err", err)
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			code, reason := closeInfo(err)
			if reason == "" {
				reason = "none"
			}
			m.logger.Info("websocket closed", "code", code, "reason", reason, "err", err)
			return
		}
		select {
		case m.frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) dropConn(conn Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

func (m *Manager) dialURL() string {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return m.cfg.URL + "?api_key=" + url.QueryEscape(m.cfg.APIKey)
	}
	q := u.Query()
	q.Set("api_key", m.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String()
}

// closeInfo extracts the close code and reason from a read error.
func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, ""
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// redactErr strips the API key from dial errors, which echo the URL.
func redactErr(err error, key string) error {
	if key == "" {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), key, "***")
	msg = strings.ReplaceAll(msg, url.QueryEscape(key), "***")
	return &redactedError{msg: msg, err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
