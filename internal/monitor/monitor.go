// Package monitor runs the inbound side of one AgentMail account: it keeps
// the event stream connected, decodes frames, filters echoes and duplicates
// and hands each accepted message to its own worker.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"mailbridge/internal/account"
	"mailbridge/internal/config"
	"mailbridge/internal/domain"
	"mailbridge/internal/events"
	"mailbridge/internal/inbound"
	"mailbridge/internal/metrics"
	"mailbridge/internal/stream"
)

var ErrAccountDisabled = errors.New("agentmail account is disabled")

// MessageHandler processes one accepted inbound message.
type MessageHandler interface {
	Handle(ctx context.Context, msg *domain.InboundMessage) error
}

type Options struct {
	Config    *config.Config
	AccountID string
	Handler   MessageHandler

	// OnMessage replaces Handler when set.
	OnMessage func(ctx context.Context, msg *domain.InboundMessage) error

	Bus       *events.Bus
	Dialer    stream.Dialer
	Sleep     func(ctx context.Context, d time.Duration) error
	DedupSize int
	Logger    *slog.Logger
}

// Handle controls a running monitor.
type Handle struct {
	account domain.Account
	manager *stream.Manager
	handle  func(ctx context.Context, msg *domain.InboundMessage) error
	bus     *events.Bus
	dedup   *inbound.Dedup
	logger  *slog.Logger
	now     func() time.Time

	workCtx  context.Context
	workers  conc.WaitGroup
	consumed chan struct{}
	stopOnce sync.Once
}

// Start validates the account, connects its event stream and begins
// processing. Configuration problems are returned here; transport failures
// are retried in the background and never surface to the caller.
func Start(ctx context.Context, opts Options) (*Handle, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("monitor: nil config")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	acct := account.Resolve(opts.Config, opts.AccountID)
	if !acct.Enabled {
		return nil, fmt.Errorf("account %q: %w", acct.AccountID, ErrAccountDisabled)
	}
	if !acct.Configured {
		return nil, fmt.Errorf("account %q: %w", acct.AccountID, domain.ErrNotConfigured)
	}

	handle := opts.OnMessage
	if handle == nil && opts.Handler != nil {
		handle = opts.Handler.Handle
	}
	if handle == nil {
		return nil, fmt.Errorf("monitor: account %q has no message handler", acct.AccountID)
	}

	logger := opts.Logger.With("channel", "agentmail", "account", acct.AccountID)
	h := &Handle{
		account:  acct,
		handle:   handle,
		bus:      opts.Bus,
		dedup:    inbound.NewDedup(opts.DedupSize),
		logger:   logger,
		now:      time.Now,
		workCtx:  context.WithoutCancel(ctx),
		consumed: make(chan struct{}),
	}
	h.manager = stream.New(stream.Config{
		URL:           opts.Config.Channels.AgentMail.WebSocketURL,
		APIKey:        acct.APIKey,
		InboxID:       acct.InboxID,
		AccountID:     acct.AccountID,
		Dialer:        opts.Dialer,
		Logger:        logger,
		OnStateChange: h.onStateChange,
		Sleep:         opts.Sleep,
	})

	logger.Info("starting agentmail monitor", "inbox", acct.InboxID, "address", acct.Address())
	h.emit(events.MonitorStarted, map[string]any{"inboxId": acct.InboxID})

	go h.consume()
	h.manager.Start(ctx)
	return h, nil
}

func (h *Handle) Account() domain.Account { return h.account }

func (h *Handle) State() stream.State { return h.manager.State() }

// Stop closes the event stream. In-flight workers keep running; use Wait to
// drain them.
func (h *Handle) Stop() {
	h.stopOnce.Do(h.manager.Stop)
}

// Done is closed once the stream has stopped and every received frame has
// been consumed.
func (h *Handle) Done() <-chan struct{} { return h.consumed }

// Wait blocks until the monitor has stopped and all workers have finished.
func (h *Handle) Wait() {
	<-h.consumed
	h.workers.Wait()
}

func (h *Handle) onStateChange(from, to stream.State) {
	h.emit(events.ConnectionState, map[string]any{
		"state":    to.String(),
		"previous": from.String(),
	})
}

func (h *Handle) consume() {
	defer close(h.consumed)
	for frame := range h.manager.Frames() {
		h.onFrame(frame)
	}
	h.logger.Info("agentmail monitor stopped")
	h.emit(events.MonitorStopped, nil)
}

func (h *Handle) onFrame(frame []byte) {
	metrics.Frames(h.account.AccountID).Inc()

	msg, err := inbound.Decode(frame, h.now())
	if err != nil {
		h.logger.Warn("dropping malformed frame", "err", err)
		metrics.DecodeErrors(h.account.AccountID).Inc()
		h.emit(events.FrameMalformed, map[string]any{"error": err.Error()})
		return
	}
	if msg == nil {
		return
	}
	if h.dedup.Seen(msg.MessageID) {
		h.logger.Debug("duplicate message ignored", "message_id", msg.MessageID)
		return
	}
	if inbound.IsEcho(msg, h.account.Address()) {
		h.logger.Debug("skipping own message", "message_id", msg.MessageID)
		h.emit(events.MessageEchoSkip, map[string]any{"messageId": msg.MessageID})
		return
	}

	h.logger.Info("received email", "from", msg.Sender(), "subject", msg.Subject, "message_id", msg.MessageID)
	h.emit(events.MessageReceived, map[string]any{
		"messageId": msg.MessageID,
		"threadId":  msg.ThreadID,
		"from":      msg.From,
		"subject":   msg.Subject,
	})

	h.workers.Go(func() { h.process(msg) })
}

func (h *Handle) process(msg *domain.InboundMessage) {
	inflight := metrics.Inflight(h.account.AccountID)
	inflight.Inc()
	defer inflight.Dec()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("message worker panicked", "message_id", msg.MessageID, "panic", r)
		}
	}()

	if err := h.handle(h.workCtx, msg); err != nil {
		h.logger.Error("agentmail handler failed", "message_id", msg.MessageID, "err", err)
	}
}

func (h *Handle) emit(eventType string, payload map[string]any) {
	h.bus.Emit(events.Event{Type: eventType, AccountID: h.account.AccountID, Payload: payload})
}
