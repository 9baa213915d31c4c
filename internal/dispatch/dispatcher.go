// Package dispatch turns one decoded inbound message into an agent turn: it
// applies the DM policy, resolves the route, records the session, runs the
// reply pipeline and sends each reply block back as a threaded email.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailbridge/internal/domain"
	"mailbridge/internal/events"
	"mailbridge/internal/format"
	"mailbridge/internal/metrics"
	"mailbridge/internal/pairing"
	"mailbridge/internal/routing"
	"mailbridge/internal/session"
)

// Sender delivers outbound mail.
type Sender interface {
	Send(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error)
}

// Pairing backs the "pairing" DM policy.
type Pairing interface {
	IsPaired(ctx context.Context, accountID, sender string) (bool, error)
	Challenge(ctx context.Context, accountID, sender string) (code string, created bool, err error)
}

type Dispatcher struct {
	account       domain.Account
	storeTemplate string
	router        domain.RouteResolver
	sessions      domain.SessionStore
	pipeline      domain.ReplyPipeline
	sender        Sender
	pairing       Pairing
	bus           *events.Bus
	lanes         *Lanes
	now           func() time.Time
	logger        *slog.Logger
}

type Config struct {
	Account       domain.Account
	StoreTemplate string // session store path template, {agentId} substituted
	Router        domain.RouteResolver
	Sessions      domain.SessionStore
	Pipeline      domain.ReplyPipeline
	Sender        Sender
	Pairing       Pairing     // optional; without it pairing senders are dropped
	Bus           *events.Bus // optional
	Logger        *slog.Logger
}

func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		account:       cfg.Account,
		storeTemplate: cfg.StoreTemplate,
		router:        cfg.Router,
		sessions:      cfg.Sessions,
		pipeline:      cfg.Pipeline,
		sender:        cfg.Sender,
		pairing:       cfg.Pairing,
		bus:           cfg.Bus,
		now:           time.Now,
		logger:        cfg.Logger,
	}
	if cfg.Account.SerializePerSender {
		d.lanes = NewLanes()
	}
	return d
}

// Handle processes one inbound message end to end. Delivery failures are
// reported through the pipeline's error hook and never returned; the
// returned error covers routing and pipeline failures only.
func (d *Dispatcher) Handle(ctx context.Context, msg *domain.InboundMessage) error {
	logger := d.logger.With("run", uuid.NewString(), "message_id", msg.MessageID)

	rawBody := strings.TrimSpace(msg.Text)
	if rawBody == "" && msg.HTML != "" {
		rawBody = format.HTMLToText(msg.HTML)
	}
	if rawBody == "" {
		logger.Info("empty message body; skipping", "from", msg.From)
		return nil
	}
	d.bus.Emit(events.Event{
		Type:      events.MessageAccepted,
		AccountID: d.account.AccountID,
		Timestamp: msg.Timestamp,
		Payload:   map[string]any{"messageId": msg.MessageID, "from": msg.From},
	})

	if !d.admit(ctx, msg, logger) {
		return nil
	}

	route, err := d.router.ResolveRoute(routing.ChannelName, d.account.AccountID, domain.Peer{
		Kind: domain.PeerDirect,
		ID:   msg.From,
	})
	if err != nil {
		return fmt.Errorf("resolve route: %w", err)
	}
	logger = logger.With("agent", route.AgentID, "session", route.SessionKey)

	if d.lanes != nil {
		release := d.lanes.Acquire(route.SessionKey)
		defer release()
	}

	storePath := session.ResolveStorePath(d.storeTemplate, route.AgentID)
	previous, err := d.sessions.ReadLastActivity(ctx, storePath, route.SessionKey)
	if err != nil {
		logger.Warn("failed to read last session activity", "err", err)
		previous = time.Time{}
	}

	body := format.InboundBody(msg.Subject, msg.AttachmentNames(), rawBody)
	envelope := format.Envelope("Email", msg.Sender(), msg.Timestamp, previous, body)

	senderName := msg.FromDisplay
	if senderName == "" {
		senderName = msg.From
	}
	in := domain.InboundContext{
		Body:              envelope,
		RawBody:           rawBody,
		From:              routing.ChannelName + ":" + msg.From,
		To:                routing.ChannelName + ":" + msg.InboxID,
		SessionKey:        route.SessionKey,
		AgentID:           route.AgentID,
		AccountID:         route.AccountID,
		StorePath:         storePath,
		ChatType:          domain.PeerDirect,
		ConversationLabel: msg.Sender(),
		SenderName:        senderName,
		SenderID:          msg.From,
		Provider:          routing.ChannelName,
		MessageSid:        msg.MessageID,
		ThreadID:          msg.ThreadID,
		Subject:           msg.Subject,
		Timestamp:         msg.Timestamp,
		OriginatingTo:     routing.ChannelName + ":" + msg.InboxID,
	}

	if err := d.sessions.RecordInbound(ctx, storePath, route.SessionKey, in); err != nil {
		logger.Error("failed to record inbound session", "err", err)
	}

	start := d.now()
	replySubject := format.ReplySubject(msg.Subject)
	err = d.pipeline.Dispatch(ctx, in, domain.DispatchOptions{
		Deliver: func(ctx context.Context, block domain.ReplyBlock) error {
			text := strings.TrimSpace(block.Text)
			if text == "" {
				return nil
			}
			res, err := d.sender.Send(ctx, domain.SendRequest{
				To:               msg.From,
				Text:             text,
				Subject:          replySubject,
				ThreadID:         msg.ThreadID,
				ReplyToMessageID: msg.MessageID,
				AccountID:        d.account.AccountID,
			})
			if err != nil {
				return err
			}
			turn := domain.Turn{
				Direction: domain.DirectionOutbound,
				MessageID: res.MessageID,
				ThreadID:  res.ThreadID,
				Body:      text,
				CreatedAt: d.now(),
			}
			if err := d.sessions.RecordOutbound(ctx, storePath, route.SessionKey, turn); err != nil {
				logger.Warn("failed to record outbound turn", "err", err)
			}
			logger.Debug("reply block delivered", "index", block.Index, "kind", block.Kind, "reply_id", res.MessageID)
			return nil
		},
		OnError: func(err error, info domain.DispatchErrorInfo) {
			logger.Error("agentmail reply failed", "kind", info.Kind, "index", info.Index, "err", err)
		},
		BlockStreaming: d.account.BlockStreaming,
	})
	metrics.ReplyLatency(d.account.AccountID).Observe(d.now().Sub(start).Seconds())
	if err != nil {
		return fmt.Errorf("reply pipeline: %w", err)
	}
	return nil
}

// admit applies the DM policy. Under the pairing policy an unpaired sender
// is mailed a code once and the message is dropped.
func (d *Dispatcher) admit(ctx context.Context, msg *domain.InboundMessage, logger *slog.Logger) bool {
	err := routing.CheckPolicy(d.account.Policy, msg.From)
	if err == nil {
		return true
	}

	if errors.Is(err, routing.ErrPairingRequired) && d.pairing != nil {
		paired, perr := d.pairing.IsPaired(ctx, d.account.AccountID, msg.From)
		if perr != nil {
			logger.Error("pairing lookup failed", "from", msg.From, "err", perr)
			return false
		}
		if paired {
			return true
		}
		d.challenge(ctx, msg, logger)
		return false
	}

	logger.Info("inbound message dropped by dm policy", "from", msg.From, "policy", d.account.Policy.DMPolicy, "reason", err.Error())
	d.bus.Emit(events.Event{
		Type:      events.MessageDropped,
		AccountID: d.account.AccountID,
		Payload:   map[string]any{"messageId": msg.MessageID, "from": msg.From, "reason": err.Error()},
	})
	return false
}

func (d *Dispatcher) challenge(ctx context.Context, msg *domain.InboundMessage, logger *slog.Logger) {
	code, created, err := d.pairing.Challenge(ctx, d.account.AccountID, msg.From)
	if err != nil {
		logger.Error("pairing challenge failed", "from", msg.From, "err", err)
		return
	}
	d.bus.Emit(events.Event{
		Type:      events.MessageDropped,
		AccountID: d.account.AccountID,
		Payload:   map[string]any{"messageId": msg.MessageID, "from": msg.From, "reason": routing.ErrPairingRequired.Error()},
	})
	if !created {
		logger.Debug("pairing code already pending", "from", msg.From)
		return
	}

	_, err = d.sender.Send(ctx, domain.SendRequest{
		To:               msg.From,
		Text:             pairing.ChallengeText(code),
		Subject:          format.ReplySubject(msg.Subject),
		ThreadID:         msg.ThreadID,
		ReplyToMessageID: msg.MessageID,
		AccountID:        d.account.AccountID,
	})
	if err != nil {
		logger.Error("failed to send pairing code", "from", msg.From, "err", err)
		return
	}
	logger.Info("pairing code sent", "from", msg.From)
	d.bus.Emit(events.Event{
		Type:      events.PairingRequested,
		AccountID: d.account.AccountID,
		Payload:   map[string]any{"from": msg.From},
	})
}
