// Package outbound delivers agent-authored mail through AgentMail, either as
// a threaded reply or as a new message.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mailbridge/internal/account"
	"mailbridge/internal/agentmail"
	"mailbridge/internal/config"
	"mailbridge/internal/domain"
	"mailbridge/internal/events"
	"mailbridge/internal/format"
	"mailbridge/internal/metrics"
)

// DefaultSubject is used for new messages sent without a subject.
const DefaultSubject = "Message from Cogito"

var ErrNoRecipient = errors.New("outbound: recipient is required for a new message")

// MailClient is the part of the AgentMail API the sender needs.
type MailClient interface {
	Send(ctx context.Context, inboxID string, req agentmail.SendMessageRequest) (*agentmail.SendMessageResponse, error)
	Reply(ctx context.Context, inboxID, messageID string, req agentmail.ReplyMessageRequest) (*agentmail.SendMessageResponse, error)
}

// ClientFunc returns the client for an API key.
type ClientFunc func(apiKey string) MailClient

// PoolClients adapts an agentmail.Pool to a ClientFunc.
func PoolClients(p *agentmail.Pool) ClientFunc {
	return func(apiKey string) MailClient { return p.Get(apiKey) }
}

type Sender struct {
	cfg     *config.Config
	clients ClientFunc
	bus     *events.Bus
	logger  *slog.Logger
}

type SenderConfig struct {
	Config  *config.Config
	Clients ClientFunc
	Bus     *events.Bus // optional; receives message.sent / delivery.failed
	Logger  *slog.Logger
}

func NewSender(cfg SenderConfig) *Sender {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clients == nil {
		am := cfg.Config.Channels.AgentMail
		cfg.Clients = PoolClients(agentmail.NewPool(agentmail.ClientConfig{
			BaseURL: am.APIBase,
			Logger:  cfg.Logger,
		}))
	}
	return &Sender{
		cfg:     cfg.Config,
		clients: cfg.Clients,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
	}
}

// Send delivers one message. With ReplyToMessageID set it replies in that
// message's thread (To and Subject are ignored); otherwise it sends a new
// message. An unconfigured account fails with domain.ErrNotConfigured before
// any network call.
func (s *Sender) Send(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error) {
	acct := account.Resolve(s.cfg, req.AccountID)
	if !acct.Configured {
		return nil, fmt.Errorf("account %s: %w", acct.AccountID, domain.ErrNotConfigured)
	}

	replyTo := strings.TrimSpace(req.ReplyToMessageID)
	to := strings.TrimSpace(req.To)
	if replyTo == "" && to == "" {
		return nil, ErrNoRecipient
	}

	client := s.clients(acct.APIKey)
	html := format.MarkdownToHTML(req.Text)

	start := time.Now()
	var (
		resp *agentmail.SendMessageResponse
		err  error
	)
	if replyTo != "" {
		resp, err = client.Reply(ctx, acct.InboxID, replyTo, agentmail.ReplyMessageRequest{
			Text: req.Text,
			HTML: html,
		})
	} else {
		subject := req.Subject
		if subject == "" {
			subject = DefaultSubject
		}
		resp, err = client.Send(ctx, acct.InboxID, agentmail.SendMessageRequest{
			To:      to,
			Subject: subject,
			Text:    req.Text,
			HTML:    html,
		})
	}
	metrics.SendLatency(acct.AccountID).Observe(time.Since(start).Seconds())

	if err != nil {
		s.bus.Emit(events.Event{
			Type:      events.DeliveryFailed,
			AccountID: acct.AccountID,
			Payload:   map[string]any{"to": to, "replyTo": replyTo, "error": err.Error()},
		})
		if replyTo != "" {
			return nil, fmt.Errorf("reply to %s: %w", replyTo, err)
		}
		return nil, fmt.Errorf("send to %s: %w", to, err)
	}

	result := &domain.SendResult{MessageID: resp.MessageID, ThreadID: resp.ThreadID}
	if result.ThreadID == "" {
		result.ThreadID = req.ThreadID
	}

	s.logger.Debug("mail sent",
		"account", acct.AccountID,
		"message_id", result.MessageID,
		"thread_id", result.ThreadID,
		"reply", replyTo != "",
	)
	s.bus.Emit(events.Event{
		Type:      events.MessageSent,
		AccountID: acct.AccountID,
		Payload: map[string]any{
			"messageId": result.MessageID,
			"threadId":  result.ThreadID,
			"to":        to,
			"replyTo":   replyTo,
		},
	})
	return result, nil
}
