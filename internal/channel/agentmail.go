// Package channel exposes AgentMail as a channel: one monitor per enabled
// account on the inbound side, the outbound sender on the other.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mailbridge/internal/account"
	"mailbridge/internal/config"
	"mailbridge/internal/domain"
	"mailbridge/internal/events"
	"mailbridge/internal/monitor"
	"mailbridge/internal/outbound"
	"mailbridge/internal/routing"
	"mailbridge/internal/status"
	"mailbridge/internal/stream"
)

var ErrInvalidTarget = errors.New("invalid email target")

// HandlerFunc builds the message handler for one account.
type HandlerFunc func(acct domain.Account) (monitor.MessageHandler, error)

// AgentMail implements domain.Channel.
type AgentMail struct {
	cfg        *config.Config
	sender     *outbound.Sender
	newHandler HandlerFunc
	bus        *events.Bus
	tracker    *status.Tracker
	dialer     stream.Dialer
	logger     *slog.Logger

	mu       sync.Mutex
	monitors map[string]*monitor.Handle
}

// AgentMailConfig configures the AgentMail channel.
type AgentMailConfig struct {
	Config     *config.Config
	Sender     *outbound.Sender
	NewHandler HandlerFunc
	Bus        *events.Bus
	Dialer     stream.Dialer // optional, for tests
	Logger     *slog.Logger
}

// NewAgentMail creates the channel. When a bus is given the channel keeps a
// status tracker subscribed to it.
func NewAgentMail(cfg AgentMailConfig) *AgentMail {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &AgentMail{
		cfg:        cfg.Config,
		sender:     cfg.Sender,
		newHandler: cfg.NewHandler,
		bus:        cfg.Bus,
		tracker:    status.NewTracker(),
		dialer:     cfg.Dialer,
		logger:     cfg.Logger,
		monitors:   make(map[string]*monitor.Handle),
	}
	if cfg.Bus != nil {
		c.tracker.Subscribe(cfg.Bus)
	}
	return c
}

func (c *AgentMail) Name() string { return routing.ChannelName }

// Start launches a monitor for every enabled, configured account. Accounts
// that are not configured are skipped with a warning; Start fails only when
// nothing could be started.
func (c *AgentMail) Start(ctx context.Context) error {
	if c.newHandler == nil {
		return fmt.Errorf("agentmail channel: no handler factory")
	}

	var errs []error
	for _, id := range account.ListAccountIDs(c.cfg) {
		acct := account.Resolve(c.cfg, id)
		if !acct.Enabled {
			c.logger.Info("agentmail account disabled; skipping", "account", id)
			continue
		}
		if !acct.Configured {
			c.logger.Warn("agentmail account not configured; skipping", "account", id)
			errs = append(errs, fmt.Errorf("account %q: %w", id, domain.ErrNotConfigured))
			continue
		}
		if err := c.startAccount(ctx, acct); err != nil {
			c.logger.Error("failed to start agentmail account", "account", id, "err", err)
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	started := len(c.monitors)
	c.mu.Unlock()
	if started == 0 {
		if len(errs) == 0 {
			return fmt.Errorf("agentmail channel: no enabled accounts: %w", domain.ErrNotConfigured)
		}
		return errors.Join(errs...)
	}
	c.logger.Info("agentmail channel started", "accounts", started)
	return nil
}

func (c *AgentMail) startAccount(ctx context.Context, acct domain.Account) error {
	c.mu.Lock()
	_, running := c.monitors[acct.AccountID]
	c.mu.Unlock()
	if running {
		return nil
	}

	h, err := c.newHandler(acct)
	if err != nil {
		return fmt.Errorf("account %q handler: %w", acct.AccountID, err)
	}
	m, err := monitor.Start(ctx, monitor.Options{
		Config:    c.cfg,
		AccountID: acct.AccountID,
		Handler:   h,
		Bus:       c.bus,
		Dialer:    c.dialer,
		Logger:    c.logger,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.monitors[acct.AccountID] = m
	c.mu.Unlock()
	return nil
}

// Stop closes every event stream and waits for in-flight replies.
func (c *AgentMail) Stop() error {
	c.mu.Lock()
	handles := make([]*monitor.Handle, 0, len(c.monitors))
	for id, m := range c.monitors {
		handles = append(handles, m)
		delete(c.monitors, id)
	}
	c.mu.Unlock()

	for _, m := range handles {
		m.Stop()
	}
	for _, m := range handles {
		m.Wait()
	}
	return nil
}

// Send mails content to "to" from the default account as a new message. An
// empty target falls back to the account's defaultTo.
func (c *AgentMail) Send(ctx context.Context, to string, content string) error {
	_, err := c.SendFrom(ctx, "", to, "", content)
	return err
}

// SendFrom is Send with an explicit account and subject.
func (c *AgentMail) SendFrom(ctx context.Context, accountID, to, subject, content string) (*domain.SendResult, error) {
	acct := account.Resolve(c.cfg, accountID)
	target := to
	if target == "" {
		target = acct.DefaultTo
	}
	if target == "" {
		return nil, outbound.ErrNoRecipient
	}
	addr := routing.NormalizeTarget(target)
	if addr == "" || !routing.LooksLikeEmail(addr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	return c.sender.Send(ctx, domain.SendRequest{
		To:        addr,
		Text:      content,
		Subject:   subject,
		AccountID: acct.AccountID,
	})
}

// Running lists the account ids with an active monitor.
func (c *AgentMail) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.monitors))
	for id := range c.monitors {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns the tracked status of one account.
func (c *AgentMail) Snapshot(accountID string) status.Snapshot {
	return c.tracker.Snapshot(accountID)
}

func (c *AgentMail) Tracker() *status.Tracker { return c.tracker }

// AccountDescription is the operator-facing summary of one account. The API
// key itself is never included.
type AccountDescription struct {
	AccountID    string   `json:"accountId"`
	Name         string   `json:"name"`
	Enabled      bool     `json:"enabled"`
	Configured   bool     `json:"configured"`
	InboxID      string   `json:"inboxId,omitempty"`
	Address      string   `json:"address"`
	APIKeySource string   `json:"apiKeySource,omitempty"`
	DMPolicy     string   `json:"dmPolicy"`
	AllowFrom    []string `json:"allowFrom,omitempty"`
	DefaultTo    string   `json:"defaultTo,omitempty"`
}

// Describe summarizes every account in the configuration.
func Describe(cfg *config.Config) []AccountDescription {
	var out []AccountDescription
	for _, acct := range account.ResolveAll(cfg) {
		out = append(out, AccountDescription{
			AccountID:    acct.AccountID,
			Name:         acct.Name,
			Enabled:      acct.Enabled,
			Configured:   acct.Configured,
			InboxID:      acct.InboxID,
			Address:      acct.Address(),
			APIKeySource: acct.APIKeySource,
			DMPolicy:     acct.Policy.DMPolicy,
			AllowFrom:    acct.Policy.AllowFrom,
			DefaultTo:    acct.DefaultTo,
		})
	}
	return out
}
