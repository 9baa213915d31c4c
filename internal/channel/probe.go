package channel

import (
	"context"
	"time"

	"mailbridge/internal/account"
	"mailbridge/internal/agentmail"
	"mailbridge/internal/config"
	"mailbridge/internal/domain"
	"mailbridge/internal/provider"
)

const DefaultProbeTimeout = 8 * time.Second

// ProbeResult reports whether an account's credentials reach its inbox.
type ProbeResult struct {
	OK        bool   `json:"ok"`
	AccountID string `json:"accountId"`
	InboxID   string `json:"inboxId,omitempty"`
	Email     string `json:"email,omitempty"`
	Domain    string `json:"domain,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// Probe fetches the account's inbox once. A non-positive timeout uses the
// configured probe timeout, else DefaultProbeTimeout. Unconfigured accounts
// fail without a network call.
func Probe(ctx context.Context, cfg *config.Config, accountID string, timeout time.Duration) ProbeResult {
	acct := account.Resolve(cfg, accountID)
	res := ProbeResult{
		AccountID: acct.AccountID,
		InboxID:   acct.InboxID,
		Email:     acct.Address(),
		Domain:    acct.Domain,
	}
	if !acct.Configured {
		res.Error = domain.ErrNotConfigured.Error()
		return res
	}

	if timeout <= 0 {
		timeout = time.Duration(cfg.Channels.AgentMail.ProbeTimeoutS) * time.Second
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	noRetry := provider.NoRetry
	client := agentmail.NewClient(agentmail.ClientConfig{
		APIKey:  acct.APIKey,
		BaseURL: cfg.Channels.AgentMail.APIBase,
		Timeout: timeout,
		Retry:   &noRetry,
	})

	start := time.Now()
	inbox, err := client.GetInbox(ctx, acct.InboxID)
	res.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	if inbox.InboxID != "" {
		res.InboxID = inbox.InboxID
	}
	return res
}
