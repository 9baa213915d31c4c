package tool

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"mailbridge/internal/account"
	"mailbridge/internal/agentmail"
	"mailbridge/internal/config"
	"mailbridge/internal/domain"
	"mailbridge/internal/format"
)

const (
	InboxToolName = "agentmail_inbox"

	defaultListLimit = 10
	maxListLimit     = 50
	previewLen       = 200
	timestampLayout  = "2006-01-02 15:04:05 UTC"
)

// InboxClient is the read side of the AgentMail API.
type InboxClient interface {
	ListMessages(ctx context.Context, inboxID string, limit int) (*agentmail.ListMessagesResponse, error)
	GetMessage(ctx context.Context, inboxID, messageID string) (*agentmail.Message, error)
}

// InboxTool lets the agent list and read messages in its own inbox. Failures
// are reported in the result as {"error": ...} rather than as Go errors so
// the model can see them.
type InboxTool struct {
	cfg     *config.Config
	clients func(apiKey string) InboxClient
}

// NewInboxTool reads through pool, or a fresh pool over the configured API
// base when pool is nil.
func NewInboxTool(cfg *config.Config, pool *agentmail.Pool) *InboxTool {
	if pool == nil {
		pool = agentmail.NewPool(agentmail.ClientConfig{BaseURL: cfg.Channels.AgentMail.APIBase})
	}
	return &InboxTool{
		cfg:     cfg,
		clients: func(apiKey string) InboxClient { return pool.Get(apiKey) },
	}
}

func (t *InboxTool) Name() string { return InboxToolName }

func (t *InboxTool) Description() string {
	return "Read the agent's email inbox. action=list shows recent messages (limit 1-50, default 10); action=read returns one message in full (requires messageId)."
}

func (t *InboxTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"action":    {Type: "string", Description: "list or read", Enum: []string{"list", "read"}},
		"limit":     {Type: "number", Description: "Maximum messages to list (1-50, default 10)"},
		"messageId": {Type: "string", Description: "Message to read (required for read)"},
		"accountId": {Type: "string", Description: "AgentMail account; defaults to the default account"},
	}, []string{"action"})
}

func (t *InboxTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	acct := account.Resolve(t.cfg, ArgsString(args, "accountId"))
	if !acct.Configured {
		return errorResult(domain.ErrNotConfigured.Error()), nil
	}
	client := t.clients(acct.APIKey)

	switch action := strings.TrimSpace(ArgsString(args, "action")); action {
	case "list":
		return t.list(ctx, client, acct.InboxID, args), nil
	case "read":
		return t.read(ctx, client, acct.InboxID, args), nil
	default:
		return errorResult(fmt.Sprintf("Unknown action: %s. Valid actions: list, read", action)), nil
	}
}

type listedMessage struct {
	MessageID      string   `json:"messageId"`
	From           string   `json:"from"`
	Subject        string   `json:"subject"`
	Preview        string   `json:"preview"`
	Timestamp      string   `json:"timestamp"`
	HasAttachments bool     `json:"hasAttachments"`
	Labels         []string `json:"labels"`
}

func (t *InboxTool) list(ctx context.Context, client InboxClient, inboxID string, args map[string]any) string {
	limit, ok := ArgsInt(args, "limit")
	if !ok {
		limit = defaultListLimit
	}
	limit = max(1, min(limit, maxListLimit))

	resp, err := client.ListMessages(ctx, inboxID, limit)
	if err != nil {
		return errorResult(err.Error())
	}
	if len(resp.Messages) == 0 {
		return jsonResult(map[string]any{
			"messages": []listedMessage{},
			"summary":  "No messages in inbox.",
		})
	}

	out := make([]listedMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		subject := m.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		preview := m.Preview
		if preview == "" {
			preview = m.Text
		}
		labels := m.Labels
		if labels == nil {
			labels = []string{}
		}
		out = append(out, listedMessage{
			MessageID:      m.MessageID,
			From:           m.From,
			Subject:        subject,
			Preview:        truncateRunes(strings.TrimSpace(preview), previewLen),
			Timestamp:      formatTimestamp(m.Timestamp),
			HasAttachments: len(m.Attachments) > 0,
			Labels:         labels,
		})
	}
	count := resp.Count
	if count < len(out) {
		count = len(out)
	}
	return jsonResult(map[string]any{
		"count":    count,
		"showing":  len(out),
		"messages": out,
	})
}

type readAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	SizeHuman   string `json:"sizeHuman"`
}

type readMessage struct {
	MessageID   string           `json:"messageId"`
	ThreadID    string           `json:"threadId"`
	From        string           `json:"from"`
	To          []string         `json:"to"`
	CC          []string         `json:"cc"`
	Subject     string           `json:"subject"`
	Body        string           `json:"body"`
	Timestamp   string           `json:"timestamp"`
	Attachments []readAttachment `json:"attachments"`
	Labels      []string         `json:"labels"`
}

func (t *InboxTool) read(ctx context.Context, client InboxClient, inboxID string, args map[string]any) string {
	messageID := strings.TrimSpace(ArgsString(args, "messageId"))
	if messageID == "" {
		return errorResult("messageId is required for the read action")
	}

	m, err := client.GetMessage(ctx, inboxID, messageID)
	if err != nil {
		return errorResult(err.Error())
	}

	body := strings.TrimSpace(m.Text)
	if body == "" && m.HTML != "" {
		body = format.HTMLToText(m.HTML)
	}
	if body == "" {
		body = "(empty)"
	}

	atts := make([]readAttachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		atts = append(atts, readAttachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
			SizeHuman:   humanize.Bytes(uint64(max(a.Size, 0))),
		})
	}

	return jsonResult(readMessage{
		MessageID:   m.MessageID,
		ThreadID:    m.ThreadID,
		From:        m.From,
		To:          orEmpty(m.To),
		CC:          orEmpty(m.CC),
		Subject:     m.Subject,
		Body:        body,
		Timestamp:   formatTimestamp(m.Timestamp),
		Attachments: atts,
		Labels:      orEmpty(m.Labels),
	})
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(timestampLayout)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
