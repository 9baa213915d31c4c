// Package agentmail is a small client for the AgentMail REST API.
package agentmail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"mailbridge/internal/provider"
)

const DefaultBaseURL = "https://api.agentmail.to/v0"

// ErrNotFound matches APIError values with status 404.
var ErrNotFound = errors.New("agentmail: not found")

// APIError is a non-2xx response from the AgentMail API.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("agentmail %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("agentmail %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	retry   provider.RetryPolicy
	logger  *slog.Logger
}

type ClientConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Retry      *provider.RetryPolicy // GET requests only; sends are never repeated
	Logger     *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = provider.SharedHTTPClient(cfg.Timeout)
	}
	retry := provider.DefaultRetryPolicy
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		retry:   retry,
		logger:  cfg.Logger,
	}
}

// GetInbox fetches inbox metadata; used as a credentials probe.
func (c *Client) GetInbox(ctx context.Context, inboxID string) (*Inbox, error) {
	var out Inbox
	if err := c.do(ctx, http.MethodGet, "/inboxes/"+url.PathEscape(inboxID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages returns the most recent messages in an inbox.
func (c *Client) ListMessages(ctx context.Context, inboxID string, limit int) (*ListMessagesResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out ListMessagesResponse
	if err := c.do(ctx, http.MethodGet, "/inboxes/"+url.PathEscape(inboxID)+"/messages", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetMessage(ctx context.Context, inboxID, messageID string) (*Message, error) {
	var out Message
	path := "/inboxes/" + url.PathEscape(inboxID) + "/messages/" + url.PathEscape(messageID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send starts a new thread.
func (c *Client) Send(ctx context.Context, inboxID string, req SendMessageRequest) (*SendMessageResponse, error) {
	var out SendMessageResponse
	path := "/inboxes/" + url.PathEscape(inboxID) + "/messages/send"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reply answers messageID in its thread.
func (c *Client) Reply(ctx context.Context, inboxID, messageID string, req ReplyMessageRequest) (*SendMessageResponse, error) {
	var out SendMessageResponse
	path := "/inboxes/" + url.PathEscape(inboxID) + "/messages/" + url.PathEscape(messageID) + "/reply"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateDomain registers a custom sending domain and returns the DNS records
// to publish.
func (c *Client) CreateDomain(ctx context.Context, req CreateDomainRequest) (*Domain, error) {
	var out Domain
	if err := c.do(ctx, http.MethodPost, "/domains", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyDomain asks the provider to re-check DNS for a domain.
func (c *Client) VerifyDomain(ctx context.Context, domainID string) error {
	return c.do(ctx, http.MethodPost, "/domains/"+url.PathEscape(domainID)+"/verify", nil, nil, nil)
}

func (c *Client) GetDomain(ctx context.Context, domainID string) (*Domain, error) {
	var out Domain
	if err := c.do(ctx, http.MethodGet, "/domains/"+url.PathEscape(domainID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	policy := provider.NoRetry
	if method == http.MethodGet {
		policy = c.retry
	}

	resp, err := provider.DoWithRetry(ctx, c.http, policy, func() (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}, c.logger)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		var envelope struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			apiErr.Message = envelope.Message
			if apiErr.Message == "" {
				apiErr.Message = envelope.Error
			}
		}
		return apiErr
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Pool hands out one Client per API key.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
	base    ClientConfig
}

// NewPool returns a pool whose clients share base (APIKey is ignored).
func NewPool(base ClientConfig) *Pool {
	return &Pool{clients: make(map[string]*Client), base: base}
}

func (p *Pool) Get(apiKey string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[apiKey]; ok {
		return c
	}
	cfg := p.base
	cfg.APIKey = apiKey
	c := NewClient(cfg)
	p.clients[apiKey] = c
	return c
}
