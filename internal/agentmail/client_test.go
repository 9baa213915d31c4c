package agentmail

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"mailbridge/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		APIKey:  "am_test",
		BaseURL: srv.URL,
		Retry:   &provider.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond},
		Logger:  testLogger(),
	})
}

func TestClient_Send(t *testing.T) {
	var got SendMessageRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inboxes/bot@agentmail.to/messages/send" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer am_test" {
			t.Errorf("missing auth header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"message_id":"m-1","thread_id":"t-1"}`))
	})

	res, err := c.Send(context.Background(), "bot@agentmail.to", SendMessageRequest{
		To: "alice@example.com", Subject: "Hi", Text: "hello", HTML: "<p>hello</p>",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.MessageID != "m-1" || res.ThreadID != "t-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got.To != "alice@example.com" || got.Subject != "Hi" || got.HTML != "<p>hello</p>" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestClient_Reply(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inboxes/bot@agentmail.to/messages/<m1@x>/reply" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"message_id":"m-2","thread_id":"t-1"}`))
	})

	res, err := c.Reply(context.Background(), "bot@agentmail.to", "<m1@x>", ReplyMessageRequest{Text: "ok"})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if res.ThreadID != "t-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, hasTo := body["to"]; hasTo {
		t.Fatal("reply body must not carry a recipient")
	}
}

func TestClient_SendIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"message":"upstream"}`))
	})

	_, err := c.Send(context.Background(), "bot@agentmail.to", SendMessageRequest{To: "a@x.com"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "upstream" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if calls.Load() != 1 {
		t.Fatalf("send should not be retried, got %d calls", calls.Load())
	}
}

func TestClient_GetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"inbox_id":"bot@agentmail.to","display_name":"Bot"}`))
	})

	inbox, err := c.GetInbox(context.Background(), "bot@agentmail.to")
	if err != nil {
		t.Fatalf("get inbox: %v", err)
	}
	if inbox.DisplayName != "Bot" || calls.Load() != 3 {
		t.Fatalf("unexpected inbox %+v after %d calls", inbox, calls.Load())
	}
}

func TestClient_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no such message"}`, http.StatusNotFound)
	})

	_, err := c.GetMessage(context.Background(), "bot@agentmail.to", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClient_ListMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" {
			t.Errorf("expected limit=5, got %q", r.URL.RawQuery)
		}
		w.Write([]byte(`{"count":12,"messages":[{"message_id":"m1","from":"a@x.com","subject":"s","timestamp":"2026-01-02T03:04:05Z"}]}`))
	})

	res, err := c.ListMessages(context.Background(), "bot@agentmail.to", 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.Count != 12 || len(res.Messages) != 1 || res.Messages[0].MessageID != "m1" {
		t.Fatalf("unexpected response %+v", res)
	}
	if res.Messages[0].Timestamp.Year() != 2026 {
		t.Fatalf("timestamp not decoded: %v", res.Messages[0].Timestamp)
	}
}

func TestClient_Domains(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/domains":
			var req CreateDomainRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.Domain != "mail.example.com" || !req.FeedbackEnabled {
				t.Errorf("unexpected create request %+v", req)
			}
			w.Write([]byte(`{"domain_id":"d1","status":"pending","records":[{"type":"TXT","name":"_dmarc","value":"v=DMARC1"}]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/domains/d1/verify":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/domains/d1":
			w.Write([]byte(`{"domain_id":"d1","status":"verified"}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})

	ctx := context.Background()
	d, err := c.CreateDomain(ctx, CreateDomainRequest{Domain: "mail.example.com", FeedbackEnabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.DomainID != "d1" || len(d.Records) != 1 {
		t.Fatalf("unexpected domain %+v", d)
	}
	if err := c.VerifyDomain(ctx, "d1"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	d, err = c.GetDomain(ctx, "d1")
	if err != nil || d.Status != "verified" {
		t.Fatalf("get domain: %+v %v", d, err)
	}
}

func TestPool_ReusesClientPerKey(t *testing.T) {
	p := NewPool(ClientConfig{BaseURL: "http://127.0.0.1:1", Logger: testLogger()})
	a := p.Get("key-a")
	if p.Get("key-a") != a {
		t.Fatal("expected same client for same key")
	}
	if p.Get("key-b") == a {
		t.Fatal("expected distinct client for different key")
	}
	if a.apiKey != "key-a" {
		t.Fatalf("unexpected api key %q", a.apiKey)
	}
}
