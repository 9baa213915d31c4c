package routing

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"mailbridge/internal/config"
	"mailbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestResolveRoute_Default(t *testing.T) {
	r := NewRouter(config.RoutingConfig{DefaultAgent: "main"}, testLogger())
	route, err := r.ResolveRoute(ChannelName, "default", domain.Peer{Kind: domain.PeerDirect, ID: "Alice@Example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if route.AgentID != "main" {
		t.Errorf("agent = %q, want main", route.AgentID)
	}
	want := "agent:main:agentmail:default:direct:alice@example.com"
	if route.SessionKey != want {
		t.Errorf("session key = %q, want %q", route.SessionKey, want)
	}
	if route.AccountID != "default" {
		t.Errorf("account = %q", route.AccountID)
	}
}

func TestResolveRoute_EmptyDefaultFallsBackToMain(t *testing.T) {
	r := NewRouter(config.RoutingConfig{}, testLogger())
	route, err := r.ResolveRoute(ChannelName, "", domain.Peer{ID: "a@x.com"})
	if err != nil {
		t.Fatal(err)
	}
	if route.AgentID != "main" || route.AccountID != "default" {
		t.Errorf("route = %+v", route)
	}
	if route.SessionKey != "agent:main:agentmail:default:direct:a@x.com" {
		t.Errorf("session key = %q", route.SessionKey)
	}
}

func TestResolveRoute_MostSpecificBindingWins(t *testing.T) {
	r := NewRouter(config.RoutingConfig{
		DefaultAgent: "main",
		Bindings: []config.RouteBinding{
			{AgentID: "support", Channel: "agentmail"},
			{AgentID: "sales", Channel: "agentmail", AccountID: "work"},
			{AgentID: "vip", Peer: "Boss@Corp.com"},
		},
	}, testLogger())

	tests := []struct {
		account string
		peer    string
		want    string
	}{
		{"default", "a@x.com", "support"},
		{"work", "a@x.com", "sales"},
		{"work", "boss@corp.com", "vip"},
		{"default", "BOSS@corp.com", "vip"},
	}
	for _, tt := range tests {
		route, err := r.ResolveRoute(ChannelName, tt.account, domain.Peer{Kind: domain.PeerDirect, ID: tt.peer})
		if err != nil {
			t.Fatal(err)
		}
		if route.AgentID != tt.want {
			t.Errorf("ResolveRoute(%s, %s) agent = %q, want %q", tt.account, tt.peer, route.AgentID, tt.want)
		}
	}
}

func TestResolveRoute_OtherChannelBindingIgnored(t *testing.T) {
	r := NewRouter(config.RoutingConfig{
		DefaultAgent: "main",
		Bindings:     []config.RouteBinding{{AgentID: "tg", Channel: "telegram"}},
	}, testLogger())
	route, _ := r.ResolveRoute(ChannelName, "default", domain.Peer{ID: "a@x.com"})
	if route.AgentID != "main" {
		t.Errorf("agent = %q, want main", route.AgentID)
	}
}

func TestResolveRoute_EmptyPeer(t *testing.T) {
	r := NewRouter(config.RoutingConfig{}, testLogger())
	if _, err := r.ResolveRoute(ChannelName, "default", domain.Peer{ID: "  "}); err == nil {
		t.Error("expected error for empty peer")
	}
}

func TestCheckPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy domain.Policy
		sender string
		want   error
	}{
		{"open", domain.Policy{DMPolicy: "open"}, "a@x.com", nil},
		{"empty defaults to open", domain.Policy{}, "a@x.com", nil},
		{"disabled", domain.Policy{DMPolicy: "disabled"}, "a@x.com", ErrDMDisabled},
		{"allowlisted", domain.Policy{DMPolicy: "allowlist", AllowFrom: []string{" A@X.com "}}, "a@x.com", nil},
		{"allowlist prefixed entry", domain.Policy{DMPolicy: "allowlist", AllowFrom: []string{"agentmail:a@x.com"}}, "a@x.com", nil},
		{"wildcard", domain.Policy{DMPolicy: "allowlist", AllowFrom: []string{"*"}}, "z@y.com", nil},
		{"allowlisted display form", domain.Policy{DMPolicy: "allowlist", AllowFrom: []string{"alice@x.com"}}, "Alice <Alice@x.com>", nil},
		{"not allowlisted", domain.Policy{DMPolicy: "allowlist", AllowFrom: []string{"b@x.com"}}, "a@x.com", ErrSenderNotAllowed},
		{"unknown sender", domain.Policy{DMPolicy: "allowlist", AllowFrom: []string{"b@x.com"}}, "unknown", ErrSenderNotAllowed},
		{"pairing allowlisted", domain.Policy{DMPolicy: "pairing", AllowFrom: []string{"a@x.com"}}, "a@x.com", nil},
		{"pairing required", domain.Policy{DMPolicy: "pairing"}, "a@x.com", ErrPairingRequired},
		{"pairing non-address", domain.Policy{DMPolicy: "pairing"}, "unknown", ErrSenderNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPolicy(tt.policy, tt.sender)
			if !errors.Is(err, tt.want) {
				t.Errorf("CheckPolicy() = %v, want %v", err, tt.want)
			}
		})
	}

	if err := CheckPolicy(domain.Policy{DMPolicy: "everyone"}, "a@x.com"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestNormalizeTarget(t *testing.T) {
	tests := map[string]string{
		"  Foo@Bar.COM ":       "foo@bar.com",
		"agentmail:a@b.com":    "a@b.com",
		"AgentMail:a@b.com":    "a@b.com",
		"not-an-address":       "",
		"":                     "",
		"Name <User@Host.com>": "user@host.com",
		"\"Doe, J\" <j@d.org>": "j@d.org",
	}
	for in, want := range tests {
		if got := NormalizeTarget(in); got != want {
			t.Errorf("NormalizeTarget(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLooksLikeEmail(t *testing.T) {
	tests := map[string]bool{
		"a@b.com":     true,
		" a@b.co ":    true,
		"a@b":         false,
		"a b@c.com":   false,
		"@b.com":      false,
		"plain-text":  false,
		"a@@b.com":    false,
		"x.y@sub.d.e": true,
	}
	for in, want := range tests {
		if got := LooksLikeEmail(in); got != want {
			t.Errorf("LooksLikeEmail(%q) = %v, want %v", in, got, want)
		}
	}
}
