package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"

	"mailbridge/internal/config"
	"mailbridge/internal/domain"
)

// ChannelName is the channel identifier used in bindings and session keys.
const ChannelName = "agentmail"

var (
	ErrSenderNotAllowed = errors.New("sender not in allowFrom")
	ErrDMDisabled       = errors.New("direct messages are disabled")
	ErrPairingRequired  = errors.New("sender must pair first")
)

// Router resolves which agent and session an inbound sender belongs to.
type Router struct {
	defaultAgent string
	bindings     []binding // pre-normalized, lowercase
	logger       *slog.Logger
}

type binding struct {
	agentID   string
	channel   string
	accountID string
	peer      string
}

// specificity counts the non-wildcard fields of a binding.
func (b binding) specificity() int {
	n := 0
	if b.channel != "" {
		n++
	}
	if b.accountID != "" {
		n++
	}
	if b.peer != "" {
		n += 2
	}
	return n
}

func (b binding) matches(channel, accountID, peer string) bool {
	if b.channel != "" && b.channel != channel {
		return false
	}
	if b.accountID != "" && b.accountID != accountID {
		return false
	}
	if b.peer != "" && b.peer != peer {
		return false
	}
	return true
}

func NewRouter(cfg config.RoutingConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	def := strings.TrimSpace(cfg.DefaultAgent)
	if def == "" {
		def = "main"
	}

	bs := make([]binding, 0, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		agentID := strings.TrimSpace(b.AgentID)
		if agentID == "" {
			continue
		}
		bs = append(bs, binding{
			agentID:   agentID,
			channel:   strings.ToLower(strings.TrimSpace(b.Channel)),
			accountID: strings.ToLower(strings.TrimSpace(b.AccountID)),
			peer:      NormalizeTarget(b.Peer),
		})
	}

	return &Router{
		defaultAgent: def,
		bindings:     bs,
		logger:       logger,
	}
}

// ResolveRoute picks the most specific matching binding, falling back to the
// default agent. Ties go to the binding listed first.
func (r *Router) ResolveRoute(channel, accountID string, peer domain.Peer) (domain.Route, error) {
	peerID := strings.ToLower(strings.TrimSpace(peer.ID))
	if peerID == "" {
		return domain.Route{}, fmt.Errorf("resolve route: empty peer id")
	}
	if accountID == "" {
		accountID = domain.DefaultAccountID
	}
	kind := peer.Kind
	if kind == "" {
		kind = domain.PeerDirect
	}

	ch := strings.ToLower(channel)
	acct := strings.ToLower(accountID)

	agentID := r.defaultAgent
	best := -1
	for _, b := range r.bindings {
		if !b.matches(ch, acct, peerID) {
			continue
		}
		if s := b.specificity(); s > best {
			best = s
			agentID = b.agentID
		}
	}
	if best >= 0 {
		r.logger.Debug("route binding matched", "agent", agentID, "peer", peerID, "specificity", best)
	}

	return domain.Route{
		AgentID:    agentID,
		SessionKey: SessionKey(agentID, ch, accountID, kind, peerID),
		AccountID:  accountID,
	}, nil
}

// SessionKey builds "agent:{agentId}:{channel}:{accountId}:{kind}:{peer}".
func SessionKey(agentID, channel, accountID string, kind domain.PeerKind, peer string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s:%s", agentID, channel, accountID, kind, strings.ToLower(peer))
}

// CheckPolicy applies the account's DM policy to a sender address. Under the
// pairing policy a sender missing from allowFrom gets ErrPairingRequired and
// the caller consults the pairing store.
func CheckPolicy(p domain.Policy, sender string) error {
	switch p.DMPolicy {
	case "", domain.DMPolicyOpen:
		return nil
	case domain.DMPolicyDisabled:
		return ErrDMDisabled
	case domain.DMPolicyAllowlist:
		if allowed(p.AllowFrom, sender) {
			return nil
		}
		return ErrSenderNotAllowed
	case domain.DMPolicyPairing:
		if allowed(p.AllowFrom, sender) {
			return nil
		}
		if NormalizeTarget(sender) == "" {
			return ErrSenderNotAllowed
		}
		return ErrPairingRequired
	default:
		return fmt.Errorf("unknown dm policy %q", p.DMPolicy)
	}
}

func allowed(allowFrom []string, sender string) bool {
	s := NormalizeTarget(sender)
	if s == "" {
		return false
	}
	for _, entry := range allowFrom {
		if entry == "*" || NormalizeTarget(entry) == s {
			return true
		}
	}
	return false
}

// NormalizeTarget reduces an address to its lowercased addr-spec, so
// "Name <user@host>" and "user@host" compare equal. Values without an "@"
// are not mail targets and normalize to "".
func NormalizeTarget(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= len(ChannelName)+1 && strings.EqualFold(s[:len(ChannelName)+1], ChannelName+":") {
		s = strings.TrimSpace(s[len(ChannelName)+1:])
	}
	if !strings.Contains(s, "@") {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil && addr.Address != "" {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(s)
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

func LooksLikeEmail(s string) bool {
	return emailPattern.MatchString(strings.TrimSpace(s))
}
