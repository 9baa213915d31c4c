package domain

import "strings"

// DefaultAccountID is used when the configuration has no named accounts.
const DefaultAccountID = "default"

// DM policies applied to inbound senders.
const (
	DMPolicyOpen      = "open"
	DMPolicyAllowlist = "allowlist"
	DMPolicyPairing   = "pairing"
	DMPolicyDisabled  = "disabled"
)

// Account is a fully resolved mailbox account. It is read-only for the lifetime
// of a monitoring session; a config change means a new session.
type Account struct {
	AccountID          string
	Name               string
	Enabled            bool
	Configured         bool
	APIKey             string
	APIKeySource       string
	InboxID            string
	Username           string
	Domain             string
	Policy             Policy
	DefaultTo          string
	BlockStreaming     *bool
	SerializePerSender bool
}

// Policy controls which senders may reach the agent.
type Policy struct {
	DMPolicy  string
	AllowFrom []string
}

// Address is the account's own mailbox address (username@domain). Without a
// username, an inbox id that is itself an address is used.
func (a Account) Address() string {
	if a.Username == "" && strings.Contains(a.InboxID, "@") {
		return a.InboxID
	}
	return a.Username + "@" + a.Domain
}
