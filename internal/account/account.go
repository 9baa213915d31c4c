// Package account resolves AgentMail account configuration into
// domain.Account values.
package account

import (
	"os"
	"sort"
	"strings"

	"mailbridge/internal/config"
	"mailbridge/internal/credential"
	"mailbridge/internal/domain"
)

// EnvAPIKey is the environment variable consulted when no key is configured.
const EnvAPIKey = "AGENTMAIL_API_KEY"

const defaultDomain = "agentmail.to"

// keyringGet is swapped out in tests.
var keyringGet = credential.Get

// ListAccountIDs returns the configured account ids. The top-level section
// counts as the "default" account and is listed first when it carries
// credentials. An empty config still yields ["default"].
func ListAccountIDs(cfg *config.Config) []string {
	section := cfg.Channels.AgentMail

	ids := make([]string, 0, len(section.Accounts)+1)
	for id := range section.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if hasTopLevelCredentials(section) && !contains(ids, domain.DefaultAccountID) {
		ids = append([]string{domain.DefaultAccountID}, ids...)
	}
	if len(ids) == 0 {
		return []string{domain.DefaultAccountID}
	}
	return ids
}

// DefaultAccountID returns the account used when a caller names none.
func DefaultAccountID(cfg *config.Config) string {
	return ListAccountIDs(cfg)[0]
}

// Resolve merges the account's settings over the top-level section and
// resolves its API key. The result is deterministic for a given config and
// environment.
func Resolve(cfg *config.Config, accountID string) domain.Account {
	if accountID == "" {
		accountID = DefaultAccountID(cfg)
	}
	section := cfg.Channels.AgentMail

	merged := section.AgentMailAccountConfig
	if accountID != domain.DefaultAccountID {
		if acct, ok := section.Accounts[accountID]; ok {
			merged = mergeAccount(merged, acct)
		}
	}

	apiKey, source := resolveAPIKey(accountID, merged)
	domainName := strings.TrimSpace(merged.Domain)
	if domainName == "" {
		domainName = defaultDomain
	}
	username := strings.TrimSpace(merged.Username)
	inboxID := strings.TrimSpace(merged.InboxID)

	name := strings.TrimSpace(merged.Name)
	if name == "" {
		local := username
		if local == "" {
			local = "agent"
		}
		name = local + "@" + domainName
	}

	dmPolicy := merged.DMPolicy
	if dmPolicy == "" {
		dmPolicy = domain.DMPolicyOpen
	}

	return domain.Account{
		AccountID:    accountID,
		Name:         name,
		Enabled:      merged.Enabled == nil || *merged.Enabled,
		Configured:   apiKey != "" && inboxID != "",
		APIKey:       apiKey,
		APIKeySource: source,
		InboxID:      inboxID,
		Username:     username,
		Domain:       domainName,
		Policy: domain.Policy{
			DMPolicy:  dmPolicy,
			AllowFrom: append([]string(nil), merged.AllowFrom...),
		},
		DefaultTo:          strings.TrimSpace(merged.DefaultTo),
		BlockStreaming:     merged.BlockStreaming,
		SerializePerSender: merged.SerializePerSender,
	}
}

// ResolveAll resolves every listed account.
func ResolveAll(cfg *config.Config) []domain.Account {
	ids := ListAccountIDs(cfg)
	out := make([]domain.Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, Resolve(cfg, id))
	}
	return out
}

// resolveAPIKey checks apiKey, apiKeyFile, apiKeyKeyring and the environment
// in that order.
func resolveAPIKey(accountID string, c config.AgentMailAccountConfig) (key, source string) {
	if k := strings.TrimSpace(c.APIKey); k != "" {
		return k, "config"
	}
	if path := strings.TrimSpace(c.APIKeyFile); path != "" {
		if data, err := os.ReadFile(config.ExpandPath(path)); err == nil {
			if k := strings.TrimSpace(string(data)); k != "" {
				return k, "file:" + path
			}
		}
	}
	if item := strings.TrimSpace(c.APIKeyKeyring); item != "" {
		if item == "auto" {
			item = credential.Key(accountID)
		}
		if k, err := keyringGet(item); err == nil && strings.TrimSpace(k) != "" {
			return strings.TrimSpace(k), "keyring:" + item
		}
	}
	if k := strings.TrimSpace(os.Getenv(EnvAPIKey)); k != "" {
		return k, "env:" + EnvAPIKey
	}
	return "", "none"
}

func hasTopLevelCredentials(c config.AgentMailConfig) bool {
	return c.APIKey != "" || c.APIKeyFile != "" || c.APIKeyKeyring != "" || os.Getenv(EnvAPIKey) != ""
}

// mergeAccount overlays the non-empty fields of override onto base.
func mergeAccount(base, override config.AgentMailAccountConfig) config.AgentMailAccountConfig {
	out := base
	if override.Name != "" {
		out.Name = override.Name
	}
	if override.Enabled != nil {
		out.Enabled = override.Enabled
	}
	if override.APIKey != "" {
		out.APIKey = override.APIKey
	}
	if override.APIKeyFile != "" {
		out.APIKeyFile = override.APIKeyFile
	}
	if override.APIKeyKeyring != "" {
		out.APIKeyKeyring = override.APIKeyKeyring
	}
	if override.InboxID != "" {
		out.InboxID = override.InboxID
	}
	if override.Username != "" {
		out.Username = override.Username
	}
	if override.Domain != "" {
		out.Domain = override.Domain
	}
	if override.DMPolicy != "" {
		out.DMPolicy = override.DMPolicy
	}
	if override.AllowFrom != nil {
		out.AllowFrom = override.AllowFrom
	}
	if override.DefaultTo != "" {
		out.DefaultTo = override.DefaultTo
	}
	if override.BlockStreaming != nil {
		out.BlockStreaming = override.BlockStreaming
	}
	if override.SerializePerSender {
		out.SerializePerSender = true
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
