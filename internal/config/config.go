package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for mailbridge.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Channels ChannelsConfig `json:"channels"`
	Agent    AgentConfig    `json:"agent"`
	Routing  RoutingConfig  `json:"routing"`
	Session  SessionConfig  `json:"session"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
	DataDir  string `json:"dataDir"`
}

type ChannelsConfig struct {
	AgentMail AgentMailConfig `json:"agentmail"`
}

// AgentMailAccountConfig holds the per-account mailbox settings. The same
// fields appear at the top level of channels.agentmail and inside accounts.<id>;
// account values override top-level ones.
type AgentMailAccountConfig struct {
	Name               string         `json:"name,omitempty"`
	Enabled            *bool          `json:"enabled,omitempty"`
	APIKey             string         `json:"apiKey,omitempty"`
	APIKeyFile         string         `json:"apiKeyFile,omitempty"`
	APIKeyKeyring      string         `json:"apiKeyKeyring,omitempty"` // keyring item name
	InboxID            string         `json:"inboxId,omitempty"`
	Username           string         `json:"username,omitempty"`
	Domain             string         `json:"domain,omitempty"`
	DMPolicy           string         `json:"dmPolicy,omitempty"` // "open" | "allowlist" | "pairing" | "disabled"
	AllowFrom          FlexStringList `json:"allowFrom,omitempty"`
	DefaultTo          string         `json:"defaultTo,omitempty"`
	BlockStreaming     *bool          `json:"blockStreaming,omitempty"`
	SerializePerSender bool           `json:"serializePerSender,omitempty"`
}

type AgentMailConfig struct {
	AgentMailAccountConfig
	Accounts       map[string]AgentMailAccountConfig `json:"accounts,omitempty"`
	APIBase        string                            `json:"apiBase"`
	WebSocketURL   string                            `json:"wsUrl"`
	TextChunkLimit int                               `json:"textChunkLimit"`
	ProbeTimeoutS  int                               `json:"probeTimeoutSeconds"`
}

// AgentConfig configures the reply pipeline's LLM backend.
type AgentConfig struct {
	Provider         ProviderConfig   `json:"provider"`
	Fallbacks        []ProviderConfig `json:"fallbacks,omitempty"`
	SystemPrompt     string           `json:"systemPrompt,omitempty"`
	HistoryLimit     int              `json:"historyLimit"`
	MaxTokens        int              `json:"maxTokens"`
	MaxContextTokens int              `json:"maxContextTokens"`
	Temperature      float64          `json:"temperature"`
	RateBurst        int              `json:"rateBurst,omitempty"`
	RatePerMinute    float64          `json:"ratePerMinute,omitempty"` // 0 disables throttling
}

type ProviderConfig struct {
	Name           string `json:"name"`
	APIBase        string `json:"apiBase"`
	APIKey         string `json:"apiKey,omitempty"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// RoutingConfig maps inbound senders to agents.
type RoutingConfig struct {
	DefaultAgent string         `json:"defaultAgent"`
	Bindings     []RouteBinding `json:"bindings,omitempty"`
}

// RouteBinding pins a channel/account/peer combination to an agent.
// Empty fields match anything.
type RouteBinding struct {
	AgentID   string `json:"agentId"`
	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	Peer      string `json:"peer,omitempty"`
}

type SessionConfig struct {
	Store          string `json:"store"` // path template, {agentId} is substituted
	PairingStore   string `json:"pairingStore"`
	PairingTTLDays int    `json:"pairingTtlDays,omitempty"` // 0 = pairings never expire
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Listen   string `json:"listen"`
	Endpoint string `json:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["a@x.com", 456] both become strings).
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.mailbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailbridge"
	}
	return filepath.Join(home, ".mailbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML config file, expands environment variables,
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.Session.Store = ExpandPath(cfg.Session.Store)
	cfg.Session.PairingStore = ExpandPath(cfg.Session.PairingStore)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON converts a YAML document to JSON so both formats share the json
// struct tags above.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return json.Marshal(doc)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = marshalYAML(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

func marshalYAML(cfg *Config) ([]byte, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	am := cfg.Channels.AgentMail
	if am.APIBase == "" {
		errs = append(errs, "channels.agentmail.apiBase is required")
	}
	if am.WebSocketURL == "" {
		errs = append(errs, "channels.agentmail.wsUrl is required")
	} else if !strings.HasPrefix(am.WebSocketURL, "ws://") && !strings.HasPrefix(am.WebSocketURL, "wss://") {
		errs = append(errs, "channels.agentmail.wsUrl must start with ws:// or wss://")
	}
	if am.TextChunkLimit < 1 {
		errs = append(errs, "channels.agentmail.textChunkLimit must be >= 1")
	}
	if err := validatePolicy("channels.agentmail", am.DMPolicy); err != "" {
		errs = append(errs, err)
	}
	for id, acct := range am.Accounts {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, "channels.agentmail.accounts: account id must not be empty")
		}
		if err := validatePolicy("channels.agentmail.accounts."+id, acct.DMPolicy); err != "" {
			errs = append(errs, err)
		}
	}

	if cfg.Agent.HistoryLimit < 0 {
		errs = append(errs, "agent.historyLimit must be >= 0")
	}
	if cfg.Agent.Temperature < 0 || cfg.Agent.Temperature > 2 {
		errs = append(errs, "agent.temperature must be between 0 and 2")
	}
	if cfg.Agent.RatePerMinute < 0 {
		errs = append(errs, "agent.ratePerMinute must be >= 0")
	}
	if cfg.Agent.Provider.APIBase == "" {
		errs = append(errs, "agent.provider.apiBase is required")
	}
	for i, fb := range cfg.Agent.Fallbacks {
		if fb.APIBase == "" {
			errs = append(errs, fmt.Sprintf("agent.fallbacks[%d].apiBase is required", i))
		}
	}

	if strings.TrimSpace(cfg.Routing.DefaultAgent) == "" {
		errs = append(errs, "routing.defaultAgent is required")
	}
	for i, b := range cfg.Routing.Bindings {
		if strings.TrimSpace(b.AgentID) == "" {
			errs = append(errs, fmt.Sprintf("routing.bindings[%d].agentId is required", i))
		}
	}

	if cfg.Session.Store == "" {
		errs = append(errs, "session.store is required")
	}
	if cfg.Session.PairingTTLDays < 0 {
		errs = append(errs, "session.pairingTtlDays must be >= 0")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validatePolicy(path, policy string) string {
	switch policy {
	case "", "open", "allowlist", "pairing", "disabled":
		return ""
	}
	return path + ".dmPolicy must be one of: open, allowlist, pairing, disabled"
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
