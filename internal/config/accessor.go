package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// toMap renders cfg as its JSON object form, the shape dot paths address.
func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func lookup(m map[string]any, path string) (any, bool, error) {
	var current any = m
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, false, nil
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, false, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, true, nil
}

// GetByPath retrieves a config value by dot path (e.g. "channels.agentmail.inboxId").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	val, ok, err := lookup(m, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("key not found: %s", path)
	}
	return val, nil
}

// SetByPath sets a config value by dot path. String input is converted to the
// type of the value currently at path: "a, b" becomes a list for list fields
// such as allowFrom, and "true" or "42" become a bool or number unless the
// field is a string. Intermediate objects are created, so new accounts can be
// added with "channels.agentmail.accounts.<id>.inboxId". A path naming no
// config field is an error.
func SetByPath(cfg *Config, path string, value any) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty path")
	}
	m, err := toMap(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	parent := m
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key]
		if !ok || child == nil {
			next := make(map[string]any)
			parent[key] = next
			parent = next
			continue
		}
		childMap, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot traverse into %T at %s", child, key)
		}
		parent = childMap
	}

	lastKey := parts[len(parts)-1]
	parent[lastKey] = parseValue(value, parent[lastKey])

	updated, err := decodeStrict(m)
	if raw, ok := value.(string); ok && err != nil && !isUnknownField(err) {
		// A field absent from the current config has no type to go by: retry
		// as a plain string, then as a list.
		for _, alt := range []any{strings.TrimSpace(raw), parseValue(raw, []any{})} {
			parent[lastKey] = alt
			if updated, err = decodeStrict(m); err == nil {
				break
			}
		}
	}
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	*cfg = *updated
	return nil
}

// decodeStrict rebuilds a Config from its map form, rejecting unknown keys.
func decodeStrict(m map[string]any) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isUnknownField(err error) bool {
	return strings.Contains(err.Error(), "unknown field")
}

// parseValue converts CLI string input guided by the current value's type.
func parseValue(v any, current any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)

	switch current.(type) {
	case string:
		return s
	case []any:
		var list []any
		if strings.HasPrefix(s, "[") && json.Unmarshal([]byte(s), &list) == nil {
			return list
		}
		list = []any{}
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
		return list
	}

	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of the config with API keys masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	copy.Agent.Provider.APIKey = maskString(copy.Agent.Provider.APIKey)
	for i := range copy.Agent.Fallbacks {
		copy.Agent.Fallbacks[i].APIKey = maskString(copy.Agent.Fallbacks[i].APIKey)
	}

	am := &copy.Channels.AgentMail
	am.APIKey = maskString(am.APIKey)
	for id, acct := range am.Accounts {
		acct.APIKey = maskString(acct.APIKey)
		am.Accounts[id] = acct
	}
	return &copy
}

// maskString keeps the first and last 4 characters. Env references such as
// ${AGENTMAIL_API_KEY} are not secrets and stay readable.
func maskString(s string) string {
	if s == "" || (strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")) {
		return s
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf config path with its current value.
func ListPaths(cfg *Config) map[string]any {
	m, err := toMap(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flattenMap("", m, result)
	return result
}

func flattenMap(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flattenMap(path, sub, result)
			continue
		}
		result[path] = v
	}
}
