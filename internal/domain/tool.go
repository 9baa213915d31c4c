package domain

import "context"

// Tool is the interface for agent capabilities (inbox listing, message reads).
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ToolDefinition is a tool's name, description and JSON Schema parameters in
// the shape OpenAI-compatible backends expect.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
