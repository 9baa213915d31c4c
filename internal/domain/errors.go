package domain

import "errors"

// ErrNotConfigured is returned when an account lacks an API key or inbox id.
var ErrNotConfigured = errors.New("agentmail is not configured (need apiKey and inboxId)")
