package domain

import "context"

// Channel is the interface for user-facing I/O. The mail channel runs one
// event-stream monitor per configured account.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, to string, content string) error
}
