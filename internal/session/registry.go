// Package session persists per-conversation state for the reply dispatcher:
// the last inbound activity time and the turn history fed back to the agent.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mailbridge/internal/config"
	"mailbridge/internal/domain"
)

// ResolveStorePath substitutes {agentId} in the configured store template.
func ResolveStorePath(template, agentID string) string {
	if agentID == "" {
		agentID = "main"
	}
	return config.ExpandPath(strings.ReplaceAll(template, "{agentId}", agentID))
}

// Registry implements domain.SessionStore over one SQLite file per store path.
// Stores are opened lazily and kept open until Close.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*SQLiteStore
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		stores: make(map[string]*SQLiteStore),
		logger: logger,
	}
}

// Store returns the open store for path, opening it on first use.
func (r *Registry) Store(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("session store path is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[path]; ok {
		return s, nil
	}
	s, err := OpenSQLite(path, r.logger)
	if err != nil {
		return nil, err
	}
	r.stores[path] = s
	r.logger.Debug("session store opened", "path", path)
	return s, nil
}

func (r *Registry) ReadLastActivity(ctx context.Context, storePath, sessionKey string) (time.Time, error) {
	s, err := r.Store(storePath)
	if err != nil {
		return time.Time{}, err
	}
	return s.LastActivity(ctx, sessionKey)
}

func (r *Registry) RecordInbound(ctx context.Context, storePath, sessionKey string, in domain.InboundContext) error {
	s, err := r.Store(storePath)
	if err != nil {
		return err
	}
	return s.RecordInbound(ctx, sessionKey, in)
}

func (r *Registry) RecordOutbound(ctx context.Context, storePath, sessionKey string, turn domain.Turn) error {
	s, err := r.Store(storePath)
	if err != nil {
		return err
	}
	return s.RecordOutbound(ctx, sessionKey, turn)
}

func (r *Registry) History(ctx context.Context, storePath, sessionKey string, limit int) ([]domain.Turn, error) {
	s, err := r.Store(storePath)
	if err != nil {
		return nil, err
	}
	return s.History(ctx, sessionKey, limit)
}

// Close closes every open store and returns the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for path, s := range r.stores {
		if err := s.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", path, err)
		}
		delete(r.stores, path)
	}
	return first
}
