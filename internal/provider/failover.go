package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mailbridge/internal/domain"
)

// DefaultCooldown is how long a failed provider is skipped before it is
// tried first again.
const DefaultCooldown = 30 * time.Second

// FailoverProvider tries providers in order. A provider that fails is moved
// behind the healthy ones until its cooldown expires, so a dead primary does
// not add its timeout to every reply.
type FailoverProvider struct {
	providers []domain.Provider
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	failUntil map[int]time.Time
}

// NewFailoverProvider creates a failover chain. At least one provider is
// required.
func NewFailoverProvider(providers []domain.Provider, logger *slog.Logger) *FailoverProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverProvider{
		providers: providers,
		cooldown:  DefaultCooldown,
		logger:    logger,
		now:       time.Now,
		failUntil: make(map[int]time.Time),
	}
}

func (fp *FailoverProvider) Name() string {
	names := make([]string, len(fp.providers))
	for i, p := range fp.providers {
		names[i] = p.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (fp *FailoverProvider) Healthy(ctx context.Context) error {
	var errs []error
	for _, p := range fp.providers {
		err := p.Healthy(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return fmt.Errorf("no healthy provider in failover chain: %w", errors.Join(errs...))
}

// order returns provider indexes with cooling-down providers last, keeping
// configured order within each group.
func (fp *FailoverProvider) order() []int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	now := fp.now()
	ready := make([]int, 0, len(fp.providers))
	var cooling []int
	for i := range fp.providers {
		if until, ok := fp.failUntil[i]; ok && now.Before(until) {
			cooling = append(cooling, i)
			continue
		}
		ready = append(ready, i)
	}
	return append(ready, cooling...)
}

func (fp *FailoverProvider) mark(i int, failed bool) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if failed {
		fp.failUntil[i] = fp.now().Add(fp.cooldown)
	} else {
		delete(fp.failUntil, i)
	}
}

// Chat returns the first successful response.
func (fp *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var lastErr error
	for attempt, i := range fp.order() {
		p := fp.providers[i]
		resp, err := p.Chat(ctx, req)
		if err == nil {
			fp.mark(i, false)
			if i > 0 {
				fp.logger.Info("failover: used fallback provider", "provider", p.Name(), "attempt", attempt+1)
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		fp.mark(i, true)
		fp.logger.Warn("failover: provider failed, trying next",
			"provider", p.Name(),
			"attempt", attempt+1,
			"cooldown", fp.cooldown,
			"err", err,
		)
	}
	return nil, fmt.Errorf("all providers in failover chain failed: %w", lastErr)
}
