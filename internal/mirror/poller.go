package mirror

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Poller periodically asks a provider for updates to one extension and
// downloads whatever is newer than the cache.
type Poller struct {
	id       string
	provider Provider
	fetcher  *Fetcher
	cache    *Cache
	interval time.Duration
}

// NewPoller creates a Poller for one extension.
func NewPoller(id string, provider Provider, fetcher *Fetcher, cache *Cache, interval time.Duration) *Poller {
	return &Poller{
		id:       id,
		provider: provider,
		fetcher:  fetcher,
		cache:    cache,
		interval: interval,
	}
}

// Run checks for updates immediately and then once per interval until
// the context is canceled. Failed cycles are logged and retried on the
// next tick; Run itself always returns nil so that one extension cannot
// take down its siblings.
func (p *Poller) Run(ctx context.Context) error {
	for {
		p.runCycle(ctx)

		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runCycle performs one update check, containing panics so a bad cycle
// only costs this tick.
func (p *Poller) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("update cycle panicked", "extension", p.id, "panic", r)
		}
	}()

	if err := p.checkOnce(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.Error("update check failed", "extension", p.id, "error", err)
	}
}

func (p *Poller) checkOnce(ctx context.Context) error {
	current := p.cache.LatestVersion(p.id)

	cand, err := p.provider.CheckUpdate(ctx, current)
	if err != nil {
		return err
	}
	if cand == nil {
		slog.Debug("no update available", "extension", p.id, "current", current)
		return nil
	}

	slog.Info("update available",
		"extension", p.id, "current", current, "candidate", cand.Version)
	return p.fetcher.Fetch(ctx, p.id, cand)
}
