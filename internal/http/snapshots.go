package http

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"lab-report-dashboard/internal/dashboard"
)

const snapshotLoadTimeout = 30 * time.Second

// snapshotCache shares one dashboard load between the page, the chart
// frames and the JSON endpoints. Concurrent callers join a single load,
// which runs detached from any one request.
type snapshotCache struct {
	loader *dashboard.Loader
	maxAge time.Duration
	group  singleflight.Group

	mu      sync.Mutex
	current *dashboard.Snapshot
}

func newSnapshotCache(loader *dashboard.Loader, maxAge time.Duration) *snapshotCache {
	return &snapshotCache{loader: loader, maxAge: maxAge}
}

// Get returns the cached snapshot unless it is older than maxAge or force
// is set. A zero maxAge disables sharing: each call loads on its own context.
func (c *snapshotCache) Get(ctx context.Context, force bool) *dashboard.Snapshot {
	if c.maxAge <= 0 {
		return c.loader.Load(ctx)
	}
	if !force {
		if snap := c.fresh(); snap != nil {
			return snap
		}
	}

	v, _, _ := c.group.Do("snapshot", func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotLoadTimeout)
		defer cancel()

		snap := c.loader.Load(loadCtx)
		c.mu.Lock()
		c.current = snap
		c.mu.Unlock()
		return snap, nil
	})
	return v.(*dashboard.Snapshot)
}

func (c *snapshotCache) fresh() *dashboard.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && time.Since(c.current.GeneratedAt) < c.maxAge {
		return c.current
	}
	return nil
}

func (c *snapshotCache) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(c.maxAge)
	defer ticker.Stop()

	c.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

func (c *snapshotCache) refresh(ctx context.Context) {
	snap := c.Get(ctx, true)
	if len(snap.Errors) > 0 {
		log.Warn().Interface("errors", snap.Errors).Msg("dashboard refresh incomplete")
	}
}
