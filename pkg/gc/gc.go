/*
Package gc reclaims entries nobody has touched within a TTL and nothing keeps alive.

The index decides what is eligible (see index.Clean) and forgets it; the
collector then deletes the same ids from the store with the store's own
touched_at check, so a put that raced with the index deletion keeps its bytes.
Cache entries additionally lose their files under the cache directory.
*/
package gc

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/warptools/warpstore/pkg/index"
	"github.com/warptools/warpstore/pkg/logging"
	"github.com/warptools/warpstore/pkg/store"
	"github.com/warptools/warpstore/pkg/tracing"
	"github.com/warptools/warpstore/wsapi"
)

const LOG_TAG = "│  gc"

type Config struct {
	TTL time.Duration
	// BatchSize is the most entries removed per index transaction. Zero means 1024.
	BatchSize int
	// Interval is the pause between passes in Run. Zero means one hour.
	Interval time.Duration
	// CacheDir holds cache entry files. Empty skips file removal.
	CacheDir string
	// RateLimit caps batches per second so a large pass doesn't starve writers.
	// Zero means unlimited.
	RateLimit float64
}

type Collector struct {
	store   *store.Store
	index   *index.Index
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time
}

func New(s *store.Store, idx *index.Index, cfg Config) *Collector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1024
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Collector{
		store:   s,
		index:   idx,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
}

// Result counts what one pass removed.
type Result struct {
	Processes    int
	Objects      int
	CacheEntries int
	// StoreDeleted is how many of those the store also removed; the rest were
	// absent from the store or touched there after the index let go of them.
	StoreDeleted int
}

// Clean runs one full pass: it keeps asking the index for eligible entries
// until there are none.
//
// Errors:
//
//   - warpstore-error-backend -- when the index or store fails
//   - warpstore-error-io -- when a cache file can't be removed
func (c *Collector) Clean(ctx context.Context) (_ Result, err error) {
	ctx, span := tracing.Start(ctx, "gc.Clean")
	defer func() { tracing.EndWithStatus(span, err) }()
	log := logging.Ctx(ctx)

	now := c.now().Unix()
	maxTouchedAt := now - int64(c.cfg.TTL/time.Second)
	var res Result
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return res, err
		}
		out, err := c.index.Clean(ctx, maxTouchedAt, c.cfg.BatchSize)
		if err != nil {
			return res, err
		}
		if out.Len() == 0 {
			break
		}
		deleted, err := c.store.DeleteBatch(ctx, out.Items(), now, c.cfg.TTL)
		if err != nil {
			return res, err
		}
		if err := c.removeCacheFiles(out.CacheEntries); err != nil {
			return res, err
		}
		res.Processes += len(out.Processes)
		res.Objects += len(out.Objects)
		res.CacheEntries += len(out.CacheEntries)
		res.StoreDeleted += len(deleted)
		log.Debug(LOG_TAG, "removed %d processes, %d objects, %d cache entries",
			len(out.Processes), len(out.Objects), len(out.CacheEntries))
	}
	return res, nil
}

func (c *Collector) removeCacheFiles(ids []wsapi.ObjectID) error {
	if c.cfg.CacheDir == "" {
		return nil
	}
	for _, id := range ids {
		p := filepath.Join(c.cfg.CacheDir, id.String())
		if err := os.RemoveAll(p); err != nil {
			return wsapi.ErrorIo("remove cache entry", p, err)
		}
	}
	return nil
}

// Run calls Clean every Interval until ctx is done. A failed pass is logged
// and the next one tries again.
func (c *Collector) Run(ctx context.Context) error {
	log := logging.Ctx(ctx)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		res, err := c.Clean(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Warn(LOG_TAG, "pass failed: %s", err)
		default:
			log.Info(LOG_TAG, "pass removed %d processes, %d objects, %d cache entries",
				res.Processes, res.Objects, res.CacheEntries)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
