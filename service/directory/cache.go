// Package directory caches the third-party player directory. The directory is
// large and changes rarely, so it is fetched at most once per TTL and persisted
// so restarts do not refetch it.
package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/brojonat/bankroll/client"
	"github.com/brojonat/bankroll/service/metrics"
)

// DefaultTTL is how long a snapshot stays fresh.
const DefaultTTL = 24 * time.Hour

// ErrQuotaExceeded is returned by storage backends when a snapshot is larger
// than the configured byte quota.
var ErrQuotaExceeded = errors.New("directory snapshot exceeds storage quota")

// ErrCorruptSnapshot is returned by storage backends when the stored bytes
// cannot be decoded into a snapshot.
var ErrCorruptSnapshot = errors.New("stored directory snapshot is unreadable")

// Snapshot is one fetched copy of the directory.
// Players is shared between readers and must not be modified.
type Snapshot struct {
	Players   map[string]client.Player `json:"players"`
	FetchedAt time.Time                `json:"fetched_at"`
}

// Fresh reports whether the snapshot is younger than ttl at now.
func (s *Snapshot) Fresh(now time.Time, ttl time.Duration) bool {
	return s != nil && now.Sub(s.FetchedAt) < ttl
}

// Fetcher loads the full directory for a sport.
type Fetcher interface {
	Players(ctx context.Context, sport string) (map[string]client.Player, error)
}

// Storage persists a snapshot across restarts.
// Load returns (nil, nil) when nothing is stored.
type Storage interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Clear(ctx context.Context) error
}

// Options configures a Cache.
type Options struct {
	Sport   string
	TTL     time.Duration
	Fetcher Fetcher
	Storage Storage // optional
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Cache serves the player directory from memory, falling back to storage on
// startup and to the fetcher when the snapshot is missing or stale.
type Cache struct {
	sport   string
	ttl     time.Duration
	fetcher Fetcher
	storage Storage
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.RWMutex
	snap *Snapshot

	// hydrated is set once storage was read, found empty or found corrupt.
	// A failed read leaves it unset so the next Get tries again.
	hydrateMu sync.Mutex
	hydrated  bool

	group singleflight.Group
}

// NewCache creates a Cache. Nothing is fetched until the first Get.
func NewCache(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Cache{
		sport:   opts.Sport,
		ttl:     opts.TTL,
		fetcher: opts.Fetcher,
		storage: opts.Storage,
		metrics: opts.Metrics,
		logger:  opts.Logger.With("component", "directory", "sport", opts.Sport),
		now:     time.Now,
	}
}

// Get returns a fresh snapshot, refreshing it if needed. When the refresh
// fails and an older snapshot exists, the older snapshot is returned.
func (c *Cache) Get(ctx context.Context) (*Snapshot, error) {
	c.hydrate(ctx)

	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	if snap.Fresh(c.now(), c.ttl) {
		c.metrics.RecordDirectoryRequest("hit")
		return snap, nil
	}

	fresh, err := c.refresh(ctx)
	if err != nil {
		if snap != nil {
			c.logger.WarnContext(ctx, "directory refresh failed, serving stale snapshot",
				"error", err,
				"fetched_at", snap.FetchedAt,
			)
			c.metrics.RecordDirectoryRequest("stale")
			return snap, nil
		}
		c.metrics.RecordDirectoryRequest("error")
		return nil, err
	}

	c.metrics.RecordDirectoryRequest("miss")
	return fresh, nil
}

// Lookup returns the player with id. Unknown ids return ok=false.
func (c *Cache) Lookup(ctx context.Context, id string) (client.Player, bool, error) {
	snap, err := c.Get(ctx)
	if err != nil {
		return client.Player{}, false, err
	}
	p, ok := snap.Players[id]
	return p, ok, nil
}

// Invalidate drops the in-memory snapshot and clears storage so the next Get
// refetches.
func (c *Cache) Invalidate(ctx context.Context) error {
	// Storage is about to be cleared, so there is nothing left to hydrate.
	c.hydrateMu.Lock()
	c.hydrated = true
	c.hydrateMu.Unlock()

	c.mu.Lock()
	c.snap = nil
	c.mu.Unlock()

	if c.storage == nil {
		return nil
	}
	if err := c.storage.Clear(ctx); err != nil {
		c.metrics.RecordDirectoryStorageError("clear")
		return fmt.Errorf("failed to clear directory storage: %w", err)
	}
	c.logger.InfoContext(ctx, "directory invalidated")
	return nil
}

func (c *Cache) hydrate(ctx context.Context) {
	c.hydrateMu.Lock()
	defer c.hydrateMu.Unlock()
	if !c.hydrated {
		c.hydrated = c.load(ctx)
	}
}

// load copies the stored snapshot into memory and reports whether storage
// was settled. Corrupt storage is cleared. Any other read error keeps the
// stored copy for a later attempt.
func (c *Cache) load(ctx context.Context) bool {
	if c.storage == nil {
		return true
	}
	snap, err := c.storage.Load(ctx)
	switch {
	case errors.Is(err, ErrCorruptSnapshot):
		c.metrics.RecordDirectoryStorageError("load")
		c.logger.WarnContext(ctx, "stored directory snapshot is corrupt, clearing storage", "error", err)
		c.clearStorage(ctx)
		return true
	case err != nil:
		c.metrics.RecordDirectoryStorageError("load")
		c.logger.WarnContext(ctx, "failed to load directory snapshot, will retry", "error", err)
		return false
	case snap == nil:
		return true
	}

	c.mu.Lock()
	if c.snap == nil {
		c.snap = snap
	}
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "directory hydrated from storage",
		"players", len(snap.Players),
		"fetched_at", snap.FetchedAt,
	)
	return true
}

// refresh fetches the directory once for all concurrent callers. The fetch
// outlives a canceled caller so the other waiters still get a result.
func (c *Cache) refresh(ctx context.Context) (*Snapshot, error) {
	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		return c.fetch(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

func (c *Cache) fetch(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	players, err := c.fetcher.Players(ctx, c.sport)
	c.metrics.RecordDirectoryRefresh(err, len(players), time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch player directory: %w", err)
	}
	if players == nil {
		players = map[string]client.Player{}
	}

	snap := &Snapshot{Players: players, FetchedAt: c.now()}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "directory refreshed",
		"players", len(players),
		"duration", time.Since(start),
	)

	if c.storage != nil {
		if err := c.storage.Save(ctx, snap); err != nil {
			c.metrics.RecordDirectoryStorageError("save")
			c.logger.WarnContext(ctx, "failed to persist directory snapshot, continuing uncached", "error", err)
			c.clearStorage(ctx)
		}
	}

	return snap, nil
}

func (c *Cache) clearStorage(ctx context.Context) {
	if err := c.storage.Clear(ctx); err != nil {
		c.metrics.RecordDirectoryStorageError("clear")
		c.logger.WarnContext(ctx, "failed to clear directory storage", "error", err)
	}
}
