// Package account caches per-credential account snapshots and merges
// user-data stream deltas into them.
package account

import (
	"sync"
	"time"

	"github.com/tidewater/conduit/internal/observability"
	"github.com/tidewater/conduit/internal/schema"
)

// Key identifies one cached account.
type Key struct {
	CredentialID string
	Market       schema.Market
}

// Config tunes cache freshness.
type Config struct {
	// StreamingTTL applies while a user-data stream keeps the entry warm.
	StreamingTTL time.Duration
	// RestTTL applies when the entry is maintained by REST polling only.
	RestTTL time.Duration
}

// DefaultConfig mirrors the production freshness windows.
func DefaultConfig() Config {
	return Config{
		StreamingTTL: 60 * time.Second,
		RestTTL:      20 * time.Second,
	}
}

// Stats reports cumulative cache counters.
type Stats struct {
	Entries       int
	Hits          uint64
	Misses        uint64
	MergedDeltas  uint64
	DroppedDeltas uint64
}

type entry struct {
	snap      *schema.AccountSnapshot
	streaming bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Cache holds the latest account snapshot per credential and market. Deltas
// only ever update an existing snapshot; a REST fetch must seed the entry
// first.
type Cache struct {
	cfg    Config
	clock  func() time.Time
	logger observability.Logger

	mu      sync.RWMutex
	entries map[Key]*entry
	hits    uint64
	misses  uint64
	merged  uint64
	dropped uint64
}

// NewCache constructs a Cache. Zero config fields fall back to defaults.
func NewCache(cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.StreamingTTL <= 0 {
		cfg.StreamingTTL = def.StreamingTTL
	}
	if cfg.RestTTL <= 0 {
		cfg.RestTTL = def.RestTTL
	}
	c := &Cache{
		cfg:     cfg,
		clock:   time.Now,
		logger:  observability.Log(),
		entries: make(map[Key]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Get returns a deep copy of the cached snapshot, if present.
func (c *Cache) Get(key Key) (*schema.AccountSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.snap == nil {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.snap.Clone(), true
}

// Set stores a full snapshot. A snapshot older than the cached one is
// ignored so FetchedAt never moves backwards.
func (c *Cache) Set(key Key, snap *schema.AccountSnapshot) {
	if snap == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	if e.snap != nil && snap.FetchedAt.Before(e.snap.FetchedAt) {
		return
	}
	stored := snap.Clone()
	if stored.FetchedAt.IsZero() {
		stored.FetchedAt = c.clock()
	}
	e.snap = stored
}

// MergeDelta applies an incremental update to an existing snapshot. It
// returns false when no snapshot exists for the key; a delta can never
// create one.
func (c *Cache) MergeDelta(key Key, delta *schema.AccountDelta) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.snap == nil {
		c.dropped++
		c.logger.Debug("account delta dropped without snapshot",
			observability.Field{Key: "credential_id", Value: key.CredentialID},
			observability.Field{Key: "market", Value: key.Market},
		)
		return false
	}
	if delta.Empty() {
		return true
	}
	mergeBalances(e.snap, delta.Balances)
	mergePositions(e.snap, delta.Positions)
	if delta.WalletBalance != nil {
		e.snap.WalletBalance = *delta.WalletBalance
	}
	if delta.AvailableBalance != nil {
		e.snap.AvailableBalance = *delta.AvailableBalance
	}
	if ts := c.clock(); ts.After(e.snap.FetchedAt) {
		e.snap.FetchedAt = ts
	}
	c.merged++
	return true
}

func mergeBalances(snap *schema.AccountSnapshot, updates []schema.Balance) {
	for _, upd := range updates {
		replaced := false
		for i := range snap.Balances {
			if snap.Balances[i].Asset == upd.Asset {
				snap.Balances[i].Free = upd.Free
				snap.Balances[i].Locked = upd.Locked
				replaced = true
				break
			}
		}
		if !replaced {
			snap.Balances = append(snap.Balances, upd)
		}
	}
}

func mergePositions(snap *schema.AccountSnapshot, updates []schema.Position) {
	for _, upd := range updates {
		replaced := false
		for i := range snap.Positions {
			p := &snap.Positions[i]
			if p.Symbol == upd.Symbol && p.PositionSide == upd.PositionSide {
				p.PositionAmt = upd.PositionAmt
				p.EntryPrice = upd.EntryPrice
				p.UnrealizedProfit = upd.UnrealizedProfit
				if upd.Leverage > 0 {
					p.Leverage = upd.Leverage
				}
				replaced = true
				break
			}
		}
		if !replaced {
			snap.Positions = append(snap.Positions, upd)
		}
	}
}

// SetStreaming marks whether a user-data stream currently keeps the entry
// fresh, selecting which TTL applies.
func (c *Cache) SetStreaming(key Key, streaming bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	e.streaming = streaming
}

// IsFresh reports whether the cached snapshot is inside its TTL. Entries
// without a snapshot are never fresh.
func (c *Cache) IsFresh(key Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.snap == nil {
		return false
	}
	ttl := c.cfg.RestTTL
	if e.streaming {
		ttl = c.cfg.StreamingTTL
	}
	return c.clock().Sub(e.snap.FetchedAt) < ttl
}

// Invalidate drops the cached snapshot for a key.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Stats returns a copy of the cumulative counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries:       len(c.entries),
		Hits:          c.hits,
		Misses:        c.misses,
		MergedDeltas:  c.merged,
		DroppedDeltas: c.dropped,
	}
}
