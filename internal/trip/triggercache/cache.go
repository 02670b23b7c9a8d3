package triggercache

import (
	"context"
	"encoding/json"
	"sync"

	"tripmate/internal/trip/store"
)

// Logger provides minimal logging required by the cache.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Record is the minimal durable entry meaning "an arrival geofence fired for
// this stop and has not been acknowledged yet".
type Record struct {
	StopID int `json:"stopId"`
}

// Cache is the durable, mutex-guarded queue of pending arrival triggers. It
// survives process restarts through the key-value store; a corrupt or empty
// persisted value reads back as an empty list, never as an error.
type Cache struct {
	mu     sync.Mutex
	kv     store.KV
	key    string
	logger Logger
}

// New constructs a trigger cache over the given key-value store.
func New(kv store.KV, logger Logger) *Cache {
	return &Cache{kv: kv, key: store.KeyArrivedTriggers, logger: logger}
}

// Add appends the stop id if not already present and persists the list.
// Returns false when the id was already cached.
func (c *Cache) Add(ctx context.Context, stopID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := c.load(ctx)
	for _, r := range records {
		if r.StopID == stopID {
			return false
		}
	}
	records = append(records, Record{StopID: stopID})
	c.persist(ctx, records)
	return true
}

// Remove drops every entry matching stopID, persists the remainder and
// returns the removed entries so the caller can run its own eviction side
// effects (message queue cleanup, geofence release).
func (c *Cache) Remove(ctx context.Context, stopID int) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := c.load(ctx)
	kept := records[:0]
	var removed []Record
	for _, r := range records {
		if r.StopID == stopID {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	if len(removed) > 0 {
		c.persist(ctx, kept)
	}
	return removed
}

// List returns the current snapshot under the same mutex as mutations.
func (c *Cache) List(ctx context.Context) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(ctx)
}

// Contains reports whether the stop id is currently cached.
func (c *Cache) Contains(ctx context.Context, stopID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.load(ctx) {
		if r.StopID == stopID {
			return true
		}
	}
	return false
}

// Clear wipes all entries; used at trip teardown.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persist(ctx, nil)
}

// load must be called with the mutex held.
func (c *Cache) load(ctx context.Context) []Record {
	raw, err := c.kv.Get(ctx, c.key, "[]")
	if err != nil {
		c.logger.Errorf("trigger cache: read failed: %v", err)
		return nil
	}
	if raw == "" {
		return nil
	}
	var records []Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		// corrupted persisted state resets to empty, at worst one arrival
		// prompt is shown again
		c.logger.Errorf("trigger cache: corrupt payload %q, resetting", raw)
		return nil
	}
	return records
}

// persist must be called with the mutex held.
func (c *Cache) persist(ctx context.Context, records []Record) {
	if records == nil {
		records = []Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		c.logger.Errorf("trigger cache: marshal failed: %v", err)
		return
	}
	if err := c.kv.Set(ctx, c.key, string(data)); err != nil {
		c.logger.Errorf("trigger cache: write failed: %v", err)
	}
}
