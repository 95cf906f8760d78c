// Package transient implements the transient record cache (C5): a
// per-partition, write-through cache of the (value, RMD) a key was
// just resolved to, so a later record for the same key within the
// same poll batch reads its own write instead of stale storage state.
// Entries are evicted once the local produce they depend on has been
// acknowledged past a given position — not on a timer.
package transient

import (
	"sync"

	"meridian/internal/domain"
)

// StatsRecorder receives cache hit/miss notifications. Callers that
// don't care about the counters can pass nil.
type StatsRecorder interface {
	RecordHit(partition domain.PartitionID)
	RecordMiss(partition domain.PartitionID)
}

type entry struct {
	record   domain.ExistingRecord
	position int64 // local VT position this entry must survive until acked
}

type partitionCache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// Cache holds one partitionCache per partition currently being consumed.
type Cache struct {
	mu         sync.RWMutex
	partitions map[domain.PartitionID]*partitionCache
	stats      StatsRecorder
}

func New(stats StatsRecorder) *Cache {
	return &Cache{partitions: make(map[domain.PartitionID]*partitionCache), stats: stats}
}

func (c *Cache) forPartition(p domain.PartitionID) *partitionCache {
	c.mu.RLock()
	pc, ok := c.partitions[p]
	c.mu.RUnlock()
	if ok {
		return pc
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if pc, ok := c.partitions[p]; ok {
		return pc
	}
	pc = &partitionCache{entries: make(map[string]entry)}
	c.partitions[p] = pc
	return pc
}

// Put records the resolved outcome for key, valid until EvictThrough
// is called with a position >= producedPosition.
func (c *Cache) Put(partition domain.PartitionID, key domain.Key, record domain.ExistingRecord, producedPosition int64) {
	pc := c.forPartition(partition)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.entries[string(key)] = entry{record: record, position: producedPosition}
}

// Get returns the cached record for key, if present, recording a
// hit/miss with the configured StatsRecorder.
func (c *Cache) Get(partition domain.PartitionID, key domain.Key) (domain.ExistingRecord, bool) {
	pc := c.forPartition(partition)
	pc.mu.RLock()
	e, ok := pc.entries[string(key)]
	pc.mu.RUnlock()

	if c.stats != nil {
		if ok {
			c.stats.RecordHit(partition)
		} else {
			c.stats.RecordMiss(partition)
		}
	}
	if !ok {
		return domain.ExistingRecord{}, false
	}
	return e.record, true
}

// EvictThrough drops every entry for partition whose producedPosition
// is <= position: once the local produce is acknowledged that far,
// storage itself is authoritative again and the cached copy is no
// longer needed for read-your-own-write coherence.
func (c *Cache) EvictThrough(partition domain.PartitionID, position int64) {
	pc := c.forPartition(partition)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for key, e := range pc.entries {
		if e.position <= position {
			delete(pc.entries, key)
		}
	}
}

// DropPartition removes all cached state for a partition, used when a
// partition is unsubscribed.
func (c *Cache) DropPartition(partition domain.PartitionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.partitions, partition)
}
