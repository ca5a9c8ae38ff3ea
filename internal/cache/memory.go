// Package cache provides the advisory short-TTL cache in front of run
// status reads. The cache is read-through and never the source of truth;
// implementations swallow backend failures and report a miss.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ugobe007/matchrun/internal/matchrun"
)

// Memory is a process-local StatusCache backed by a mutex-guarded map.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	clock   matchrun.Clock
}

type memoryEntry struct {
	run       matchrun.Run
	expiresAt time.Time
}

// NewMemory constructs a Memory cache with the given TTL.
func NewMemory(ttl time.Duration, clock matchrun.Clock) *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

// Get returns the cached run snapshot if present and unexpired.
func (c *Memory) Get(_ context.Context, runID string) (matchrun.Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[runID]
	if !ok {
		return matchrun.Run{}, false
	}
	if c.clock.Now().After(entry.expiresAt) {
		delete(c.entries, runID)
		return matchrun.Run{}, false
	}
	return entry.run, true
}

// Set stores the run snapshot for one TTL window. Expired entries are swept
// opportunistically so the map stays bounded by the recent polling set.
func (c *Memory) Set(_ context.Context, runID string, run matchrun.Run) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
		}
	}
	c.entries[runID] = memoryEntry{run: run, expiresAt: now.Add(c.ttl)}
}
