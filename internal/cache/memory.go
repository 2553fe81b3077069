package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
)

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory returns a process-local Store. Entries are never evicted; a stale
// entry simply sits until the next successful fetch overwrites it.
func NewMemory() Store {
	return &memoryStore{entries: make(map[string]Entry)}
}

func (c *memoryStore) Lookup(_ context.Context, key string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (c *memoryStore) Store(_ context.Context, key string, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.Key = key
	c.entries[key] = cloneEntry(entry)
	return nil
}

func (c *memoryStore) Size(_ context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.entries)), nil
}

func (c *memoryStore) Close(_ context.Context) error {
	return nil
}

func cloneEntry(in Entry) Entry {
	out := in
	if in.Payload != nil {
		out.Payload = json.RawMessage(bytes.Clone(in.Payload))
	}
	return out
}
