package services

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"guild-portal-service/database"
	"guild-portal-service/models"

	"go.uber.org/zap"
)

// CacheStore is the single-slot stats cache. The entry lives in memory and
// is written through to a DocumentStore; the persisted copy is only read
// once, on first use.
type CacheStore struct {
	store  database.DocumentStore
	key    string
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	loaded bool
	entry  models.CacheEntry
}

func NewCacheStore(store database.DocumentStore, key string, logger *zap.Logger) *CacheStore {
	return &CacheStore{
		store:  store,
		key:    key,
		logger: logger,
		now:    time.Now,
	}
}

// Read returns the current entry. It never fails: a missing or corrupt
// persisted entry yields the zero entry.
func (c *CacheStore) Read() models.CacheEntry {
	c.mu.RLock()
	if c.loaded {
		entry := c.entry
		c.mu.RUnlock()
		return entry
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		c.entry = c.load()
		c.loaded = true
	}
	return c.entry
}

func (c *CacheStore) load() models.CacheEntry {
	if c.store == nil {
		return models.CacheEntry{}
	}
	raw, err := c.store.Load(c.key)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			c.logger.Error("Error reading cache", zap.String("key", c.key), zap.Error(err))
		}
		return models.CacheEntry{}
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Error("Error parsing cache", zap.String("key", c.key), zap.Error(err))
		return models.CacheEntry{}
	}
	return entry
}

// Write replaces the entry with value stamped at the current time. A
// persistence failure is logged; the in-memory entry is still updated.
func (c *CacheStore) Write(value json.RawMessage) models.CacheEntry {
	entry := models.CacheEntry{Data: value, LastFetch: c.now().UnixMilli()}

	c.mu.Lock()
	c.entry = entry
	c.loaded = true
	c.mu.Unlock()

	if c.store == nil {
		return entry
	}
	raw, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		c.logger.Error("Error encoding cache", zap.String("key", c.key), zap.Error(err))
		return entry
	}
	if err := c.store.Save(c.key, raw); err != nil {
		c.logger.Error("Error writing cache", zap.String("key", c.key), zap.Error(err))
	}
	return entry
}
