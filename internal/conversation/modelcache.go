package conversation

import (
	"container/list"
	"context"
	"sync"

	"github.com/agent-handwerk/callcore/internal/capability"
)

// defaultModelCacheSize bounds how many language-routed model instances
// stay resident at once.
const defaultModelCacheSize = 2

// ModelLoader constructs a Conversational model handle for a given
// language-routing key, e.g. loading a language-specific LLM/STT pairing.
// It is invoked only on a cache miss.
type ModelLoader func(ctx context.Context, languageKey string) (capability.Conversational, error)

// ModelCache is a bounded LRU of loaded model instances keyed by language,
// evicting the least-recently-used entry on a miss once full, so no more
// than a handful of language-specific model instances stay resident at
// once. The conversation engine does not consult it: Capabilities.Models
// is stored but every turn uses Capabilities.LLM.
type ModelCache struct {
	mu       sync.Mutex
	max      int
	loader   ModelLoader
	order    *list.List
	entries  map[string]*list.Element
}

type cacheEntry struct {
	key   string
	model capability.Conversational
}

// NewModelCache builds a ModelCache with the given loader. A maxSize <= 0
// selects the default of 2.
func NewModelCache(maxSize int, loader ModelLoader) *ModelCache {
	if maxSize <= 0 {
		maxSize = defaultModelCacheSize
	}
	return &ModelCache{
		max:     maxSize,
		loader:  loader,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Get returns the cached model for languageKey, loading and evicting the
// least-recently-used entry on a miss if the cache is full.
func (c *ModelCache) Get(ctx context.Context, languageKey string) (capability.Conversational, error) {
	c.mu.Lock()
	if el, ok := c.entries[languageKey]; ok {
		c.order.MoveToFront(el)
		model := el.Value.(*cacheEntry).model
		c.mu.Unlock()
		return model, nil
	}
	c.mu.Unlock()

	model, err := c.loader(ctx, languageKey)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have raced us to load the same key; prefer the
	// winner already installed to keep a single instance per key.
	if el, ok := c.entries[languageKey]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).model, nil
	}

	if c.order.Len() >= c.max {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
	el := c.order.PushFront(&cacheEntry{key: languageKey, model: model})
	c.entries[languageKey] = el
	return model, nil
}

// Len reports the number of currently loaded model instances.
func (c *ModelCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
