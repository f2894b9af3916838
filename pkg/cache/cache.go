// Package cache provides explicit, injected cache services with a declared
// lifetime. Nothing here is a package-level global: every consumer receives
// its cache and its scope is visible at the construction site, so a
// run-scoped cache cannot silently leak state into the next run.
package cache

import (
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Scope declares how long a cache's entries are meant to live.
type Scope string

const (
	// ScopeRun caches are reset between runs.
	ScopeRun Scope = "run"

	// ScopeProcess caches live for the whole process.
	ScopeProcess Scope = "process"
)

// Cache is a concurrency-safe string-keyed cache with a declared scope.
type Cache struct {
	scope Scope
	mu    sync.RWMutex
	items map[string]any
}

// New creates an empty cache with the given scope.
func New(scope Scope) *Cache {
	return &Cache{scope: scope, items: make(map[string]any)}
}

// Scope returns the cache's declared lifetime.
func (c *Cache) Scope() Scope {
	return c.scope
}

// Get returns the cached value for key.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

// Set stores a value under key.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Reset drops all entries. Run-scoped caches are reset between runs; calling
// Reset on a process-scoped cache is allowed but unusual.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]any)
}

// TranslationCache memoizes text translations keyed by the normalized form
// of the input, so trivially different spellings ("Arrêt" vs "arrêt" vs a
// decomposed "Arrêt") share one entry.
type TranslationCache struct {
	cache  *Cache
	folder cases.Caser
}

// NewTranslationCache creates a translation cache with the given scope.
func NewTranslationCache(scope Scope) *TranslationCache {
	return &TranslationCache{
		cache:  New(scope),
		folder: cases.Fold(),
	}
}

// NormalizeKey canonicalizes input text for cache lookup: Unicode NFC
// normalization followed by case folding.
func (t *TranslationCache) NormalizeKey(text string) string {
	return t.folder.String(norm.NFC.String(text))
}

// Get returns the cached translation for the text, matching under
// normalization.
func (t *TranslationCache) Get(text string) (string, bool) {
	v, ok := t.cache.Get(t.NormalizeKey(text))
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set stores a translation under the text's normalized key.
func (t *TranslationCache) Set(text, translation string) {
	t.cache.Set(t.NormalizeKey(text), translation)
}

// Len returns the number of cached translations.
func (t *TranslationCache) Len() int {
	return t.cache.Len()
}

// Reset drops all cached translations.
func (t *TranslationCache) Reset() {
	t.cache.Reset()
}
