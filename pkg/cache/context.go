package cache

import "context"

type contextKey struct{}

// NewContext returns a context carrying the cache, so pre-processing,
// processing and post-processing functions can share memoized work within a
// run without the job definition growing a cache parameter.
func NewContext(ctx context.Context, c *Cache) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the cache carried by the context, or nil when the run
// was started without one. Callers treat a nil cache as a miss on every key.
func FromContext(ctx context.Context) *Cache {
	c, _ := ctx.Value(contextKey{}).(*Cache)
	return c
}
