package cache

import "context"

// Engine is the full CacheEngine contract. Defined as an interface so the
// pipeline depends on behavior, not on *CacheEngine.
type Engine interface {
	DeriveKey(method, rawURL string, body []byte, contentType string) string
	Lookup(ctx context.Context, key string) (*CachedResponse, bool, error)
	Store(ctx context.Context, key, domain string, resp *CachedResponse) (StoreResult, error)
	Delete(ctx context.Context, key string) (int64, error)
	Clear(ctx context.Context, domainFilter string) (int64, error)
	Stats() Stats
	DomainKeyCount(domain string) int
}
