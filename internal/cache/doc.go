/*
Package cache provides the small in-memory caches used by the vault.

LRUCache maps string keys to string values with least-recently-used eviction and an optional
time-to-live. The extension registry uses one to remember which storage holds a file, so a
download does not query every storage backend (an S3 HEAD each) on repeated lookups.

	locations := cache.NewLRUCache(&cache.CacheConfig{MaxEntries: 10000, TTL: 10 * time.Minute})
	locations.Put(fileID, "s3")
	name, ok := locations.Get(fileID)

Entries are hints. Callers verify a hit against the backend and Delete it when stale.
Expired entries are dropped lazily on Get, or in bulk by Sweep.
*/
package cache
