// Package cache holds the in-memory stale-while-revalidate store behind the
// content service. Each key is populated by a caller supplied function under a
// lazily created per-key lock, so concurrent callers for one key share a single
// upstream attempt while unrelated keys proceed independently. A populated
// entry stays servable after its TTL: a failed refresh returns the previous
// value and leaves the refresh timestamp untouched so the next call retries.
package cache
