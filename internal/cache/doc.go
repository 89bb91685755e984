// Package cache defines the versioned generation store owned by the cache proxy.
// A Store indexes generations by tag; each Generation maps a request Key
// (method + URL) to an immutable Snapshot. Drivers (memory, disk, leveldb,
// sqlite) make every primitive individually atomic so the proxy can read
// concurrently with lifecycle reclamation without holding its own locks.
package cache
