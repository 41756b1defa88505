// Package cache implements the in-memory cache proxy that sits in front of
// expensive read paths. Entries live in a bounded LRU table with lazily
// checked TTLs; concurrent misses on the same key share one fetch through
// singleflight, and stored ETags let HTTP handlers answer conditional GETs
// with 304 without touching the underlying data source.
package cache
