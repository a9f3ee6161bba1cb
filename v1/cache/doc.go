// Package cache provides the read-through caches placed in front of the
// durable store. Entries use sliding expiry: every hit pushes the deadline
// out by the entry TTL. A cache is an optimization only; ResilientCache turns
// backend faults into misses so a broken cache never changes an outcome.
//
// The in-memory cache has no background goroutine. Expired entries are
// invisible to readers immediately and are reclaimed by EvictStale, which a
// sweeper calls on a schedule.
package cache
