// Package inventory coordinates the key lock registry, the durable store and
// the read cache to provide add, remove, borrow, return and lookup operations
// on records.
//
// Every mutation runs under the per-key lock, touches the store, and only then
// updates the cache: Add stores the committed record, all other mutations drop
// the cached entry so the next read goes back to the store. Reads never take
// the key lock.
//
// When a syncbus.Bus is configured, committed mutations are announced on
// InvalidationChannel and Listen drops the matching local cache entries.
package inventory
