// Package syncbus carries small key notifications between instances that
// share a durable store: lock releases for the Redis locker and cache
// invalidations for the inventory service. Delivery is best effort; every
// consumer must stay correct when a message is lost.
package syncbus
