// Package lock provides the locks that serialize work on a single record key.
//
// Registry is the process-local layer: one reentrant lock per key, created on
// first use and kept for the life of the process. Redis is the cross-process
// layer used by stores that have no native row locking; lock releases are
// announced on a syncbus so waiters wake without polling Redis in a tight loop.
package lock
