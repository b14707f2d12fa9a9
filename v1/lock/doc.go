// Package lock holds the per-resource edit lock table. A lock is an
// exclusive claim by one connection that it is editing a resource; it lives
// only as long as the hub keeps renewing it.
//
// InMemory serves a single hub process. Redis moves the compare-and-set into
// a shared store so several hub processes grant a lock to at most one
// connection between them.
package lock
