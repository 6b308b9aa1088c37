// Package cache provides a generic keyed cache for expensive, long-lived
// resources such as broker producers and reply subscriptions.
//
// Entries are built on first use by a factory, refreshed on every access and
// evicted after a configurable idle window (10 minutes by default). A Lease
// pins an entry while it is in use, so a resource is never torn down under
// an active caller.
package cache
