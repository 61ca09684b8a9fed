// ABOUTME: Package store provides the persistence substrate for the coordinator
// ABOUTME: SQLite-backed key/value, FIFO inbox, sliding-window, and audit storage

// Package store is the single source of truth for coordinator state.
// All shared mutable state — agent records, inboxes, API keys,
// rate-limit windows, audit entries, blobs — lives here; request
// handlers hold nothing in-process except the notify hub, which
// supplies the blocking-pop primitive long-poll waits sit on.
package store
