// ABOUTME: Package messaging delivers typed messages between agents with peek/ack semantics
// ABOUTME: FIFO per-recipient inboxes, at-least-once delivery, long-poll blocking waits

// Package messaging implements the message engine. Messages queue in
// the recipient's inbox and stay there until explicitly acknowledged;
// reads are non-destructive snapshots. Every enqueue pushes exactly
// one notify token to wake a blocked waiter. Waiters tolerate
// spurious wakeups by re-reading the inbox and looping until their
// deadline.
package messaging
