// ABOUTME: Package agents maintains the registry of known agents and their liveness
// ABOUTME: Collision-resolved identity allocation, heartbeats, graceful and TTL lifecycle

// Package agents owns the agent registry. Identity is a canonical
// "{machine}/{project}" string; collisions between live sessions are
// resolved by suffix probing (-2, -3, ...) up to a hard cap. Liveness
// is derived from last_seen against the heartbeat TTL and never
// stored. Unregistering an agent with a non-empty inbox retains the
// record offline so queued messages survive a reconnect.
package agents
