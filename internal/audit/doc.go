// ABOUTME: Package audit records security-relevant coordinator events
// ABOUTME: Entries go to slog and a bounded newest-first ring in the store

package audit
