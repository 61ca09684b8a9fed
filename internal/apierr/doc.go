// ABOUTME: Package apierr defines the structured error taxonomy for the coordinator
// ABOUTME: Every component failure maps to a code, message, suggestion, and HTTP status

// Package apierr provides the error taxonomy shared by all coordinator
// components. Components return *Error values; the transport layer maps
// them to HTTP status codes and JSON bodies. Timeouts are deliberately
// not part of this taxonomy — a long-poll timeout is a successful
// response carrying a status field, not an error.
package apierr
