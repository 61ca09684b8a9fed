// ABOUTME: Package server exposes the coordinator over HTTP: RPC tools and REST
// ABOUTME: Routes paths to auth trust domains, binds rate limits and identity middleware

// Package server is the transport layer. It owns no domain state:
// every request flows auth validation (by path prefix), rate
// limiting, identity resolution, then a single component method.
// Component errors come back as structured values and are translated
// to HTTP here; nothing else crosses the request boundary.
package server
