// ABOUTME: Package blobs stores temporary content transfers between agents
// ABOUTME: 5 MB cap, 24-hour TTL, random blob-{16hex} identifiers

package blobs
