// ABOUTME: Blob storage manager: store, fetch, and inline-size policy
// ABOUTME: Small blobs come back inline; large blobs redirect to the download endpoint

package blobs

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/michaelansel/c3po/internal/apierr"
	"github.com/michaelansel/c3po/internal/store"
)

// MaxBlobSize is the absolute upload cap.
const MaxBlobSize = 5 * 1024 * 1024

// BlobTTL matches the message TTL: transfers are temporary.
const BlobTTL = 24 * time.Hour

// Inline return thresholds for fetches.
const (
	InlineThreshold = 10 * 1024  // always inline at or below this
	HardThreshold   = 100 * 1024 // inline_large cap; never inline above
)

// Manager stores and retrieves blobs.
type Manager struct {
	store  store.Store
	logger *slog.Logger
}

// NewManager creates a blob manager.
func NewManager(s store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, logger: logger.With("component", "blobs")}
}

// Store saves a blob and returns its metadata.
func (m *Manager) Store(ctx context.Context, content []byte, filename, mimeType, uploader string) (*store.Blob, error) {
	if len(content) == 0 {
		return nil, apierr.InvalidRequest("content", "cannot be empty")
	}
	if len(content) > MaxBlobSize {
		return nil, apierr.BlobTooLarge(len(content), MaxBlobSize)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	u := uuid.New()
	now := time.Now().UTC()
	blob := &store.Blob{
		ID:        "blob-" + hex.EncodeToString(u[:8]),
		Filename:  filename,
		MimeType:  mimeType,
		Size:      len(content),
		Uploader:  uploader,
		Content:   content,
		CreatedAt: now,
		ExpiresAt: now.Add(BlobTTL),
	}
	if err := m.store.PutBlob(ctx, blob); err != nil {
		return nil, fmt.Errorf("storing blob: %w", err)
	}
	m.logger.Info("blob stored", "blob_id", blob.ID, "filename", filename, "size", blob.Size, "uploader", uploader)
	return blob, nil
}

// Get returns an unexpired blob with content, or BLOB_NOT_FOUND.
func (m *Manager) Get(ctx context.Context, blobID string) (*store.Blob, error) {
	blob, err := m.store.GetBlob(ctx, blobID, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.BlobNotFound(blobID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching blob: %w", err)
	}
	return blob, nil
}

// FetchResult is the tool-facing view of a fetched blob: inline
// content for small blobs, a download pointer for large ones.
type FetchResult struct {
	Blob        *store.Blob
	Content     string
	Encoding    string // "utf-8" or "base64" when inline
	DownloadURL string
	Note        string
}

// Fetch applies the three-tier inline policy: at or below
// InlineThreshold always inline; up to HardThreshold when the caller
// opted in with inlineLarge; above that, download only.
func (m *Manager) Fetch(ctx context.Context, blobID string, inlineLarge bool) (*FetchResult, error) {
	blob, err := m.Get(ctx, blobID)
	if err != nil {
		return nil, err
	}

	inline := blob.Size <= InlineThreshold || (inlineLarge && blob.Size <= HardThreshold)
	if inline {
		result := &FetchResult{Blob: blob}
		if utf8.Valid(blob.Content) {
			result.Content = string(blob.Content)
			result.Encoding = "utf-8"
		} else {
			result.Content = base64.StdEncoding.EncodeToString(blob.Content)
			result.Encoding = "base64"
		}
		return result, nil
	}

	sizeKB := blob.Size / 1024
	note := fmt.Sprintf("Blob is %dKB - too large to return inline (limit: %dKB).", sizeKB, InlineThreshold/1024)
	if blob.Size <= HardThreshold {
		note += fmt.Sprintf(" Set inline_large=true to read inline anyway (up to %dKB).", HardThreshold/1024)
	}
	return &FetchResult{
		Blob:        blob,
		DownloadURL: "/agent/api/blob/" + blob.ID,
		Note:        note,
	}, nil
}
