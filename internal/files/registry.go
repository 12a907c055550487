// Package files is the content-addressed file registry. A FileRecord is
// keyed by the hex digest of its bytes and never changes after creation.
package files

import (
	"context"
	"fmt"
	"time"

	"github.com/cordguard/cordguard/internal/hasher"
	"github.com/cordguard/cordguard/internal/repository"
)

// Metadata describes content about to be registered. Name and Extension
// are stored verbatim; sanitising them is the caller's job.
type Metadata struct {
	Name             string
	Extension        string
	Size             int64
	MediaType        string
	Location         string
	SimilarityDigest string
}

// Registry deduplicates files by content digest.
type Registry struct {
	store repository.FileStore
	alg   hasher.Algorithm
	now   func() time.Time
}

// NewRegistry creates a registry that digests with alg.
func NewRegistry(store repository.FileStore, alg hasher.Algorithm, now func() time.Time) *Registry {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{store: store, alg: alg, now: now}
}

// Algorithm returns the digest algorithm used for keys.
func (r *Registry) Algorithm() hasher.Algorithm { return r.alg }

// Hash returns the registry key for content.
func (r *Registry) Hash(content []byte) (string, error) {
	return hasher.Hash(content, r.alg)
}

// Lookup returns the record for digest or repository.ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, digest string) (*repository.FileRecord, error) {
	rec, err := r.store.GetFile(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("files lookup: %w", err)
	}
	return rec, nil
}

// Create stores a new record. It fails with repository.ErrConflict when
// digest is already registered; callers Lookup first.
func (r *Registry) Create(ctx context.Context, meta Metadata, digest string) (*repository.FileRecord, error) {
	rec := &repository.FileRecord{
		Hash:             digest,
		Name:             meta.Name,
		Extension:        meta.Extension,
		Size:             meta.Size,
		MediaType:        meta.MediaType,
		Location:         meta.Location,
		SimilarityDigest: meta.SimilarityDigest,
		CreatedAt:        r.now(),
	}
	if err := r.store.CreateFile(ctx, rec); err != nil {
		return nil, fmt.Errorf("files create: %w", err)
	}
	return rec, nil
}
