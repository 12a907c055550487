// Package analysis owns the status of AnalysisRecords.
//
// States move pending -> analyzing -> {completed, failed}. The store writes
// whatever transition it is asked for; callers request only legal edges,
// which repository.Status.CanTransitionTo describes. Claim and ForceFail
// are the two conditional transitions and are safe under concurrency.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cordguard/cordguard/internal/repository"
)

// NewID returns a time-ordered unique identifier (UUIDv7).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Store wraps the analysis persistence with lifecycle operations.
type Store struct {
	repo repository.AnalysisStore
	now  func() time.Time
}

// NewStore creates a Store. A nil now uses the UTC wall clock.
func NewStore(repo repository.AnalysisStore, now func() time.Time) *Store {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{repo: repo, now: now}
}

// CreateForFile returns the file's analysis, creating a pending one with
// the given id (or a fresh one when id is empty) if none exists. created
// is false when an existing record was returned.
func (s *Store) CreateForFile(ctx context.Context, file *repository.FileRecord, id string) (rec *repository.AnalysisRecord, created bool, err error) {
	existing, err := s.repo.GetAnalysisByFile(ctx, file.Hash)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("analysis create: %w", err)
	}

	if id == "" {
		id = NewID()
	}
	now := s.now()
	rec = &repository.AnalysisRecord{
		ID:         id,
		FileHash:   file.Hash,
		Status:     repository.StatusPending,
		Percentage: 0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = s.repo.CreateAnalysis(ctx, rec)
	if errors.Is(err, repository.ErrConflict) {
		// Lost a race with an identical submission.
		existing, gerr := s.repo.GetAnalysisByFile(ctx, file.Hash)
		if gerr != nil {
			return nil, false, fmt.Errorf("analysis create: %w", gerr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("analysis create: %w", err)
	}
	return rec, true, nil
}

// Get returns the record or repository.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*repository.AnalysisRecord, error) {
	rec, err := s.repo.GetAnalysis(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("analysis get: %w", err)
	}
	return rec, nil
}

// AnyPending returns an arbitrary pending record, or repository.ErrNotFound
// when the queue is empty. No ordering is promised.
func (s *Store) AnyPending(ctx context.Context) (*repository.AnalysisRecord, error) {
	rec, err := s.repo.FindAnalysisByStatus(ctx, repository.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("analysis pending: %w", err)
	}
	return rec, nil
}

// Transition writes status unconditionally and refreshes updated_at on rec.
func (s *Store) Transition(ctx context.Context, rec *repository.AnalysisRecord, status repository.Status) error {
	now := s.now()
	if err := s.repo.UpdateAnalysisStatus(ctx, rec.ID, status, now); err != nil {
		return fmt.Errorf("analysis transition %s -> %s: %w", rec.Status, status, err)
	}
	rec.Status = status
	rec.UpdatedAt = now
	return nil
}

// Claim moves id from pending to analyzing. Exactly one concurrent caller
// gets true.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.SwapAnalysisStatus(ctx, id, repository.StatusPending, repository.StatusAnalyzing, s.now())
	if err != nil {
		return false, fmt.Errorf("analysis claim: %w", err)
	}
	return ok, nil
}

// Finalize moves rec from analyzing to a terminal status and updates rec
// when it wins. It returns false when the record already left analyzing.
func (s *Store) Finalize(ctx context.Context, rec *repository.AnalysisRecord, status repository.Status) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("analysis finalize: %s is not terminal", status)
	}
	now := s.now()
	ok, err := s.repo.SwapAnalysisStatus(ctx, rec.ID, repository.StatusAnalyzing, status, now)
	if err != nil {
		return false, fmt.Errorf("analysis finalize: %w", err)
	}
	if ok {
		rec.Status = status
		rec.UpdatedAt = now
	}
	return ok, nil
}

// ForceFail moves id from analyzing to failed. It returns false when the
// record already left analyzing.
func (s *Store) ForceFail(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.SwapAnalysisStatus(ctx, id, repository.StatusAnalyzing, repository.StatusFailed, s.now())
	if err != nil {
		return false, fmt.Errorf("analysis force fail: %w", err)
	}
	return ok, nil
}

// Stalled lists records in analyzing whose last update is older than age.
func (s *Store) Stalled(ctx context.Context, age time.Duration, limit int) ([]*repository.AnalysisRecord, error) {
	recs, err := s.repo.ListAnalysesByStatus(ctx, repository.StatusAnalyzing, s.now().Add(-age), limit)
	if err != nil {
		return nil, fmt.Errorf("analysis stalled: %w", err)
	}
	return recs, nil
}
