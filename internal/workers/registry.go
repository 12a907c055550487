// Package workers tracks registered VM workers and their acquired flag.
// It does not check signatures.
package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordguard/cordguard/internal/repository"
)

// Identity is what a worker claims about itself.
type Identity struct {
	HWID       string
	SignedHWID string
	PublicIP   string
}

// Canonical returns the stored form of a signed hwid. Hex decoding accepts
// either case, so one signature must map to one worker.
func Canonical(signedHWID string) string {
	return strings.ToLower(strings.TrimSpace(signedHWID))
}

type Registry struct {
	store repository.WorkerStore
	now   func() time.Time
}

func NewRegistry(store repository.WorkerStore, now func() time.Time) *Registry {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{store: store, now: now}
}

// Register records a verified identity. Registering a known signed hwid
// returns the stored worker with created=false.
func (r *Registry) Register(ctx context.Context, id Identity) (w *repository.Worker, created bool, err error) {
	id.SignedHWID = Canonical(id.SignedHWID)
	existing, err := r.store.GetWorker(ctx, id.SignedHWID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("workers register: %w", err)
	}

	now := r.now()
	w = &repository.Worker{
		SignedHWID: id.SignedHWID,
		HWID:       id.HWID,
		PublicIP:   id.PublicIP,
		Signed:     true,
		Acquired:   false,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = r.store.CreateWorker(ctx, w)
	if errors.Is(err, repository.ErrConflict) {
		existing, gerr := r.store.GetWorker(ctx, id.SignedHWID)
		if gerr != nil {
			return nil, false, fmt.Errorf("workers register: %w", gerr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("workers register: %w", err)
	}
	return w, true, nil
}

func (r *Registry) Get(ctx context.Context, signedHWID string) (*repository.Worker, error) {
	w, err := r.store.GetWorker(ctx, Canonical(signedHWID))
	if err != nil {
		return nil, fmt.Errorf("workers get: %w", err)
	}
	return w, nil
}

// SetAcquired persists the flag. Concurrent calls for one worker are not
// serialised; the last write wins.
func (r *Registry) SetAcquired(ctx context.Context, signedHWID string, acquired bool) (*repository.Worker, error) {
	w, err := r.store.SetWorkerAcquired(ctx, Canonical(signedHWID), acquired, r.now())
	if err != nil {
		return nil, fmt.Errorf("workers set acquired: %w", err)
	}
	return w, nil
}
