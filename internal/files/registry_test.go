package files

import (
	"context"
	"errors"
	"testing"

	"github.com/cordguard/cordguard/internal/hasher"
	"github.com/cordguard/cordguard/internal/repository"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	repo, err := repository.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return NewRegistry(repo, hasher.SHA256, nil)
}

func TestCreateThenLookup(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	digest, err := r.Hash([]byte("print(1)"))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if _, err := r.Lookup(ctx, digest); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("Lookup before create: err = %v, want ErrNotFound", err)
	}

	rec, err := r.Create(ctx, Metadata{Name: "a.py", Extension: ".py", Size: 8, MediaType: "text/x-python"}, digest)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Hash != digest || rec.CreatedAt.IsZero() {
		t.Errorf("Create = %+v", rec)
	}

	got, err := r.Lookup(ctx, digest)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Name != "a.py" {
		t.Errorf("Name = %q, want a.py", got.Name)
	}
}

func TestCreateDuplicate(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	digest, _ := r.Hash([]byte("same bytes"))
	if _, err := r.Create(ctx, Metadata{Name: "one.js"}, digest); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create(ctx, Metadata{Name: "two.js"}, digest); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("duplicate Create: err = %v, want ErrConflict", err)
	}

	got, _ := r.Lookup(ctx, digest)
	if got.Name != "one.js" {
		t.Errorf("record mutated by duplicate create: name %q", got.Name)
	}
}
