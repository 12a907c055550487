package workers

import (
	"context"
	"errors"
	"testing"

	"github.com/cordguard/cordguard/internal/repository"
)

func TestRegisterIdempotent(t *testing.T) {
	repo, err := repository.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer repo.Close()
	r := NewRegistry(repo, nil)
	ctx := context.Background()

	id := Identity{HWID: "w1", SignedHWID: "abcd", PublicIP: "192.0.2.7"}
	w, created, err := r.Register(ctx, id)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !created || !w.Signed || w.Acquired {
		t.Errorf("Register = %+v created=%v", w, created)
	}

	again, created, err := r.Register(ctx, Identity{HWID: "w1", SignedHWID: "abcd", PublicIP: "198.51.100.1"})
	if err != nil {
		t.Fatalf("Register again: %v", err)
	}
	if created {
		t.Errorf("re-registration created a new worker")
	}
	if again.PublicIP != "192.0.2.7" {
		t.Errorf("re-registration overwrote public ip: %s", again.PublicIP)
	}
}

func TestSetAcquired(t *testing.T) {
	repo, err := repository.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer repo.Close()
	r := NewRegistry(repo, nil)
	ctx := context.Background()

	if _, _, err := r.Register(ctx, Identity{HWID: "w1", SignedHWID: "s1"}); err != nil {
		t.Fatal(err)
	}
	w, err := r.SetAcquired(ctx, "s1", true)
	if err != nil {
		t.Fatalf("SetAcquired: %v", err)
	}
	if !w.Acquired {
		t.Errorf("worker not acquired")
	}
	w, err = r.SetAcquired(ctx, "s1", false)
	if err != nil || w.Acquired {
		t.Errorf("release = %+v, %v", w, err)
	}

	if _, err := r.SetAcquired(ctx, "ghost", true); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("SetAcquired(ghost): err = %v, want ErrNotFound", err)
	}
	if _, err := r.Get(ctx, "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Get(ghost): err = %v, want ErrNotFound", err)
	}
}

func TestRegisterCaseInsensitive(t *testing.T) {
	repo, err := repository.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer repo.Close()
	r := NewRegistry(repo, nil)
	ctx := context.Background()

	w, created, err := r.Register(ctx, Identity{HWID: "w1", SignedHWID: "ABCD01"})
	if err != nil || !created {
		t.Fatalf("Register = %v, %v", created, err)
	}
	if w.SignedHWID != "abcd01" {
		t.Errorf("stored signed hwid = %q, want lower case", w.SignedHWID)
	}

	_, created, err = r.Register(ctx, Identity{HWID: "w1", SignedHWID: "abcd01"})
	if err != nil || created {
		t.Errorf("lower-case re-registration = %v, %v; want existing worker", created, err)
	}
	if _, err := r.Get(ctx, " AbCd01 "); err != nil {
		t.Errorf("Get(mixed case): %v", err)
	}
	if _, err := r.SetAcquired(ctx, "ABCD01", true); err != nil {
		t.Errorf("SetAcquired(upper case): %v", err)
	}
}
