package hashpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/cordguard/cordguard/internal/hasher"
)

func newTestPool(t *testing.T, workers int) *Pool {
	t.Helper()
	p := NewPool(workers, hasher.SHA256, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.Start()
	t.Cleanup(p.Shutdown)
	return p
}

func TestDoComputesDigest(t *testing.T) {
	p := newTestPool(t, 2)

	d, err := p.Do(context.Background(), Job{ID: "a", Content: []byte("abc")})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	want, _ := hasher.Hash([]byte("abc"), hasher.SHA256)
	if d.Hash != want {
		t.Errorf("Hash = %s, want %s", d.Hash, want)
	}
}

func TestDoConcurrent(t *testing.T) {
	p := newTestPool(t, 3)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := []byte(fmt.Sprintf("payload-%d", i))
			d, err := p.Do(context.Background(), Job{ID: fmt.Sprint(i), Content: content})
			if err != nil {
				errs <- err
				return
			}
			want, _ := hasher.Hash(content, hasher.SHA256)
			if d.Hash != want {
				errs <- fmt.Errorf("job %d: hash %s, want %s", i, d.Hash, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestDoCancelledContext(t *testing.T) {
	p := newTestPool(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Do(ctx, Job{ID: "x", Content: []byte("abc")}); err == nil {
		t.Errorf("Do with cancelled context succeeded")
	}
}

func TestDoAfterShutdown(t *testing.T) {
	p := NewPool(1, hasher.SHA256, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.Start()
	p.Shutdown()
	p.Shutdown()

	if _, err := p.Do(context.Background(), Job{ID: "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Do after Shutdown: err = %v, want ErrClosed", err)
	}
}
