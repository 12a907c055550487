// Package hashpool runs content digesting on a bounded set of goroutines so
// that concurrent uploads cannot saturate every core.
package hashpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cordguard/cordguard/internal/hasher"
)

// ErrClosed is returned by Do after Shutdown.
var ErrClosed = errors.New("hashpool: pool is shut down")

// Job is one digest request.
// Ctx carries the caller's cancellation into the worker.
type Job struct {
	Ctx     context.Context
	ID      string
	Content []byte

	reply chan Result
}

// Result holds the outcome of processing a single job.
type Result struct {
	ID     string
	Digest *hasher.Digest
	Err    error
}

// Pool manages a fixed set of goroutines that digest Jobs.
type Pool struct {
	workers int
	alg     hasher.Algorithm
	jobs    chan Job
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool with the given number of workers.
// Call Start() to launch the goroutines.
func NewPool(workers int, alg hasher.Algorithm, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers: workers,
		alg:     alg,
		jobs:    make(chan Job, workers*2),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Start launches worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Do enqueues job and waits for its result. It blocks while the queue is
// full and gives up when ctx is done.
func (p *Pool) Do(ctx context.Context, job Job) (*hasher.Digest, error) {
	job.Ctx = ctx
	job.reply = make(chan Result, 1)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrClosed
	}
	select {
	case p.jobs <- job:
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	case <-p.ctx.Done():
		p.mu.RUnlock()
		return nil, ErrClosed
	}
	p.mu.RUnlock()

	select {
	case res := <-job.reply:
		return res.Digest, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops accepting jobs, lets queued jobs finish and waits for the
// workers to exit. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		job.reply <- p.process(id, job)
	}
	p.logger.Debug("hash worker exiting", slog.Int("worker_id", id))
}

func (p *Pool) process(workerID int, job Job) Result {
	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return Result{ID: job.ID, Err: fmt.Errorf("job cancelled before processing: %w", err)}
	}

	start := time.Now()
	digest, err := hasher.Compute(job.Content, p.alg)
	latency := time.Since(start)

	if err != nil {
		p.logger.Error("digest failed",
			slog.Int("worker_id", workerID),
			slog.String("job_id", job.ID),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()),
		)
		return Result{ID: job.ID, Err: err}
	}

	p.logger.Debug("digest computed",
		slog.Int("worker_id", workerID),
		slog.String("job_id", job.ID),
		slog.Duration("latency", latency),
		slog.String("hash", digest.Hash),
		slog.Int64("size", digest.Size),
	)

	return Result{ID: job.ID, Digest: digest}
}
