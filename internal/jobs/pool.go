// Package jobs runs document processing off the request path. Jobs are
// durable rows in the datastore; a pool of workers claims them with a lease
// so a job held by a crashed process becomes claimable again once its lease
// expires. Execution is therefore at-least-once, which the processing state
// machine tolerates because every run starts by clearing earlier chunks.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/54b3r/ragchat-go/internal/ingestion"
	"github.com/54b3r/ragchat-go/internal/logging"
	"github.com/54b3r/ragchat-go/internal/store"
)

const (
	// DefaultConcurrency is the number of workers.
	DefaultConcurrency = 2
	// DefaultMaxAttempts bounds retries of infrastructure failures.
	DefaultMaxAttempts = 3
	// DefaultLease is how long a claimed job is reserved for one worker.
	DefaultLease = 15 * time.Minute
	// DefaultPollInterval is how often idle workers look for work.
	DefaultPollInterval = 2 * time.Second
	// DefaultBackoff is the delay before the first retry; it doubles per attempt.
	DefaultBackoff = 5 * time.Second
)

// Queue is the durable job table. *store.SQLiteStore satisfies it.
type Queue interface {
	EnqueueJob(ctx context.Context, documentID string) (*store.Job, error)
	ClaimJob(ctx context.Context, lease time.Duration) (*store.Job, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id, reason string, delay time.Duration) error
	BuryJob(ctx context.Context, id, reason string) error
	RequeueOrphans(ctx context.Context) (int, error)
}

// Processor runs the processing state machine. *ingestion.Processor
// satisfies it.
type Processor interface {
	Process(ctx context.Context, documentID, credential string) (ingestion.Outcome, error)
	// Abandon records a document failed after its attempts are exhausted.
	Abandon(ctx context.Context, documentID, reason string) error
}

// Config configures a Pool.
type Config struct {
	// Queue is the job table. Required.
	Queue Queue
	// Processor executes jobs. Required.
	Processor Processor
	// Concurrency is the worker count. Defaults to DefaultConcurrency.
	Concurrency int
	// MaxAttempts bounds attempts per job. Defaults to DefaultMaxAttempts.
	MaxAttempts int
	// Lease reserves a claimed job. Defaults to DefaultLease.
	Lease time.Duration
	// PollInterval is the idle polling period. Defaults to DefaultPollInterval.
	PollInterval time.Duration
	// Backoff is the first retry delay. Defaults to DefaultBackoff.
	Backoff time.Duration
}

// Pool is a fixed-size set of workers draining the job queue.
type Pool struct {
	// cfg holds the resolved configuration.
	cfg Config
	// wake nudges an idle worker after Enqueue.
	wake chan struct{}

	// mu guards creds.
	mu sync.Mutex
	// creds holds per-request provider keys by job id. They live only in
	// memory; a job resumed after a restart runs with the base key.
	creds map[string]string
}

// New validates cfg and returns a Pool. Call Run to start the workers.
func New(cfg Config) (*Pool, error) {
	if cfg.Queue == nil {
		return nil, errors.New("jobs: queue must not be nil")
	}
	if cfg.Processor == nil {
		return nil, errors.New("jobs: processor must not be nil")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &Pool{
		cfg:   cfg,
		wake:  make(chan struct{}, cfg.Concurrency),
		creds: make(map[string]string),
	}, nil
}

// Enqueue durably records a processing request for documentID and wakes a
// worker. The document must already be pending.
func (p *Pool) Enqueue(ctx context.Context, documentID, credential string) error {
	job, err := p.cfg.Queue.EnqueueJob(ctx, documentID)
	if err != nil {
		return fmt.Errorf("jobs: enqueue %s: %w", documentID, err)
	}
	if credential != "" {
		p.mu.Lock()
		p.creds[job.ID] = credential
		p.mu.Unlock()
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run requeues orphaned documents and then processes jobs until ctx is
// cancelled. It returns nil on cancellation.
func (p *Pool) Run(ctx context.Context) error {
	log := logging.FromContext(ctx)

	n, err := p.cfg.Queue.RequeueOrphans(ctx)
	if err != nil {
		return fmt.Errorf("jobs: requeue orphans: %w", err)
	}
	if n > 0 {
		log.Info("jobs: requeued interrupted documents", slog.Int("count", n))
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Concurrency {
		g.Go(func() error {
			p.worker(logging.WithLogger(ctx, log.With(slog.Int("worker", i))))
			return nil
		})
	}
	log.Info("jobs: workers started", slog.Int("concurrency", p.cfg.Concurrency))
	return g.Wait()
}

// worker claims and runs jobs until ctx is done.
func (p *Pool) worker(ctx context.Context) {
	log := logging.FromContext(ctx)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything runnable before going idle.
		for ctx.Err() == nil {
			job, err := p.cfg.Queue.ClaimJob(ctx, p.cfg.Lease)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("jobs: claim failed", slog.Any("error", err))
				}
				break
			}
			if job == nil {
				break
			}
			p.handle(ctx, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// handle runs one claimed job and records its result.
func (p *Pool) handle(ctx context.Context, job *store.Job) {
	// The processor adds document_id to the context logger itself.
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With(
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempts),
	))
	log := logging.FromContext(ctx).With(slog.String("document_id", job.DocumentID))
	// Bookkeeping must land even while shutting down.
	bctx := context.WithoutCancel(ctx)

	if job.Attempts > p.cfg.MaxAttempts {
		p.bury(bctx, log, job, job.LastError)
		return
	}

	out, err := p.process(ctx, job)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Info("jobs: document no longer exists")
		p.complete(bctx, log, job)
	case err != nil && ctx.Err() != nil:
		// Shutdown interrupted the run; let the job be picked up again.
		log.Info("jobs: requeueing interrupted job")
		if rerr := p.cfg.Queue.RetryJob(bctx, job.ID, "interrupted by shutdown", 0); rerr != nil {
			log.Error("jobs: could not requeue interrupted job", slog.Any("error", rerr))
		}
	case err != nil && job.Attempts >= p.cfg.MaxAttempts:
		p.bury(bctx, log, job, err.Error())
	case err != nil:
		delay := p.cfg.Backoff << (job.Attempts - 1)
		log.Warn("jobs: attempt failed, will retry",
			slog.Any("error", err),
			slog.Duration("delay", delay),
		)
		if rerr := p.cfg.Queue.RetryJob(bctx, job.ID, err.Error(), delay); rerr != nil {
			log.Error("jobs: could not schedule retry", slog.Any("error", rerr))
		}
	default:
		log.Info("jobs: job finished", slog.String("status", string(out.Status)))
		p.complete(bctx, log, job)
	}
}

// process calls the processor, converting a panic into an error.
func (p *Pool) process(ctx context.Context, job *store.Job) (out ingestion.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobs: processor panic: %v", r)
		}
	}()
	p.mu.Lock()
	credential := p.creds[job.ID]
	p.mu.Unlock()
	return p.cfg.Processor.Process(ctx, job.DocumentID, credential)
}

func (p *Pool) complete(ctx context.Context, log *slog.Logger, job *store.Job) {
	p.forget(job.ID)
	if err := p.cfg.Queue.CompleteJob(ctx, job.ID); err != nil {
		log.Error("jobs: could not complete job", slog.Any("error", err))
	}
}

// bury marks the job dead and hands the document to the processor's
// failure path, which also removes any chunks an earlier attempt left.
func (p *Pool) bury(ctx context.Context, log *slog.Logger, job *store.Job, reason string) {
	p.forget(job.ID)
	log.Error("jobs: giving up on job", slog.String("reason", reason))
	msg := fmt.Sprintf("processing abandoned after %d attempts", p.cfg.MaxAttempts)
	if reason != "" {
		msg += ": " + reason
	}
	if err := p.cfg.Processor.Abandon(ctx, job.DocumentID, msg); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("jobs: could not mark document failed", slog.Any("error", err))
	}
	if err := p.cfg.Queue.BuryJob(ctx, job.ID, reason); err != nil {
		log.Error("jobs: could not bury job", slog.Any("error", err))
	}
}

func (p *Pool) forget(jobID string) {
	p.mu.Lock()
	delete(p.creds, jobID)
	p.mu.Unlock()
}
