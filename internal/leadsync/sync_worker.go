package leadsync

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

type SyncWorkerPoolOptions struct {
	Queue      SyncQueue
	Reconciler *Reconciler
	Workers    int
	JobTimeout time.Duration

	// MaxAttempts bounds requeues of a job that keeps failing transiently.
	MaxAttempts int

	Logger *log.Logger

	// OnResult, when set, observes every completed reconcile. Used by the
	// metrics layer.
	OnResult func(result SyncResult, err error)
}

// SyncWorkerPool drains the sync queue with a fixed set of workers. Jobs
// failing with a transient error are requeued with a bumped attempt counter;
// jobs failing terminally are logged and dropped so one bad identity cannot
// wedge the queue.
type SyncWorkerPool struct {
	queue       SyncQueue
	reconciler  *Reconciler
	workers     int
	jobTimeout  time.Duration
	maxAttempts int
	logger      *log.Logger
	onResult    func(SyncResult, error)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSyncWorkerPool(opts SyncWorkerPoolOptions) (*SyncWorkerPool, error) {
	if opts.Queue == nil || opts.Reconciler == nil {
		return nil, ErrInvalidInput
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	jobTimeout := opts.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Second
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &SyncWorkerPool{
		queue:       opts.Queue,
		reconciler:  opts.Reconciler,
		workers:     workers,
		jobTimeout:  jobTimeout,
		maxAttempts: maxAttempts,
		logger:      logger,
		onResult:    opts.OnResult,
	}, nil
}

// Start launches the workers. They run until Stop is called or ctx ends.
func (p *SyncWorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.run(ctx, worker)
		}(i)
	}
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *SyncWorkerPool) Stop() {
	if p == nil || p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
}

func (p *SyncWorkerPool) run(ctx context.Context, worker int) {
	for {
		job, ok := p.queue.Dequeue(ctx)
		if !ok {
			return
		}
		p.process(ctx, worker, job)
	}
}

func (p *SyncWorkerPool) process(ctx context.Context, worker int, job SyncJob) {
	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	result, err := p.reconciler.Reconcile(jobCtx, job.OHID, job.Direction)
	cancel()

	if p.onResult != nil {
		p.onResult(result, err)
	}
	if err == nil {
		return
	}

	if errors.Is(err, ErrTransientRemote) || errors.Is(err, ErrTransientStorage) {
		if job.Attempt+1 < p.maxAttempts {
			job.Attempt++
			if p.queue.TryEnqueue(job) {
				return
			}
			p.logger.Printf("leadsync: worker %d could not requeue ohid=%s attempt=%d: queue full", worker, job.OHID, job.Attempt)
			return
		}
		p.logger.Printf("leadsync: worker %d giving up on ohid=%s after %d attempts: %v", worker, job.OHID, p.maxAttempts, err)
		return
	}
	p.logger.Printf("leadsync: worker %d sync failed ohid=%s direction=%s: %v", worker, job.OHID, job.Direction, err)
}
