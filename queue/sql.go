package queue

import (
	"context"
	"sync"
	"time"

	"github.com/barineco/illo-sub000/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence the durable queue needs; *db.DB implements it.
type Store interface {
	CreateJob(ctx context.Context, j *domain.Job) error
	ClaimDueJobs(ctx context.Context, at time.Time, limit int) ([]domain.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID, attempts int) error
	RescheduleJob(ctx context.Context, id uuid.UUID, attempts int, runAt time.Time, lastErr string) error
	DeadLetterJob(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error
	ResetRunningJobs(ctx context.Context) (int64, error)
}

// SQL is a durable Queue backed by the jobs table. A ticker claims due jobs
// and hands them to a bounded pool of workers.
type SQL struct {
	store        Store
	handlers     map[string]Handler
	mu           sync.RWMutex
	workers      int
	pollInterval time.Duration
	log          *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSQL(store Store, workers int, pollInterval time.Duration, logger *zap.Logger) *SQL {
	if workers <= 0 {
		workers = 4
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQL{
		store:        store,
		handlers:     make(map[string]Handler),
		workers:      workers,
		pollInterval: pollInterval,
		log:          logger,
	}
}

func (q *SQL) Register(kind string, h Handler) {
	q.mu.Lock()
	q.handlers[kind] = h
	q.mu.Unlock()
}

func (q *SQL) Enqueue(ctx context.Context, kind, payload string, delay time.Duration) (string, error) {
	now := time.Now().UTC()
	job := &domain.Job{
		Kind:      kind,
		Payload:   payload,
		RunAt:     now.Add(delay),
		Status:    domain.JobPending,
		CreatedAt: now,
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return "", err
	}
	return job.Id.String(), nil
}

// Start recovers jobs left running by a previous process and starts polling.
func (q *SQL) Start(ctx context.Context) error {
	n, err := q.store.ResetRunningJobs(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		q.log.Info("queue: recovered interrupted jobs", zap.Int64("count", n))
	}

	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.wg.Add(1)
	go q.loop(ctx)
	q.log.Info("queue: started", zap.Int("workers", q.workers), zap.Duration("poll", q.pollInterval))
	return nil
}

func (q *SQL) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *SQL) loop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.RunDue(ctx)
		}
	}
}

// RunDue claims the jobs that are due now and runs them with at most
// `workers` in flight. It blocks until the batch is finished.
func (q *SQL) RunDue(ctx context.Context) int {
	jobs, err := q.store.ClaimDueJobs(ctx, time.Now().UTC(), q.workers*4)
	if err != nil {
		q.log.Error("queue: failed to claim jobs", zap.Error(err))
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	q.mu.RLock()
	handlers := make(map[string]Handler, len(q.handlers))
	for k, v := range q.handlers {
		handlers[k] = v
	}
	q.mu.RUnlock()

	sem := make(chan struct{}, q.workers)
	var wg sync.WaitGroup
	for _, job := range jobs {
		sem <- struct{}{}
		wg.Add(1)
		go func(job domain.Job) {
			defer func() { <-sem; wg.Done() }()
			q.process(ctx, handlers, job)
		}(job)
	}
	wg.Wait()
	return len(jobs)
}

func (q *SQL) process(ctx context.Context, handlers map[string]Handler, job domain.Job) {
	job, result, err := run(ctx, handlers, job)

	// outcome writes must survive a cancelled worker context
	writeCtx := context.WithoutCancel(ctx)
	var werr error
	switch result {
	case outcomeDone:
		werr = q.store.CompleteJob(writeCtx, job.Id, job.Attempts)
	case outcomeRetry:
		werr = q.store.RescheduleJob(writeCtx, job.Id, job.Attempts, job.RunAt, err.Error())
	case outcomeDead:
		q.log.Warn("queue: job dead-lettered",
			zap.String("kind", job.Kind), zap.String("id", job.Id.String()),
			zap.Int("attempts", job.Attempts), zap.Error(err))
		werr = q.store.DeadLetterJob(writeCtx, job.Id, job.Attempts, err.Error())
	}
	if werr != nil {
		q.log.Error("queue: failed to record job outcome", zap.String("id", job.Id.String()), zap.Error(werr))
	}
}
