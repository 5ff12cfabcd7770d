package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/barineco/illo-sub000/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Memory is a process-local Queue. Pending jobs are lost on restart.
type Memory struct {
	mu       sync.Mutex
	handlers map[string]Handler
	pending  []domain.Job
	dead     []domain.Job
	done     int

	workers int
	signal  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *zap.Logger
}

func NewMemory(workers int, logger *zap.Logger) *Memory {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		handlers: make(map[string]Handler),
		workers:  workers,
		signal:   make(chan struct{}, 1),
		log:      logger,
	}
}

func (m *Memory) Register(kind string, h Handler) {
	m.mu.Lock()
	m.handlers[kind] = h
	m.mu.Unlock()
}

func (m *Memory) Enqueue(_ context.Context, kind, payload string, delay time.Duration) (string, error) {
	now := time.Now().UTC()
	job := domain.Job{
		Id:        uuid.New(),
		Kind:      kind,
		Payload:   payload,
		RunAt:     now.Add(delay),
		Status:    domain.JobPending,
		CreatedAt: now,
	}
	m.mu.Lock()
	m.pending = append(m.pending, job)
	m.mu.Unlock()
	m.wake()
	return job.Id.String(), nil
}

func (m *Memory) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Start launches the worker goroutines. They stop when ctx is cancelled or Stop is called.
func (m *Memory) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
	return nil
}

func (m *Memory) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Memory) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		job, wait, ok := m.takeDue(time.Now().UTC())
		if ok {
			m.process(ctx, job)
			continue
		}

		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-m.signal:
				t.Stop()
			case <-t.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-m.signal:
		}
	}
}

// takeDue removes the earliest due job. When none is due it returns the time
// until the next one, or zero if the queue is empty.
func (m *Memory) takeDue(now time.Time) (domain.Job, time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return domain.Job{}, 0, false
	}
	sort.SliceStable(m.pending, func(i, j int) bool { return m.pending[i].RunAt.Before(m.pending[j].RunAt) })
	next := m.pending[0]
	if next.RunAt.After(now) {
		return domain.Job{}, next.RunAt.Sub(now), false
	}
	m.pending = m.pending[1:]
	return next, 0, true
}

func (m *Memory) process(ctx context.Context, job domain.Job) {
	m.mu.Lock()
	handlers := m.handlers
	m.mu.Unlock()

	job.Status = domain.JobRunning
	job, result, err := run(ctx, handlers, job)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch result {
	case outcomeDone:
		m.done++
	case outcomeRetry:
		job.Status = domain.JobPending
		job.LastError = err.Error()
		m.pending = append(m.pending, job)
		m.wake()
	case outcomeDead:
		job.Status = domain.JobDead
		job.LastError = err.Error()
		m.dead = append(m.dead, job)
		m.log.Warn("queue: job dead-lettered",
			zap.String("kind", job.Kind), zap.String("id", job.Id.String()),
			zap.Int("attempts", job.Attempts), zap.Error(err))
	}
}

// Flush runs every currently queued job once, ignoring run times, on the
// calling goroutine. It returns how many jobs were run.
func (m *Memory) Flush(ctx context.Context) int {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, job := range batch {
		m.process(ctx, job)
	}
	return len(batch)
}

// Pending returns a copy of the jobs waiting to run.
func (m *Memory) Pending() []domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Job(nil), m.pending...)
}

func (m *Memory) Dead() []domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Job(nil), m.dead...)
}

func (m *Memory) Done() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}
