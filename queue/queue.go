// Package queue runs delayed, retrying background jobs such as delivery retries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/barineco/illo-sub000/domain"
)

// Handler processes one job. Returning nil acknowledges it, RetryAfter
// reschedules it and any other error moves it to the dead-letter state.
type Handler func(ctx context.Context, job domain.Job) error

type Queue interface {
	// Enqueue schedules a job to run after delay and returns its reference.
	Enqueue(ctx context.Context, kind, payload string, delay time.Duration) (string, error)
	Register(kind string, h Handler)
	Start(ctx context.Context) error
	Stop()
}

var ErrNoHandler = errors.New("queue: no handler registered")

// RetryError asks the queue to run the job again after Delay.
type RetryError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry in %s: %v", e.Delay, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

func RetryAfter(d time.Duration, cause error) error {
	return &RetryError{Delay: d, Err: cause}
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeDead
)

// run invokes the handler and classifies its result. The handler sees the
// attempt count before this run; the returned job carries the updated count.
func run(ctx context.Context, handlers map[string]Handler, job domain.Job) (domain.Job, outcome, error) {
	h, ok := handlers[job.Kind]
	if !ok {
		job.Attempts++
		return job, outcomeDead, fmt.Errorf("%w: %s", ErrNoHandler, job.Kind)
	}

	err := safeCall(ctx, h, job)
	job.Attempts++
	if err == nil {
		return job, outcomeDone, nil
	}
	var retry *RetryError
	if errors.As(err, &retry) {
		job.RunAt = time.Now().UTC().Add(retry.Delay)
		return job, outcomeRetry, err
	}
	return job, outcomeDead, err
}

func safeCall(ctx context.Context, h Handler, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Kind, r)
		}
	}()
	return h(ctx, job)
}
