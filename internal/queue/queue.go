// Package queue implements the in-process job queues that connect the sync
// orchestrator to its workers.
//
// A Queue holds a bounded buffer of ready jobs, a set of delayed jobs waiting
// on a timer and the jobs that exhausted their attempts. Add blocks while the
// ready buffer is full, which is how back-pressure reaches the producer.
//
//	q := queue.New[models.BatchJob](queue.Config{Name: "sync-batch", Buffer: 16}, logger)
//	q.Subscribe(func(ev queue.Event[models.BatchJob]) { ... })
//	go q.Run(ctx, 5, handler)
//	_, err := q.Add(ctx, job, queue.JobOptions{Attempts: 3, Backoff: time.Second})
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/legacysync/pkg/metrics"
)

// ErrClosed is returned by Add after Close
var ErrClosed = errors.New("queue closed")

// JobOptions controls delivery of one job
type JobOptions struct {
	// Attempts is the maximum number of deliveries, at least 1
	Attempts int
	// Backoff is the base of the exponential delay between attempts
	Backoff time.Duration
	// Delay postpones the first delivery
	Delay time.Duration
}

// Config configures a Queue
type Config struct {
	Name string
	// Buffer is the capacity of the ready buffer
	Buffer int
	// DefaultOptions apply to fields left zero in Add
	DefaultOptions JobOptions
}

// Job is one unit of work
type Job[T any] struct {
	ID           string
	Data         T
	Options      JobOptions
	CreatedAt    time.Time
	AttemptsMade int
	LastError    string

	progress atomic.Int64
	q        *Queue[T]
}

// Progress returns the last value reported through UpdateProgress
func (j *Job[T]) Progress() int64 {
	return j.progress.Load()
}

// UpdateProgress records progress and notifies subscribers
func (j *Job[T]) UpdateProgress(v int64) {
	j.progress.Store(v)
	if j.q != nil {
		j.q.emit(Event[T]{Type: EventProgress, Job: j, Progress: v})
	}
}

// EventType identifies a job lifecycle event
type EventType string

const (
	EventCompleted    EventType = "completed"
	EventRetrying     EventType = "retrying"
	EventDeadLettered EventType = "dead_lettered"
	EventProgress     EventType = "progress"
)

// Event is delivered to subscribers synchronously from the worker goroutine
type Event[T any] struct {
	Type     EventType
	Job      *Job[T]
	Err      error
	Progress int64
}

// Handler processes one job. A returned error triggers a retry or dead-letter.
type Handler[T any] func(ctx context.Context, job *Job[T]) error

// Counts is a snapshot of the queue's jobs by state
type Counts struct {
	Ready        int `json:"ready"`
	Delayed      int `json:"delayed"`
	Active       int `json:"active"`
	DeadLettered int `json:"deadLettered"`
}

// Queue is a bounded in-process job queue
type Queue[T any] struct {
	name     string
	defaults JobOptions
	logger   *zap.Logger

	ready chan *Job[T]
	done  chan struct{}

	mu          sync.Mutex
	delayed     map[string]*time.Timer
	deadLetters []*Job[T]
	listeners   []func(Event[T])
	closed      bool
	active      atomic.Int32
}

// New creates a queue
func New[T any](config Config, logger *zap.Logger) *Queue[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Buffer <= 0 {
		config.Buffer = 1
	}
	if config.DefaultOptions.Attempts <= 0 {
		config.DefaultOptions.Attempts = 1
	}
	return &Queue[T]{
		name:     config.Name,
		defaults: config.DefaultOptions,
		logger:   logger.With(zap.String("component", "queue"), zap.String("queue", config.Name)),
		ready:    make(chan *Job[T], config.Buffer),
		done:     make(chan struct{}),
		delayed:  make(map[string]*time.Timer),
	}
}

// Name returns the queue name
func (q *Queue[T]) Name() string {
	return q.name
}

// Subscribe registers fn for every job event. Subscribers must not block for long.
func (q *Queue[T]) Subscribe(fn func(Event[T])) {
	q.mu.Lock()
	q.listeners = append(q.listeners, fn)
	q.mu.Unlock()
}

// Add enqueues data. Without a delay it blocks until the ready buffer has
// room, ctx is done or the queue is closed.
func (q *Queue[T]) Add(ctx context.Context, data T, opts JobOptions) (*Job[T], error) {
	if opts.Attempts <= 0 {
		opts.Attempts = q.defaults.Attempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = q.defaults.Backoff
	}

	job := &Job[T]{
		ID:        uuid.NewString(),
		Data:      data,
		Options:   opts,
		CreatedAt: time.Now(),
		q:         q,
	}

	if opts.Delay > 0 {
		if err := q.schedule(job, opts.Delay); err != nil {
			return nil, err
		}
		q.logger.Debug("job delayed", zap.String("job_id", job.ID), zap.Duration("delay", opts.Delay))
		return job, nil
	}

	if err := q.push(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue[T]) push(ctx context.Context, job *Job[T]) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ready <- job:
		q.updateDepth()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	}
}

func (q *Queue[T]) schedule(job *Job[T], delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.delayed[job.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.delayed, job.ID)
		q.mu.Unlock()
		if err := q.push(context.Background(), job); err != nil {
			q.logger.Warn("dropping delayed job on close", zap.String("job_id", job.ID))
		}
	})
	q.updateDepthLocked()
	return nil
}

// Run starts concurrency workers and blocks until ctx is done
func (q *Queue[T]) Run(ctx context.Context, concurrency int, handler Handler[T]) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.logger.Info("queue workers started", zap.Int("concurrency", concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-q.done:
					return nil
				case job := <-q.ready:
					q.process(ctx, worker, job, handler)
				}
			}
		})
	}
	err := g.Wait()
	q.logger.Info("queue workers stopped")
	return err
}

func (q *Queue[T]) process(ctx context.Context, worker int, job *Job[T], handler Handler[T]) {
	q.active.Add(1)
	q.updateDepth()
	defer func() {
		q.active.Add(-1)
		q.updateDepth()
	}()

	job.AttemptsMade++
	err := safeCall(ctx, job, handler)
	if err == nil {
		metrics.JobOutcomes.WithLabelValues(q.name, "completed").Inc()
		q.emit(Event[T]{Type: EventCompleted, Job: job})
		return
	}
	job.LastError = err.Error()

	logger := q.logger.With(
		zap.String("job_id", job.ID),
		zap.Int("worker", worker),
		zap.Int("attempt", job.AttemptsMade),
		zap.Int("max_attempts", job.Options.Attempts),
		zap.Error(err))

	if job.AttemptsMade < job.Options.Attempts && ctx.Err() == nil {
		delay := backoff(job.Options.Backoff, job.AttemptsMade)
		if serr := q.schedule(job, delay); serr == nil {
			logger.Warn("job failed, retrying", zap.Duration("delay", delay))
			metrics.JobOutcomes.WithLabelValues(q.name, "retried").Inc()
			q.emit(Event[T]{Type: EventRetrying, Job: job, Err: err})
			return
		}
	}

	logger.Error("job dead-lettered")
	q.mu.Lock()
	q.deadLetters = append(q.deadLetters, job)
	q.updateDepthLocked()
	q.mu.Unlock()
	metrics.JobOutcomes.WithLabelValues(q.name, "dead_lettered").Inc()
	q.emit(Event[T]{Type: EventDeadLettered, Job: job, Err: err})
}

func safeCall[T any](ctx context.Context, job *Job[T], handler Handler[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

// backoff returns base * 2^(attempt-1)
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	return base << (attempt - 1)
}

func (q *Queue[T]) emit(ev Event[T]) {
	q.mu.Lock()
	listeners := append([]func(Event[T]){}, q.listeners...)
	q.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Delayed returns the number of jobs waiting on a timer
func (q *Queue[T]) Delayed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed)
}

// DeadLetters returns the jobs that exhausted their attempts
func (q *Queue[T]) DeadLetters() []*Job[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Job[T]{}, q.deadLetters...)
}

// Counts returns a snapshot of the queue
func (q *Queue[T]) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Counts{
		Ready:        len(q.ready),
		Delayed:      len(q.delayed),
		Active:       int(q.active.Load()),
		DeadLettered: len(q.deadLetters),
	}
}

// Close stops delayed timers and rejects further jobs. Ready jobs not yet
// picked up are abandoned.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for id, t := range q.delayed {
		t.Stop()
		delete(q.delayed, id)
	}
	close(q.done)
	q.updateDepthLocked()
}

func (q *Queue[T]) updateDepth() {
	q.mu.Lock()
	q.updateDepthLocked()
	q.mu.Unlock()
}

func (q *Queue[T]) updateDepthLocked() {
	metrics.QueueDepth.WithLabelValues(q.name, "ready").Set(float64(len(q.ready)))
	metrics.QueueDepth.WithLabelValues(q.name, "delayed").Set(float64(len(q.delayed)))
	metrics.QueueDepth.WithLabelValues(q.name, "active").Set(float64(q.active.Load()))
	metrics.QueueDepth.WithLabelValues(q.name, "dead_lettered").Set(float64(len(q.deadLetters)))
}
