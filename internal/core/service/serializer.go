package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/yndnr/securekv/internal/core/domain"
	"github.com/yndnr/securekv/internal/telemetry/metric"
)

// Default serializer settings.
const (
	DefaultQueueSize      = 1024
	DefaultCommandTimeout = 30 * time.Second
)

// Task is a unit of work executed on the serializer worker. ctx carries
// the per-task deadline.
type Task func(ctx context.Context) (any, error)

// Future is the pending result of a submitted Task.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(v any, err error) {
	f.value, f.err = v, err
	close(f.done)
}

// Done is closed once the task has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finishes or ctx ends. Abandoning the wait does
// not cancel the task.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SerializerConfig configures a Serializer.
type SerializerConfig struct {
	// QueueSize bounds the number of waiting tasks. Submit blocks when full.
	QueueSize int

	// CommandTimeout bounds each task's execution. Zero disables it.
	CommandTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metric.Registry
}

type job struct {
	name string
	task Task
	fut  *Future
}

// Serializer runs submitted tasks strictly one at a time in submission
// order on a single worker goroutine.
type Serializer struct {
	cfg    SerializerConfig
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *job
	done   chan struct{}
}

// NewSerializer creates a Serializer and starts its worker.
func NewSerializer(cfg SerializerConfig) *Serializer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Serializer{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "serializer"),
		queue:  make(chan *job, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Submit enqueues task. It fails only when the serializer is closed or ctx
// ends while waiting for queue space.
func (s *Serializer) Submit(ctx context.Context, name string, task Task) (*Future, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, domain.ErrServerClosing
	}

	j := &job{name: name, task: task, fut: newFuture()}
	select {
	case s.queue <- j:
		s.cfg.Metrics.SetQueueDepth(len(s.queue))
		return j.fut, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do submits task and waits for its result.
func (s *Serializer) Do(ctx context.Context, name string, task Task) (any, error) {
	fut, err := s.Submit(ctx, name, task)
	if err != nil {
		return nil, err
	}
	return fut.Wait(ctx)
}

// Pending returns the number of queued tasks.
func (s *Serializer) Pending() int {
	return len(s.queue)
}

// Close stops accepting tasks, lets the worker drain what is already
// queued, and waits for it to exit or ctx to end.
func (s *Serializer) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("serializer: drain: %w", ctx.Err())
	}
}

func (s *Serializer) run() {
	defer close(s.done)
	for j := range s.queue {
		s.cfg.Metrics.SetQueueDepth(len(s.queue))
		s.execute(j)
	}
	s.logger.Debug("serializer stopped")
}

func (s *Serializer) execute(j *job) {
	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if s.cfg.CommandTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CommandTimeout)
	}

	start := time.Now()
	value, err := s.invoke(ctx, j)
	elapsed := time.Since(start)

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrCommandTimeout) {
		err = domain.ErrCommandTimeout.WithDetails(
			fmt.Sprintf("%s exceeded %s", j.name, s.cfg.CommandTimeout)).WithCause(err)
	}
	cancel()

	status := "success"
	if err != nil {
		status = "error"
	}
	s.cfg.Metrics.ObserveCommand(j.name, status, elapsed)

	j.fut.complete(value, err)
}

// invoke runs the task, converting a panic into an internal error so the
// queue keeps advancing.
func (s *Serializer) invoke(ctx context.Context, j *job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked",
				"task", j.name,
				"panic", r,
				"stack", string(debug.Stack()))
			value, err = nil, domain.ErrInternal.WithDetails(fmt.Sprintf("%s: %v", j.name, r))
		}
	}()
	return j.task(ctx)
}
