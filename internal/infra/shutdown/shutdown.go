package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ErrForced is returned by Wait when cleanup did not finish in time.
var ErrForced = errors.New("shutdown: forced")

type hook struct {
	name string
	fn   func(context.Context) error
}

// Handler handles graceful shutdown.
type Handler struct {
	timeout time.Duration

	mu    sync.Mutex
	hooks []hook
	cause error

	trigger   chan struct{}
	once      sync.Once
	listening chan struct{}
	done      chan struct{}
}

// NewHandler creates a new shutdown handler. timeout bounds the total time
// spent in hooks.
func NewHandler(timeout time.Duration) *Handler {
	return &Handler{
		timeout:   timeout,
		trigger:   make(chan struct{}),
		listening: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// OnShutdown registers a shutdown hook.
// Hooks are called in reverse order of registration.
func (h *Handler) OnShutdown(name string, fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook{name: name, fn: fn})
}

// Trigger starts shutdown without a signal. The first non-nil err is kept
// as the cause; later calls are no-ops.
func (h *Handler) Trigger(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.cause = err
		h.mu.Unlock()
		close(h.trigger)
	})
}

// Cause returns the error passed to Trigger, if any.
func (h *Handler) Cause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause
}

// Wait blocks until a signal arrives, Trigger is called or ctx is done, then
// runs the hooks. It returns ErrForced when the hooks overrun the timeout or
// a second signal arrives; otherwise it returns the joined hook errors.
func (h *Handler) Wait(ctx context.Context) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	close(h.listening)

	select {
	case <-sigCh:
	case <-h.trigger:
	case <-ctx.Done():
	}

	runCtx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- h.runHooks(runCtx) }()

	select {
	case err := <-result:
		close(h.done)
		return err
	case <-runCtx.Done():
		return ErrForced
	case <-sigCh:
		return ErrForced
	}
}

func (h *Handler) runHooks(ctx context.Context) error {
	h.mu.Lock()
	hooks := make([]hook, len(h.hooks))
	copy(hooks, h.hooks)
	h.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", hooks[i].name, err))
		}
	}
	return errors.Join(errs...)
}

// Done returns a channel that closes when all hooks have completed.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}
