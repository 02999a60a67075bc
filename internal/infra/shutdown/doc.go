// Package shutdown coordinates process termination.
//
// A Handler waits for SIGINT/SIGTERM (or an explicit Trigger from a failed
// component), then runs the registered hooks in reverse order under a
// deadline. If the hooks overrun the deadline, or a second signal arrives,
// Wait returns ErrForced and the caller exits without waiting further.
//
//	h := shutdown.NewHandler(10 * time.Second)
//	h.OnShutdown("engine", func(ctx context.Context) error {
//		return backend.Close()
//	})
//	if err := h.Wait(ctx); errors.Is(err, shutdown.ErrForced) {
//		os.Exit(2)
//	}
package shutdown
