// Package logger builds the process-wide log/slog logger.
//
// Output is JSON by default and every attribute passes through a redaction
// hook so configured secrets never reach the log sink. The level is held in
// a shared slog.LevelVar so it can be changed while the server runs.
//
// When a file prefix is configured, DailyFile adds a per-day log file next to
// standard output:
//
//	w, err := logger.OpenDailyFile(dir, "securekv")
//	log := logger.New(logger.Config{Output: io.MultiWriter(os.Stdout, w)})
//
// Request scoped values travel on the context:
//
//	ctx = logger.WithRequestID(ctx, id)
//	logger.L(ctx).Info("handled")
package logger
