package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/yndnr/securekv/internal/core/service"
	"github.com/yndnr/securekv/internal/infra/buildinfo"
	"github.com/yndnr/securekv/internal/infra/confloader"
	"github.com/yndnr/securekv/internal/infra/shutdown"
	"github.com/yndnr/securekv/internal/infra/tlsroots"
	"github.com/yndnr/securekv/internal/server/adminserver"
	"github.com/yndnr/securekv/internal/server/config"
	"github.com/yndnr/securekv/internal/server/kvserver"
	"github.com/yndnr/securekv/internal/storage"
	"github.com/yndnr/securekv/internal/storage/snapshot"
	"github.com/yndnr/securekv/internal/telemetry/logger"
	"github.com/yndnr/securekv/internal/telemetry/metric"
)

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("configuration: %v", err), exitFailure)
	}

	log, closeLog, err := initLogger(cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("logger: %v", err), exitFailure)
	}
	defer closeLog()
	slog.SetDefault(log)

	log.Info("starting securekv-server",
		"version", buildinfo.Get().Version,
		"commit", buildinfo.Get().Commit,
		"config_file", c.String(flagConfig),
		"engine", cfg.Engine.Kind,
		"encrypted_snapshots", cfg.Security.EncryptionKey != "")
	log.Debug("effective configuration", "config", cfg)

	srv, err := build(c.Context, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		return cli.Exit(fmt.Sprintf("startup: %v", err), exitFailure)
	}

	err = srv.run(c.Context, c.String(flagConfig))
	switch {
	case errors.Is(err, shutdown.ErrForced):
		log.Error("shutdown timed out, forcing exit", "timeout", cfg.Persistence.ShutdownTimeout)
		return cli.Exit("forced shutdown", exitForced)
	case err != nil:
		log.Error("shutdown failed", "error", err)
		return cli.Exit(err.Error(), exitFailure)
	}
	log.Info("server stopped")
	return nil
}

// loadConfig layers defaults, file, environment and flags, then verifies
// the result.
func loadConfig(c *cli.Context) (*config.ServerConfig, error) {
	cfg := config.Default()
	loader := confloader.NewLoader(
		confloader.WithConfigFile(c.String(flagConfig)),
		confloader.WithOverrides(overrides(c)),
	)
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}
	if c.IsSet(flagHost) || c.IsSet(flagPort) {
		cfg.Server.Addr = mergeHostPort(cfg.Server.Addr, c.String(flagHost), c.String(flagPort))
	}
	if err := config.Verify(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// initLogger writes to stdout and, when log.prefix is set, to a daily file.
func initLogger(cfg *config.ServerConfig) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stdout
	closeFn := func() {}

	if cfg.Log.Prefix != "" {
		f, err := logger.OpenDailyFile(cfg.Log.Dir, cfg.Log.Prefix)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
		closeFn = func() { _ = f.Close() }
	}

	return logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: out,
	}), closeFn, nil
}

// server owns every long-lived component of the process.
type server struct {
	cfg     *config.ServerConfig
	log     *slog.Logger
	started time.Time

	metrics    *metric.Registry
	lock       *snapshot.Lock
	backend    storage.Backend
	serializer *service.Serializer
	store      *service.TableStore
	persist    *service.PersistenceManager
	auth       *service.Authorizer
	kv         *kvserver.Server
	kvListener net.Listener
	certs      *tlsroots.Watcher
	admin      *adminserver.Server
	adminLn    net.Listener
}

// build assembles the components, restores the snapshot and binds the
// listeners. On error everything already created is released.
func build(ctx context.Context, cfg *config.ServerConfig, log *slog.Logger) (_ *server, err error) {
	s := &server{cfg: cfg, log: log, started: time.Now(), metrics: metric.NewRegistry()}
	defer func() {
		if err != nil {
			s.release(context.Background())
		}
	}()

	if s.lock, err = snapshot.AcquireLock(cfg.Persistence.SnapshotFile); err != nil {
		return nil, err
	}

	snapshots, err := snapshot.NewManager(snapshot.Config{
		Passphrase: []byte(cfg.Security.EncryptionKey),
		Algorithm:  cfg.Security.EncryptionAlgorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot manager: %w", err)
	}

	if s.backend, err = storage.Open(storage.Config{Kind: cfg.Engine.Kind, Logger: log}); err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	if s.store, err = service.NewTableStore(ctx, s.backend, log); err != nil {
		return nil, fmt.Errorf("table store: %w", err)
	}

	s.serializer = service.NewSerializer(service.SerializerConfig{
		QueueSize:      cfg.Engine.QueueSize,
		CommandTimeout: cfg.Engine.CommandTimeout,
		Logger:         log,
		Metrics:        s.metrics,
	})

	interval, err := service.ParseInterval(cfg.Persistence.Interval)
	if err != nil {
		return nil, err
	}
	s.persist = service.NewPersistenceManager(service.PersistenceConfig{
		Path:     cfg.Persistence.SnapshotFile,
		Interval: interval,
		Logger:   log,
		Metrics:  s.metrics,
	}, s.store, snapshots, s.serializer)

	if _, err = s.persist.Restore(ctx); err != nil {
		return nil, err
	}

	tlsConfig, err := s.tlsConfig()
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}

	s.auth, err = service.NewAuthorizer(service.AuthorizerConfig{
		UsersFile:       cfg.Security.UsersFile,
		GlobalAllowlist: cfg.Security.AllowList,
		Logger:          log,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	dispatcher := service.NewDispatcher(s.store, s.persist, s.serializer, log)
	s.kv, err = kvserver.New(&kvserver.Config{
		Address:      cfg.Server.Addr,
		TLSConfig:    tlsConfig,
		MaxLineBytes: cfg.Server.MaxLineBytes,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		RateLimit:    cfg.Server.RateLimit,
		Authorizer:   s.auth,
	}, dispatcher, log, s.metrics)
	if err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	if s.kvListener, err = lc.Listen(ctx, "tcp", cfg.Server.Addr); err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}

	if cfg.Admin.Addr != "" {
		router := adminserver.NewRouter(&adminserver.RouterConfig{
			Metrics:   s.metrics,
			Status:    s.status,
			Logger:    log,
			AllowList: cfg.Admin.AllowList,
			Started:   s.started,
		})
		s.admin = adminserver.New(cfg.Admin.Addr, router, log)
		if s.adminLn, err = lc.Listen(ctx, "tcp", cfg.Admin.Addr); err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.Admin.Addr, err)
		}
	}
	return s, nil
}

func (s *server) tlsConfig() (*tls.Config, error) {
	tc := s.cfg.TLS
	if !tc.Watch {
		return tlsroots.StaticServerConfig(tc.CAFile, tc.CertFile, tc.KeyFile)
	}
	w, err := tlsroots.NewWatcher(tc.CAFile, tc.CertFile, tc.KeyFile, tlsroots.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	s.certs = w
	return w.ServerConfig(), nil
}

func (s *server) status() adminserver.Status {
	return adminserver.Status{
		Engine:       s.store.Engine(),
		QueueDepth:   s.serializer.Pending(),
		LastSnapshot: s.persist.LastSnapshot(),
	}
}

// run serves until a signal arrives or a component fails, then shuts
// down: listeners, final snapshot, command queue, engine, lock.
func (s *server) run(parent context.Context, configFile string) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.kv.Serve(gctx, s.kvListener) })
	if s.admin != nil {
		g.Go(func() error { return s.admin.Serve(gctx, s.adminLn) })
	}
	if s.certs != nil {
		g.Go(func() error { return s.certs.Run(gctx) })
	}
	g.Go(func() error { return s.persist.Run(gctx) })
	if configFile != "" {
		if w, err := s.watchConfig(configFile); err != nil {
			s.log.Warn("configuration watcher disabled", "error", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	if s.cfg.Security.UsersFile != "" {
		if w, err := s.watchUsers(s.cfg.Security.UsersFile); err != nil {
			s.log.Warn("users file watcher disabled", "error", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	h := shutdown.NewHandler(s.cfg.Persistence.ShutdownTimeout)
	groupErr := make(chan error, 1)
	go func() {
		err := g.Wait()
		groupErr <- err
		h.Trigger(err)
	}()

	// Hooks run in reverse registration order.
	h.OnShutdown("release", func(ctx context.Context) error {
		return s.release(ctx)
	})
	h.OnShutdown("final snapshot", func(ctx context.Context) error {
		_, err := s.persist.Snapshot(ctx, service.TriggerShutdown)
		return err
	})
	h.OnShutdown("listeners", func(ctx context.Context) error {
		cancel()
		select {
		case <-groupErr:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	s.log.Info("server started", "address", s.kvListener.Addr().String())
	err := h.Wait(parent)
	if errors.Is(err, shutdown.ErrForced) {
		return err
	}
	if cause := h.Cause(); cause != nil {
		s.log.Error("component failed", "error", cause)
		return errors.Join(cause, err)
	}
	return err
}

// watchConfig applies log.level changes from the configuration file. Other
// settings need a restart.
func (s *server) watchConfig(path string) (*confloader.Watcher, error) {
	w, err := confloader.NewWatcher(path, confloader.WithWatcherLogger(s.log))
	if err != nil {
		return nil, err
	}
	w.OnChange(func(string) {
		next := config.Default()
		if err := confloader.NewLoader(confloader.WithConfigFile(path)).Load(next); err != nil {
			s.log.Warn("configuration reload failed", "error", err)
			return
		}
		if !logger.ValidLevel(next.Log.Level) {
			s.log.Warn("configuration reload ignored, invalid log.level", "level", next.Log.Level)
			return
		}
		if next.Log.Level != logger.GetLevel() {
			logger.SetLevel(next.Log.Level)
			s.log.Info("log level changed", "level", logger.GetLevel())
		}
	})
	return w, nil
}

// watchUsers reloads the users file when it changes. Open sessions keep
// the grant they were admitted with.
func (s *server) watchUsers(path string) (*confloader.Watcher, error) {
	w, err := confloader.NewWatcher(path, confloader.WithWatcherLogger(s.log))
	if err != nil {
		return nil, err
	}
	w.OnChange(func(string) {
		if err := s.auth.Reload(); err != nil {
			s.log.Warn("users file reload failed, keeping previous users", "error", err)
		}
	})
	return w, nil
}

// release closes the queue, the engine and the lock. Safe on a partially
// built server.
func (s *server) release(ctx context.Context) error {
	var errs []error
	if s.kvListener != nil {
		_ = s.kvListener.Close()
	}
	if s.adminLn != nil {
		_ = s.adminLn.Close()
	}
	if s.serializer != nil {
		if err := s.serializer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if s.lock != nil {
		if err := s.lock.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		}
	}
	return errors.Join(errs...)
}
