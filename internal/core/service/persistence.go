package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yndnr/securekv/internal/core/domain"
	"github.com/yndnr/securekv/internal/storage/snapshot"
	"github.com/yndnr/securekv/internal/telemetry/metric"
)

// Snapshot triggers, used as a metric label and in logs.
const (
	TriggerTimer    = "timer"
	TriggerDump     = "dump"
	TriggerShutdown = "shutdown"
)

// DefaultSnapshotInterval is the default timer period.
const DefaultSnapshotInterval = 60 * time.Second

// PersistenceConfig configures a PersistenceManager.
type PersistenceConfig struct {
	// Path is the snapshot file.
	Path string

	// Interval is the timer period. Zero disables the timer.
	Interval time.Duration

	Logger  *slog.Logger
	Metrics *metric.Registry
}

// PersistenceManager writes and restores snapshots of a TableStore. Every
// access to the store goes through the Serializer.
type PersistenceManager struct {
	cfg        PersistenceConfig
	store      *TableStore
	snapshots  *snapshot.Manager
	serializer *Serializer
	logger     *slog.Logger

	last atomic.Pointer[snapshot.Info]
}

// NewPersistenceManager creates a manager.
func NewPersistenceManager(cfg PersistenceConfig, store *TableStore, snapshots *snapshot.Manager, serializer *Serializer) *PersistenceManager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PersistenceManager{
		cfg:        cfg,
		store:      store,
		snapshots:  snapshots,
		serializer: serializer,
		logger:     cfg.Logger.With("component", "persistence"),
	}
}

// Path returns the configured snapshot file.
func (p *PersistenceManager) Path() string {
	return p.cfg.Path
}

// LastSnapshot returns the most recent successful snapshot, or nil.
func (p *PersistenceManager) LastSnapshot() *snapshot.Info {
	return p.last.Load()
}

// Restore loads the snapshot file, if any, into the store. Existing keys
// are kept. A missing file is not an error; an unreadable one is.
func (p *PersistenceManager) Restore(ctx context.Context) (*snapshot.Info, error) {
	v, err := p.serializer.Do(ctx, "restore", func(ctx context.Context) (any, error) {
		tables, info, err := p.snapshots.Load(p.cfg.Path)
		if errors.Is(err, snapshot.ErrNotFound) {
			p.logger.Info("no snapshot found, starting empty", "path", p.cfg.Path)
			return (*snapshot.Info)(nil), nil
		}
		if err != nil {
			return nil, domain.ErrPersistence.Wrap(fmt.Errorf("restore %s: %w", p.cfg.Path, err))
		}

		written, err := p.store.Merge(ctx, tables, false)
		if err != nil {
			return nil, domain.ErrPersistence.Wrap(fmt.Errorf("restore %s: %w", p.cfg.Path, err))
		}

		p.logger.Info("snapshot restored",
			"path", p.cfg.Path,
			"tables", info.Tables,
			"records", info.Records,
			"written", written,
			"encrypted", info.Encrypted)
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot.Info), nil
}

// Snapshot submits a snapshot of the whole store to the Serializer and
// waits for it.
func (p *PersistenceManager) Snapshot(ctx context.Context, trigger string) (*snapshot.Info, error) {
	v, err := p.serializer.Do(ctx, "snapshot:"+trigger, func(ctx context.Context) (any, error) {
		return p.WriteSnapshot(ctx, p.cfg.Path, trigger)
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot.Info), nil
}

// WriteSnapshot writes the store to path. It must run inside a Serializer
// task; use Snapshot from anywhere else.
func (p *PersistenceManager) WriteSnapshot(ctx context.Context, path, trigger string) (*snapshot.Info, error) {
	start := time.Now()

	tables, err := p.store.Snapshot(ctx)
	if err != nil {
		p.cfg.Metrics.SnapshotFailed(trigger)
		return nil, domain.ErrPersistence.Wrap(err)
	}

	info, err := p.snapshots.Create(path, tables)
	if err != nil {
		p.cfg.Metrics.SnapshotFailed(trigger)
		return nil, domain.ErrPersistence.Wrap(err)
	}

	elapsed := time.Since(start)
	p.cfg.Metrics.SnapshotSucceeded(trigger, elapsed, info.Size, info.Records)
	if path == p.cfg.Path {
		p.last.Store(info)
	}

	p.logger.Info("snapshot written",
		"trigger", trigger,
		"path", path,
		"tables", info.Tables,
		"records", info.Records,
		"bytes", info.Size,
		"elapsed", elapsed)
	return info, nil
}

// Run takes a snapshot every interval until ctx ends. Failures are logged
// and do not stop the loop.
func (p *PersistenceManager) Run(ctx context.Context) error {
	if p.cfg.Interval <= 0 {
		p.logger.Info("periodic snapshots disabled")
		<-ctx.Done()
		return nil
	}

	p.logger.Info("periodic snapshots enabled", "interval", p.cfg.Interval, "path", p.cfg.Path)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := p.Snapshot(ctx, TriggerTimer); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Error("periodic snapshot failed", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// ResolvePath maps a client-supplied file name onto the snapshot
// directory. Directory components are stripped so clients cannot write or
// read outside it. An empty name means the configured snapshot file.
func (p *PersistenceManager) ResolvePath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return p.cfg.Path, nil
	}
	base := filepath.Base(filepath.Clean(strings.ReplaceAll(name, `\`, "/")))
	if base == "." || base == ".." || base == "/" || base == "" {
		return "", domain.ErrInvalidArgument.WithDetails("invalid file name " + strconv.Quote(name))
	}
	if strings.HasSuffix(base, ".lock") || strings.HasSuffix(base, ".tmp") {
		return "", domain.ErrInvalidArgument.WithDetails("reserved file name " + strconv.Quote(base))
	}
	return filepath.Join(filepath.Dir(p.cfg.Path), base), nil
}

// ReadDataFile reads a JSON object of key/value pairs from the snapshot
// directory, for init and load.
func (p *PersistenceManager) ReadDataFile(name string) (map[string]string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, domain.ErrInvalidArgument.WithDetails("file name is required")
	}
	path, err := p.ResolvePath(name)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrInvalidArgument.WithDetails("file " + strconv.Quote(filepath.Base(path)) + " does not exist")
		}
		return nil, domain.ErrPersistence.Wrap(err)
	}
	return domain.DecodeObject(raw)
}

// ParseInterval parses a snapshot interval. Bare integers are seconds
// ("60"); otherwise Go duration syntax applies ("90s", "5m", "1h30m").
// Empty and zero disable periodic snapshots.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("interval must not be negative: %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("interval must not be negative: %q", s)
	}
	return d, nil
}
