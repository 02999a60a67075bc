package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/yndnr/securekv/internal/core/domain"
	"github.com/yndnr/securekv/internal/core/service"
	"github.com/yndnr/securekv/internal/storage"
	"github.com/yndnr/securekv/internal/storage/snapshot"
	"github.com/yndnr/securekv/internal/telemetry/logger"
)

// Verify validates the configuration. Every problem found is reported,
// joined into one error.
func Verify(cfg *ServerConfig) error {
	return errors.Join(
		verifyServer(&cfg.Server),
		verifyTLS(&cfg.TLS),
		verifyPersistence(&cfg.Persistence),
		verifyEngine(&cfg.Engine),
		verifySecurity(&cfg.Security),
		verifyAdmin(&cfg.Admin),
		verifyLog(&cfg.Log),
	)
}

func verifyServer(cfg *ServerSection) error {
	var errs []error
	if err := verifyAddr("server.addr", cfg.Addr); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxLineBytes < 64 {
		errs = append(errs, fmt.Errorf("server.max_line_bytes must be at least 64, got %d", cfg.MaxLineBytes))
	}
	if cfg.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must not be negative, got %d", cfg.RateLimit))
	}
	if cfg.IdleTimeout < 0 || cfg.ReadTimeout < 0 || cfg.WriteTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}
	return errors.Join(errs...)
}

func verifyTLS(cfg *TLSSection) error {
	return errors.Join(
		verifyReadable("tls.cert_file", cfg.CertFile),
		verifyReadable("tls.key_file", cfg.KeyFile),
		verifyReadable("tls.ca_file", cfg.CAFile),
	)
}

func verifyPersistence(cfg *PersistenceSection) error {
	var errs []error
	if strings.TrimSpace(cfg.SnapshotFile) == "" {
		errs = append(errs, errors.New("persistence.snapshot_file is required"))
	} else if err := os.MkdirAll(filepath.Dir(cfg.SnapshotFile), 0o750); err != nil {
		errs = append(errs, fmt.Errorf("persistence.snapshot_file: cannot create directory: %w", err))
	}
	if _, err := service.ParseInterval(cfg.Interval); err != nil {
		errs = append(errs, fmt.Errorf("persistence.interval: %w", err))
	}
	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("persistence.shutdown_timeout must be positive"))
	}
	return errors.Join(errs...)
}

func verifyEngine(cfg *EngineSection) error {
	var errs []error
	if !slices.Contains(storage.Kinds(), strings.ToLower(cfg.Kind)) {
		errs = append(errs, fmt.Errorf("engine.kind must be one of %v, got %q", storage.Kinds(), cfg.Kind))
	}
	if cfg.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("engine.queue_size must be at least 1, got %d", cfg.QueueSize))
	}
	if cfg.CommandTimeout < 0 {
		errs = append(errs, errors.New("engine.command_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

func verifySecurity(cfg *SecuritySection) error {
	var errs []error
	if cfg.EncryptionKey != "" && len(cfg.EncryptionKey) < snapshot.MinPassphraseLength {
		errs = append(errs, fmt.Errorf("security.encryption_key must be at least %d characters", snapshot.MinPassphraseLength))
	}
	switch cfg.EncryptionAlgorithm {
	case "", snapshot.AlgorithmAESGCM, snapshot.AlgorithmChaCha20:
	default:
		errs = append(errs, fmt.Errorf("security.encryption_algorithm: unsupported %q", cfg.EncryptionAlgorithm))
	}
	if cfg.UsersFile != "" {
		if err := verifyReadable("security.users_file", cfg.UsersFile); err != nil {
			errs = append(errs, err)
		}
	}
	if err := domain.ValidateAllowList(cfg.AllowList); err != nil {
		errs = append(errs, fmt.Errorf("security.allow_list: %w", err))
	}
	return errors.Join(errs...)
}

func verifyAdmin(cfg *AdminSection) error {
	if cfg.Addr == "" {
		return nil
	}
	return verifyAddr("admin.addr", cfg.Addr)
}

func verifyLog(cfg *LogSection) error {
	var errs []error
	if !logger.ValidLevel(cfg.Level) {
		errs = append(errs, fmt.Errorf("log.level: unsupported %q", cfg.Level))
	}
	switch strings.ToLower(cfg.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unsupported %q", cfg.Format))
	}
	if strings.ContainsAny(cfg.Prefix, `/\`) {
		errs = append(errs, fmt.Errorf("log.prefix must be a plain name, got %q", cfg.Prefix))
	}
	return errors.Join(errs...)
}

func verifyAddr(field, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("%s: invalid port %q", field, port)
	}
	return nil
}

// verifyReadable checks that path names a readable regular file.
func verifyReadable(field, path string) error {
	if path == "" {
		return fmt.Errorf("%s is required", field)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: %s is a directory", field, path)
	}
	return nil
}
