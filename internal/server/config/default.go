package config

import (
	"time"

	"github.com/yndnr/securekv/internal/storage"
)

// Default configuration values.
const (
	DefaultAddr         = "127.0.0.1:9999"
	DefaultMaxLineBytes = 1 << 20
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second

	DefaultCertFile = "server.crt"
	DefaultKeyFile  = "server.key"
	DefaultCAFile   = "ca.crt"

	DefaultSnapshotFile    = "data.snapshot"
	DefaultInterval        = "60s"
	DefaultShutdownTimeout = 10 * time.Second

	DefaultEngine         = storage.KindSQLite
	DefaultQueueSize      = 1024
	DefaultCommandTimeout = 30 * time.Second

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultLogDir    = "logs"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			Addr:         DefaultAddr,
			MaxLineBytes: DefaultMaxLineBytes,
			IdleTimeout:  DefaultIdleTimeout,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
		},
		TLS: TLSSection{
			CertFile: DefaultCertFile,
			KeyFile:  DefaultKeyFile,
			CAFile:   DefaultCAFile,
		},
		Persistence: PersistenceSection{
			SnapshotFile:    DefaultSnapshotFile,
			Interval:        DefaultInterval,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Engine: EngineSection{
			Kind:           DefaultEngine,
			QueueSize:      DefaultQueueSize,
			CommandTimeout: DefaultCommandTimeout,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
			Dir:    DefaultLogDir,
		},
	}
}
