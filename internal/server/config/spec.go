package config

import "time"

// ServerConfig is the root configuration for securekv-server.
type ServerConfig struct {
	Server      ServerSection      `koanf:"server"`
	TLS         TLSSection         `koanf:"tls"`
	Persistence PersistenceSection `koanf:"persistence"`
	Engine      EngineSection      `koanf:"engine"`
	Security    SecuritySection    `koanf:"security"`
	Admin       AdminSection       `koanf:"admin"`
	Log         LogSection         `koanf:"log"`
}

// ServerSection configures the client listener.
type ServerSection struct {
	// Addr is host:port.
	Addr string `koanf:"addr"`
	// MaxLineBytes bounds one request line.
	MaxLineBytes int `koanf:"max_line_bytes"`
	// RateLimit is commands per second per session; 0 disables it.
	RateLimit    int           `koanf:"rate_limit"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// TLSSection names the PEM files for mutual TLS.
type TLSSection struct {
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
	CAFile   string `koanf:"ca_file"`
	// Watch reloads the files when they change.
	Watch bool `koanf:"watch"`
}

// PersistenceSection configures snapshots.
type PersistenceSection struct {
	SnapshotFile string `koanf:"snapshot_file"`
	// Interval is a duration ("60s", "5m") or bare seconds ("60").
	// Empty or zero disables periodic snapshots.
	Interval        string        `koanf:"interval"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// EngineSection selects the storage substrate and the command queue.
type EngineSection struct {
	Kind           string        `koanf:"kind"`
	QueueSize      int           `koanf:"queue_size"`
	CommandTimeout time.Duration `koanf:"command_timeout"`
}

// SecuritySection configures encryption at rest and client authorization.
type SecuritySection struct {
	// EncryptionKey is the snapshot passphrase. Empty stores plaintext.
	EncryptionKey string `koanf:"encryption_key"`
	// EncryptionAlgorithm is "aes-gcm" (default) or "chacha20-poly1305".
	EncryptionAlgorithm string `koanf:"encryption_algorithm"`
	// UsersFile lists the certificate identities allowed to connect.
	// Empty admits every verified certificate.
	UsersFile string `koanf:"users_file"`
	// AllowList restricts client addresses (IP or CIDR) on the data port.
	AllowList []string `koanf:"allow_list"`
}

// AdminSection configures the HTTP admin endpoint.
type AdminSection struct {
	// Addr is host:port; empty disables the endpoint.
	Addr      string   `koanf:"addr"`
	AllowList []string `koanf:"allow_list"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// Prefix enables a daily log file <Dir>/<Prefix>-YYYYMMDD.log.
	Prefix string `koanf:"prefix"`
	Dir    string `koanf:"dir"`
}
