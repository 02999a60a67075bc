package config

import (
	"log/slog"
	"slices"
)

const maskedSecret = "********"

// Sanitize returns a copy of the config with the snapshot passphrase
// replaced by a fixed mask. Only whether it is set survives.
func Sanitize(cfg *ServerConfig) *ServerConfig {
	out := *cfg
	out.Admin.AllowList = slices.Clone(cfg.Admin.AllowList)
	out.Security.AllowList = slices.Clone(cfg.Security.AllowList)
	out.Security.EncryptionKey = maskSecret(cfg.Security.EncryptionKey)
	return &out
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return maskedSecret
}

// LogValue implements slog.LogValuer so a *ServerConfig can be logged
// directly.
func (c *ServerConfig) LogValue() slog.Value {
	s := Sanitize(c)
	return slog.GroupValue(
		slog.String("server.addr", s.Server.Addr),
		slog.Int("server.max_line_bytes", s.Server.MaxLineBytes),
		slog.Int("server.rate_limit", s.Server.RateLimit),
		slog.String("tls.ca_file", s.TLS.CAFile),
		slog.String("tls.cert_file", s.TLS.CertFile),
		slog.Bool("tls.watch", s.TLS.Watch),
		slog.String("persistence.snapshot_file", s.Persistence.SnapshotFile),
		slog.String("persistence.interval", s.Persistence.Interval),
		slog.String("engine.kind", s.Engine.Kind),
		slog.Int("engine.queue_size", s.Engine.QueueSize),
		slog.Duration("engine.command_timeout", s.Engine.CommandTimeout),
		slog.String("security.encryption_key", s.Security.EncryptionKey),
		slog.String("security.encryption_algorithm", s.Security.EncryptionAlgorithm),
		slog.String("security.users_file", s.Security.UsersFile),
		slog.Any("security.allow_list", s.Security.AllowList),
		slog.String("admin.addr", s.Admin.Addr),
		slog.Any("admin.allow_list", s.Admin.AllowList),
		slog.String("log.level", s.Log.Level),
		slog.String("log.prefix", s.Log.Prefix),
	)
}
