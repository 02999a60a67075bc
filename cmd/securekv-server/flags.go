package main

import (
	"net"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/securekv/internal/infra/buildinfo"
)

// Process exit codes.
const (
	exitFailure = 1
	exitForced  = 2
)

const (
	flagConfig    = "config"
	flagHost      = "host"
	flagPort      = "port"
	flagCACert    = "ca-cert"
	flagCert      = "cert"
	flagKey       = "key"
	flagDumpFile  = "dump-file"
	flagInterval  = "interval"
	flagLogPrefix = "log-prefix"
	flagLogLevel  = "log-level"
	flagEngine    = "engine"
	flagAdminAddr = "admin-addr"
	flagUsersFile = "users-file"
)

// flagKeys maps flags onto configuration keys. --host and --port are
// merged into server.addr separately.
var flagKeys = map[string]string{
	flagCACert:    "tls.ca_file",
	flagCert:      "tls.cert_file",
	flagKey:       "tls.key_file",
	flagDumpFile:  "persistence.snapshot_file",
	flagInterval:  "persistence.interval",
	flagLogPrefix: "log.prefix",
	flagLogLevel:  "log.level",
	flagEngine:    "engine.kind",
	flagAdminAddr: "admin.addr",
	flagUsersFile: "security.users_file",
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "securekv-server",
		Usage:   "mutually authenticated multi-table key-value store",
		Version: buildinfo.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagConfig, Usage: "YAML configuration file"},
			&cli.StringFlag{Name: flagHost, Aliases: []string{"ip"}, Usage: "address to bind"},
			&cli.StringFlag{Name: flagPort, Aliases: []string{"p"}, Usage: "port to bind"},
			&cli.StringFlag{Name: flagCACert, Aliases: []string{"ca"}, Usage: "CA bundle used to verify clients"},
			&cli.StringFlag{Name: flagCert, Aliases: []string{"c"}, Usage: "server certificate"},
			&cli.StringFlag{Name: flagKey, Aliases: []string{"k"}, Usage: "server private key"},
			&cli.StringFlag{Name: flagDumpFile, Usage: "snapshot file"},
			&cli.StringFlag{Name: flagInterval, Aliases: []string{"dt"}, Usage: `snapshot interval ("60s", "5m", "0" disables)`},
			&cli.StringFlag{Name: flagLogPrefix, Usage: "write logs to <log.dir>/<prefix>-YYYYMMDD.log as well"},
			&cli.StringFlag{Name: flagLogLevel, Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: flagEngine, Usage: "storage engine (sqlite, badger)"},
			&cli.StringFlag{Name: flagAdminAddr, Usage: "admin HTTP address (empty disables)"},
			&cli.StringFlag{Name: flagUsersFile, Usage: "YAML list of client identities allowed to connect"},
		},
		Action: run,
	}
}

// overrides collects the flags the user actually set.
func overrides(c *cli.Context) map[string]any {
	out := make(map[string]any)
	for name, key := range flagKeys {
		if c.IsSet(name) {
			out[key] = c.String(name)
		}
	}
	return out
}

// mergeHostPort replaces the host and/or port of addr. Empty arguments
// keep the corresponding part.
func mergeHostPort(addr, host, port string) string {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		h, p = addr, ""
	}
	if host != "" {
		h = host
	}
	if port != "" {
		p = port
	}
	return net.JoinHostPort(h, p)
}
