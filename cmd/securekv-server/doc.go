// Command securekv-server runs the securekv store.
//
// Clients connect over mutually authenticated TLS and exchange
// newline-delimited JSON commands. Tables live in an in-memory engine
// (SQLite or Badger) and are written to a snapshot file on a timer, on
// demand and at shutdown.
//
// Configuration is layered: built-in defaults, then the YAML file named by
// --config, then SECUREKV_* environment variables, then flags.
//
// Exit codes: 0 after a clean shutdown, 1 on startup failure or a failed
// final snapshot, 2 when cleanup overran persistence.shutdown_timeout.
package main
