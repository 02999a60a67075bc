// Package tlsroots provides TLS certificate management for mutually
// authenticated listeners.
//
//   - roots.go: client CA pool loading, server mTLS config, peer identity
//   - watcher.go: certificate and CA hot-reload via fsnotify
//
// Client CAs never include the system roots: only certificates signed by
// the configured CA may connect.
package tlsroots
