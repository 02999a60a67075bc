// Package adminserver provides the plain HTTP admin endpoint.
//
// Routes:
//
//	GET /metrics  Prometheus exposition
//	GET /healthz  build info, engine, queue depth and last snapshot
//
// The endpoint carries no key-value data and is meant to be bound to
// loopback or guarded by the network allowlist.
package adminserver
