// Package metric provides the Prometheus metrics of a securekv server.
//
// Every server owns one Registry. Components receive it at construction
// and update the fields directly; the admin server exposes it at /metrics.
// A nil *Registry is valid and records nothing, which keeps tests and
// embedded uses free of global state.
package metric
