// Package domain defines the core value types of securekv.
//
// Types here carry no IO and no locking:
//
//   - Command / Op / Args: one parsed client request
//   - Record and table naming rules
//   - Session identifiers
//   - DomainError and the coded error sentinels returned to clients
package domain
