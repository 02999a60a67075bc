// Package service implements the command-processing core of securekv.
//
// This package contains:
//
//   - Serializer: the process-wide FIFO that executes tasks one at a time
//   - TableStore: table and record operations over a storage.Backend
//   - Cursor: batched paging over a materialized result set
//   - Session: per-connection state (identity, active table, cursor)
//   - PersistenceManager: snapshot writes, restore and the snapshot timer
//   - Dispatcher: maps a parsed Command onto the above and runs it on the
//     Serializer
//
// TableStore and the backend are not safe for concurrent use. Every call
// into them happens inside a Serializer task.
package service
