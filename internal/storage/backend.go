// Package storage provides the in-memory substrates that hold securekv
// tables.
//
// Every engine implements Backend. Callers outside the command serializer
// must not touch a Backend directly: engines assume a single writer and do
// no locking of their own beyond what the underlying library provides.
//
// Two engines are available:
//
//   - sqlite: an in-memory SQLite database (modernc.org/sqlite). One SQL
//     table per store table with columns (key TEXT PRIMARY KEY, value TEXT).
//     Supports raw SQL queries.
//   - badger: an in-memory Badger instance. Tables are key prefixes. Raw
//     queries are rejected.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yndnr/securekv/internal/core/domain"
)

// Common errors
var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrTableNotFound    = errors.New("table not found")
	ErrClosed           = errors.New("storage backend closed")
	ErrQueryUnsupported = errors.New("raw queries are not supported by this engine")
)

// Engine kinds.
const (
	KindSQLite = "sqlite"
	KindBadger = "badger"
)

// WriteMode selects how WriteBatch treats existing keys.
type WriteMode int

const (
	// WriteUpsert inserts new keys and overwrites existing ones.
	WriteUpsert WriteMode = iota
	// WriteReplace empties the table before writing.
	WriteReplace
	// WriteIfAbsent inserts new keys and leaves existing ones untouched.
	WriteIfAbsent
)

func (m WriteMode) String() string {
	switch m {
	case WriteUpsert:
		return "upsert"
	case WriteReplace:
		return "replace"
	case WriteIfAbsent:
		return "if_absent"
	default:
		return fmt.Sprintf("WriteMode(%d)", int(m))
	}
}

// Backend is the capability set the table store needs from a substrate.
//
// Table names passed in are already validated and normalized. Data
// operations on a table that does not exist return ErrTableNotFound.
type Backend interface {
	// Name returns the engine kind.
	Name() string

	// CreateTable creates the table if missing and reports whether it did.
	CreateTable(ctx context.Context, table string) (bool, error)

	// DropTable removes the table and its records and reports whether it
	// existed.
	DropTable(ctx context.Context, table string) (bool, error)

	// HasTable reports whether the table exists.
	HasTable(ctx context.Context, table string) (bool, error)

	// Tables returns all table names in ascending order.
	Tables(ctx context.Context) ([]string, error)

	// Upsert stores value under key.
	Upsert(ctx context.Context, table, key, value string) error

	// Get returns the value for key or ErrKeyNotFound.
	Get(ctx context.Context, table, key string) (string, error)

	// Delete removes key and reports whether it was present.
	Delete(ctx context.Context, table, key string) (bool, error)

	// Clear removes every record of the table and returns how many there were.
	Clear(ctx context.Context, table string) (int, error)

	// Scan calls fn for each record in ascending key order until fn
	// returns false.
	Scan(ctx context.Context, table string, fn func(key, value string) bool) error

	// WriteBatch applies records to the table in a single unit and returns
	// the number of records written.
	WriteBatch(ctx context.Context, table string, records []domain.Record, mode WriteMode) (int, error)

	// Query runs engine-native query text and returns the produced rows.
	Query(ctx context.Context, query string) ([]map[string]any, error)

	// Close releases the engine. All data is lost.
	Close() error
}

// Config selects and configures an engine.
type Config struct {
	// Kind is KindSQLite or KindBadger.
	Kind string

	// Logger receives engine diagnostics.
	Logger *slog.Logger
}

// Open creates the engine named by cfg.Kind.
func Open(cfg Config) (Backend, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	switch strings.ToLower(cfg.Kind) {
	case "", KindSQLite:
		return NewSQLiteBackend(cfg.Logger)
	case KindBadger:
		return NewBadgerBackend(cfg.Logger)
	default:
		return nil, fmt.Errorf("storage: unknown engine kind %q", cfg.Kind)
	}
}

// Kinds lists the supported engine kinds.
func Kinds() []string {
	return []string{KindSQLite, KindBadger}
}
