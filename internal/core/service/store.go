package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/yndnr/securekv/internal/core/domain"
	"github.com/yndnr/securekv/internal/storage"
)

// SearchField selects which side of a record a search term is matched
// against.
type SearchField int

const (
	SearchBoth SearchField = iota
	SearchKeys
	SearchValues
)

// TableStore exposes table and record operations over a storage.Backend
// and converts substrate failures into domain errors.
//
// Not safe for concurrent use: call only from Serializer tasks.
type TableStore struct {
	backend storage.Backend
	logger  *slog.Logger
}

// NewTableStore wraps backend and makes sure the default table exists.
func NewTableStore(ctx context.Context, backend storage.Backend, logger *slog.Logger) (*TableStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &TableStore{
		backend: backend,
		logger:  logger.With("component", "store", "engine", backend.Name()),
	}
	if _, err := s.ensure(ctx, domain.DefaultTable); err != nil {
		return nil, err
	}
	return s, nil
}

// Engine returns the backend kind.
func (s *TableStore) Engine() string {
	return s.backend.Name()
}

// ============================================================================
// Table operations
// ============================================================================

// Use resolves name, creating the table if needed, and returns the
// canonical name.
func (s *TableStore) Use(ctx context.Context, name string) (string, error) {
	table, err := domain.NormalizeTableName(name)
	if err != nil {
		return "", err
	}
	created, err := s.ensure(ctx, table)
	if err != nil {
		return "", err
	}
	if created {
		s.logger.Info("table created", "table", table)
	}
	return table, nil
}

// HasTable reports whether the table exists.
func (s *TableStore) HasTable(ctx context.Context, table string) (bool, error) {
	ok, err := s.backend.HasTable(ctx, table)
	if err != nil {
		return false, engineError(err)
	}
	return ok, nil
}

// Drop removes a table. The default table is protected.
func (s *TableStore) Drop(ctx context.Context, name string) (string, error) {
	table, err := domain.NormalizeTableName(name)
	if err != nil {
		return "", err
	}
	if table == domain.DefaultTable {
		return "", domain.ErrProtectedTable.WithDetails("the default table " + strconv.Quote(table) + " cannot be dropped")
	}

	existed, err := s.backend.DropTable(ctx, table)
	if err != nil {
		return "", engineError(err)
	}
	if !existed {
		return "", domain.ErrTableNotFound.WithDetails("table " + strconv.Quote(table))
	}
	s.logger.Info("table dropped", "table", table)
	return table, nil
}

// Tables lists every table name in ascending order.
func (s *TableStore) Tables(ctx context.Context) ([]string, error) {
	names, err := s.backend.Tables(ctx)
	if err != nil {
		return nil, engineError(err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// Clear removes every record of table and returns how many there were.
func (s *TableStore) Clear(ctx context.Context, table string) (int, error) {
	if _, err := s.ensure(ctx, table); err != nil {
		return 0, err
	}
	n, err := s.backend.Clear(ctx, table)
	if err != nil {
		return 0, engineError(err)
	}
	return n, nil
}

// ============================================================================
// Record operations
// ============================================================================

// Set upserts key in table.
func (s *TableStore) Set(ctx context.Context, table, key, value string) error {
	if key == "" {
		return domain.ErrInvalidArgument.WithDetails("key is required")
	}
	if _, err := s.ensure(ctx, table); err != nil {
		return err
	}
	if err := s.backend.Upsert(ctx, table, key, value); err != nil {
		return engineError(err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *TableStore) Get(ctx context.Context, table, key string) (string, error) {
	if key == "" {
		return "", domain.ErrInvalidArgument.WithDetails("key is required")
	}
	if _, err := s.ensure(ctx, table); err != nil {
		return "", err
	}
	v, err := s.backend.Get(ctx, table, key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return "", keyNotFound(key)
	}
	if err != nil {
		return "", engineError(err)
	}
	return v, nil
}

// Delete removes key. A missing key is reported every time.
func (s *TableStore) Delete(ctx context.Context, table, key string) error {
	if key == "" {
		return domain.ErrInvalidArgument.WithDetails("key is required")
	}
	if _, err := s.ensure(ctx, table); err != nil {
		return err
	}
	deleted, err := s.backend.Delete(ctx, table, key)
	if err != nil {
		return engineError(err)
	}
	if !deleted {
		return keyNotFound(key)
	}
	return nil
}

// List returns every record of table in key order.
func (s *TableStore) List(ctx context.Context, table string) ([]domain.Record, error) {
	return s.scan(ctx, table, func(domain.Record) bool { return true })
}

// Search returns the records of table whose key and/or value contain term,
// ignoring case, in key order. An empty term matches everything.
func (s *TableStore) Search(ctx context.Context, table, term string, field SearchField) ([]domain.Record, error) {
	needle := strings.ToLower(term)
	return s.search(ctx, table, field, func(text string) bool {
		return strings.Contains(strings.ToLower(text), needle)
	})
}

// SearchPattern is Search with a case-insensitive regular expression
// instead of a substring.
func (s *TableStore) SearchPattern(ctx context.Context, table, pattern string, field SearchField) ([]domain.Record, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, domain.ErrInvalidArgument.WithDetails("q: " + err.Error())
	}
	return s.search(ctx, table, field, re.MatchString)
}

func (s *TableStore) search(ctx context.Context, table string, field SearchField, match func(string) bool) ([]domain.Record, error) {
	return s.scan(ctx, table, func(r domain.Record) bool {
		switch field {
		case SearchKeys:
			return match(r.Key)
		case SearchValues:
			return match(r.Value)
		default:
			return match(r.Key) || match(r.Value)
		}
	})
}

// Init replaces the contents of table with data.
func (s *TableStore) Init(ctx context.Context, table string, data map[string]string) (int, error) {
	return s.write(ctx, table, domain.RecordsFromMap(data), storage.WriteReplace)
}

// Load upserts data into table, leaving other keys alone.
func (s *TableStore) Load(ctx context.Context, table string, data map[string]string) (int, error) {
	return s.write(ctx, table, domain.RecordsFromMap(data), storage.WriteUpsert)
}

// RawQuery runs engine-native query text. Engine messages are returned
// verbatim.
func (s *TableStore) RawQuery(ctx context.Context, query string) ([]map[string]any, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.ErrInvalidArgument.WithDetails("query is required")
	}
	rows, err := s.backend.Query(ctx, query)
	if err != nil {
		return nil, engineError(err)
	}
	return rows, nil
}

// ============================================================================
// Whole-store operations (persistence)
// ============================================================================

// Snapshot copies every table and record.
func (s *TableStore) Snapshot(ctx context.Context) (map[string][]domain.Record, error) {
	names, err := s.Tables(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]domain.Record, len(names))
	for _, name := range names {
		recs, err := s.List(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("snapshot table %s: %w", name, err)
		}
		out[name] = recs
	}
	return out, nil
}

// Merge writes tables into the store. With overwrite false existing keys
// win, which is how a snapshot is restored into a live store. Tables whose
// names are not valid are skipped with a warning so that one stray table
// cannot block a restore. Returns the number of records written.
func (s *TableStore) Merge(ctx context.Context, tables map[string][]domain.Record, overwrite bool) (int, error) {
	mode := storage.WriteIfAbsent
	if overwrite {
		mode = storage.WriteUpsert
	}

	total := 0
	for name, recs := range tables {
		table, err := domain.NormalizeTableName(name)
		if err != nil {
			s.logger.Warn("skipping table with invalid name",
				"table", name,
				"records", len(recs),
				"error", err)
			continue
		}
		n, err := s.write(ctx, table, recs, mode)
		if err != nil {
			return total, fmt.Errorf("merge table %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}

// ============================================================================
// helpers
// ============================================================================

func (s *TableStore) ensure(ctx context.Context, table string) (bool, error) {
	created, err := s.backend.CreateTable(ctx, table)
	if err != nil {
		return false, engineError(err)
	}
	return created, nil
}

func (s *TableStore) write(ctx context.Context, table string, recs []domain.Record, mode storage.WriteMode) (int, error) {
	if _, err := s.ensure(ctx, table); err != nil {
		return 0, err
	}
	for _, r := range recs {
		if r.Key == "" {
			return 0, domain.ErrInvalidArgument.WithDetails("keys must be non-empty")
		}
	}
	n, err := s.backend.WriteBatch(ctx, table, recs, mode)
	if err != nil {
		return 0, engineError(err)
	}
	return n, nil
}

func (s *TableStore) scan(ctx context.Context, table string, keep func(domain.Record) bool) ([]domain.Record, error) {
	if _, err := s.ensure(ctx, table); err != nil {
		return nil, err
	}
	out := make([]domain.Record, 0)
	err := s.backend.Scan(ctx, table, func(k, v string) bool {
		r := domain.Record{Key: k, Value: v}
		if keep(r) {
			out = append(out, r)
		}
		return true
	})
	if err != nil {
		return nil, engineError(err)
	}
	return out, nil
}

func keyNotFound(key string) error {
	return domain.ErrKeyNotFound.WithDetails("key " + strconv.Quote(key))
}

// engineError maps substrate errors onto domain errors. Unknown failures
// keep the engine's own message in Details.
func engineError(err error) error {
	switch {
	case err == nil:
		return nil
	case domain.IsDomainError(err, ""):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrCommandTimeout.WithCause(err)
	case errors.Is(err, storage.ErrTableNotFound):
		return domain.ErrTableNotFound.WithCause(err)
	case errors.Is(err, storage.ErrClosed):
		return domain.ErrServerClosing.WithCause(err)
	default:
		return domain.ErrEngine.Wrap(err)
	}
}
