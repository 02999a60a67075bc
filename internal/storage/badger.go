package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"

	"github.com/yndnr/securekv/internal/core/domain"
)

// Key layout inside the Badger keyspace:
//
//	m\x00<table>          table marker (empty value)
//	d\x00<table>\x00<key> record
//
// Table names never contain NUL, so a table prefix cannot match another
// table's records. Badger iterates in byte order, which gives ascending
// key order for Scan and Tables.
var (
	metaPrefix = []byte("m\x00")
	dataPrefix = []byte("d\x00")
)

// BadgerBackend keeps tables in an in-memory Badger instance.
type BadgerBackend struct {
	db     *badger.DB
	logger *slog.Logger
	closed atomic.Bool
}

// NewBadgerBackend opens an empty in-memory Badger database.
func NewBadgerBackend(logger *slog.Logger) (*BadgerBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = &badgerLogger{logger: logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}

	logger.Info("badger engine started", "in_memory", true)

	return &BadgerBackend{db: db, logger: logger}, nil
}

// Name implements Backend.
func (b *BadgerBackend) Name() string { return KindBadger }

// CreateTable implements Backend.
func (b *BadgerBackend) CreateTable(ctx context.Context, table string) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}

	created := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(metaKey(table))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return txn.Set(metaKey(table), nil)
	})
	if err != nil {
		return false, fmt.Errorf("badger: create table %s: %w", table, err)
	}
	return created, nil
}

// DropTable implements Backend.
func (b *BadgerBackend) DropTable(ctx context.Context, table string) (bool, error) {
	exists, err := b.HasTable(ctx, table)
	if err != nil || !exists {
		return false, err
	}

	if _, err := b.deletePrefix(ctx, tablePrefix(table)); err != nil {
		return false, fmt.Errorf("badger: drop table %s: %w", table, err)
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metaKey(table))
	}); err != nil {
		return false, fmt.Errorf("badger: drop table %s: %w", table, err)
	}
	return true, nil
}

// HasTable implements Backend.
func (b *BadgerBackend) HasTable(ctx context.Context, table string) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}

	var exists bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		exists, err = hasTable(txn, table)
		return err
	})
	return exists, err
}

// Tables implements Backend.
func (b *BadgerBackend) Tables(ctx context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = metaPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(metaPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: list tables: %w", err)
	}
	return names, nil
}

// Upsert implements Backend.
func (b *BadgerBackend) Upsert(ctx context.Context, table, key, value string) error {
	if b.closed.Load() {
		return ErrClosed
	}

	return b.db.Update(func(txn *badger.Txn) error {
		if err := requireTable(txn, table); err != nil {
			return err
		}
		return txn.Set(recordKey(table, key), []byte(value))
	})
}

// Get implements Backend.
func (b *BadgerBackend) Get(ctx context.Context, table, key string) (string, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		if err := requireTable(txn, table); err != nil {
			return err
		}
		item, err := txn.Get(recordKey(table, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// Delete implements Backend.
func (b *BadgerBackend) Delete(ctx context.Context, table, key string) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}

	deleted := false
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := requireTable(txn, table); err != nil {
			return err
		}
		k := recordKey(table, key)
		if _, err := txn.Get(k); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		deleted = true
		return txn.Delete(k)
	})
	return deleted, err
}

// Clear implements Backend.
func (b *BadgerBackend) Clear(ctx context.Context, table string) (int, error) {
	exists, err := b.HasTable(ctx, table)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrTableNotFound
	}

	n, err := b.deletePrefix(ctx, tablePrefix(table))
	if err != nil {
		return n, fmt.Errorf("badger: clear %s: %w", table, err)
	}
	return n, nil
}

// Scan implements Backend.
func (b *BadgerBackend) Scan(ctx context.Context, table string, fn func(key, value string) bool) error {
	if b.closed.Load() {
		return ErrClosed
	}

	prefix := tablePrefix(table)
	return b.db.View(func(txn *badger.Txn) error {
		if err := requireTable(txn, table); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(string(item.Key()[len(prefix):]), string(value)) {
				break
			}
		}
		return nil
	})
}

// WriteBatch implements Backend. Badger transactions are size-bounded, so
// large batches go through a WriteBatch that commits in chunks; the batch
// is atomic with respect to other commands because only the serializer
// writes.
func (b *BadgerBackend) WriteBatch(ctx context.Context, table string, records []domain.Record, mode WriteMode) (int, error) {
	exists, err := b.HasTable(ctx, table)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrTableNotFound
	}

	var stale [][]byte
	if mode == WriteReplace {
		if stale, err = b.staleKeys(ctx, table, records); err != nil {
			return 0, fmt.Errorf("badger: write batch %s: %w", table, err)
		}
	}

	pending := records
	if mode == WriteIfAbsent {
		if pending, err = b.absent(ctx, table, records); err != nil {
			return 0, fmt.Errorf("badger: write batch %s: %w", table, err)
		}
	}

	sets := make([]domain.Record, 0, len(pending))
	seen := make(map[string]struct{}, len(pending))
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if mode == WriteIfAbsent {
			if _, dup := seen[rec.Key]; dup {
				continue
			}
			seen[rec.Key] = struct{}{}
		}
		sets = append(sets, rec)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// No cancellation point past here: deletes and sets share one batch.
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("badger: write batch %s: %w", table, err)
		}
	}
	for _, rec := range sets {
		if err := wb.Set(recordKey(table, rec.Key), []byte(rec.Value)); err != nil {
			return 0, fmt.Errorf("badger: write batch %s: %w", table, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("badger: write batch %s: %w", table, err)
	}
	return len(sets), nil
}

// Query implements Backend. Badger has no query language.
func (b *BadgerBackend) Query(ctx context.Context, query string) ([]map[string]any, error) {
	return nil, fmt.Errorf("%w: raw queries are not supported by the badger engine", ErrQueryUnsupported)
}

// Close implements Backend.
func (b *BadgerBackend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.logger.Info("shutting down badger engine")
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// absent filters records down to keys not yet stored.
func (b *BadgerBackend) absent(ctx context.Context, table string, records []domain.Record) ([]domain.Record, error) {
	out := make([]domain.Record, 0, len(records))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := txn.Get(recordKey(table, rec.Key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				out = append(out, rec)
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// deletePrefix removes every key under prefix and returns how many were
// removed.
func (b *BadgerBackend) deletePrefix(ctx context.Context, prefix []byte) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}

	keys, err := b.prefixKeys(ctx, prefix)
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// staleKeys returns the stored keys of table that records does not carry.
func (b *BadgerBackend) staleKeys(ctx context.Context, table string, records []domain.Record) ([][]byte, error) {
	keys, err := b.prefixKeys(ctx, tablePrefix(table))
	if err != nil {
		return nil, err
	}

	keep := make(map[string]struct{}, len(records))
	for _, rec := range records {
		keep[string(recordKey(table, rec.Key))] = struct{}{}
	}
	stale := keys[:0]
	for _, k := range keys {
		if _, ok := keep[string(k)]; !ok {
			stale = append(stale, k)
		}
	}
	return stale, nil
}

func (b *BadgerBackend) prefixKeys(ctx context.Context, prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func hasTable(txn *badger.Txn, table string) (bool, error) {
	_, err := txn.Get(metaKey(table))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}

func requireTable(txn *badger.Txn, table string) error {
	ok, err := hasTable(txn, table)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTableNotFound
	}
	return nil
}

func metaKey(table string) []byte {
	return append(bytes.Clone(metaPrefix), table...)
}

func tablePrefix(table string) []byte {
	k := append(bytes.Clone(dataPrefix), table...)
	return append(k, 0)
}

func recordKey(table, key string) []byte {
	return append(tablePrefix(table), key...)
}

// badgerLogger adapts slog.Logger to Badger's Logger interface. Badger is
// chatty at info level, so its info output is demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}
