package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/yndnr/securekv/internal/core/domain"
)

// SQLiteBackend keeps every table in a private in-memory SQLite database.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
	closed atomic.Bool
}

// NewSQLiteBackend opens an empty in-memory database.
func NewSQLiteBackend(logger *slog.Logger) (*SQLiteBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	// Every connection to ":memory:" is a separate database, so the pool
	// must hold exactly one connection forever.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	logger.Info("sqlite engine started", "dsn", ":memory:")

	return &SQLiteBackend{db: db, logger: logger}, nil
}

// Name implements Backend.
func (b *SQLiteBackend) Name() string { return KindSQLite }

// CreateTable implements Backend.
func (b *SQLiteBackend) CreateTable(ctx context.Context, table string) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}

	exists, err := b.HasTable(ctx, table)
	if err != nil || exists {
		return false, err
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s ("key" TEXT PRIMARY KEY NOT NULL, "value" TEXT)`, quoteIdent(table))
	if _, err := b.db.ExecContext(ctx, stmt); err != nil {
		return false, fmt.Errorf("sqlite: create table %s: %w", table, err)
	}
	return true, nil
}

// DropTable implements Backend.
func (b *SQLiteBackend) DropTable(ctx context.Context, table string) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}

	exists, err := b.HasTable(ctx, table)
	if err != nil || !exists {
		return false, err
	}

	if _, err := b.db.ExecContext(ctx, "DROP TABLE "+quoteIdent(table)); err != nil {
		return false, fmt.Errorf("sqlite: drop table %s: %w", table, err)
	}
	return true, nil
}

// HasTable implements Backend.
func (b *SQLiteBackend) HasTable(ctx context.Context, table string) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}

	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: lookup table %s: %w", table, err)
	}
	return n > 0, nil
}

// Tables implements Backend. Tables created through raw SQL that do not
// have the key/value shape, or whose names are not valid table names, are
// not part of the store and are skipped.
func (b *SQLiteBackend) Tables(ctx context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT m.name FROM sqlite_master m
		WHERE m.type = 'table'
		  AND m.name NOT LIKE 'sqlite\_%' ESCAPE '\'
		  AND (SELECT COUNT(*) FROM pragma_table_info(m.name) p
		       WHERE p.name IN ('key', 'value')) = 2
		ORDER BY m.name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlite: list tables: %w", err)
		}
		if domain.ValidateTableName(name) != nil {
			continue
		}
		names = append(names, strings.ToLower(name))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list tables: %w", err)
	}
	return names, nil
}

// Upsert implements Backend.
func (b *SQLiteBackend) Upsert(ctx context.Context, table, key, value string) error {
	if b.closed.Load() {
		return ErrClosed
	}

	_, err := b.db.ExecContext(ctx, upsertStmt(table), key, value)
	return b.mapErr(table, "upsert", err)
}

// Get implements Backend.
func (b *SQLiteBackend) Get(ctx context.Context, table, key string) (string, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}

	var value sql.NullString
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT "value" FROM %s WHERE "key" = ?`, quoteIdent(table)), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", b.mapErr(table, "get", err)
	}
	return value.String, nil
}

// Delete implements Backend.
func (b *SQLiteBackend) Delete(ctx context.Context, table, key string) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}

	res, err := b.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE "key" = ?`, quoteIdent(table)), key)
	if err != nil {
		return false, b.mapErr(table, "delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: delete: %w", err)
	}
	return n > 0, nil
}

// Clear implements Backend.
func (b *SQLiteBackend) Clear(ctx context.Context, table string) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}

	res, err := b.db.ExecContext(ctx, "DELETE FROM "+quoteIdent(table))
	if err != nil {
		return 0, b.mapErr(table, "clear", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: clear: %w", err)
	}
	return int(n), nil
}

// Scan implements Backend. Rows with a NULL key can only come from raw SQL
// against a table declared without NOT NULL; they are not addressable and
// are skipped.
func (b *SQLiteBackend) Scan(ctx context.Context, table string, fn func(key, value string) bool) error {
	if b.closed.Load() {
		return ErrClosed
	}

	rows, err := b.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT "key", "value" FROM %s WHERE "key" IS NOT NULL ORDER BY "key"`, quoteIdent(table)))
	if err != nil {
		return b.mapErr(table, "scan", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("sqlite: scan %s: %w", table, err)
		}
		if !fn(key, value.String) {
			return nil
		}
	}
	return b.mapErr(table, "scan", rows.Err())
}

// WriteBatch implements Backend.
func (b *SQLiteBackend) WriteBatch(ctx context.Context, table string, records []domain.Record, mode WriteMode) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	if mode == WriteReplace {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+quoteIdent(table)); err != nil {
			return 0, b.mapErr(table, "write batch", err)
		}
	}

	query := upsertStmt(table)
	if mode == WriteIfAbsent {
		query = fmt.Sprintf(`INSERT OR IGNORE INTO %s ("key", "value") VALUES (?, ?)`, quoteIdent(table))
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, b.mapErr(table, "write batch", err)
	}
	defer stmt.Close()

	written := 0
	for _, rec := range records {
		res, err := stmt.ExecContext(ctx, rec.Key, rec.Value)
		if err != nil {
			return 0, b.mapErr(table, "write batch", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return written, nil
}

// Query implements Backend. BLOB columns are returned as strings so the
// rows encode as readable JSON.
func (b *SQLiteBackend) Query(ctx context.Context, query string) ([]map[string]any, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if raw, ok := vals[i].([]byte); ok {
				row[col] = string(raw)
				continue
			}
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close implements Backend.
func (b *SQLiteBackend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.logger.Info("shutting down sqlite engine")
	return b.db.Close()
}

// mapErr turns "no such table" into ErrTableNotFound and wraps the rest.
func (b *SQLiteBackend) mapErr(table, op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("sqlite: %s %s: %w", op, table, ErrTableNotFound)
	}
	return fmt.Errorf("sqlite: %s %s: %w", op, table, err)
}

func upsertStmt(table string) string {
	return fmt.Sprintf(`INSERT INTO %s ("key", "value") VALUES (?, ?)
		ON CONFLICT("key") DO UPDATE SET "value" = excluded."value"`, quoteIdent(table))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
