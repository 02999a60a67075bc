package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/yndnr/securekv/internal/core/domain"
)

// Result is the outcome of one command.
type Result struct {
	Data       any
	Pagination *Pagination
}

// Dispatcher executes Commands against the store on the Serializer.
type Dispatcher struct {
	store      *TableStore
	persist    *PersistenceManager
	serializer *Serializer
	logger     *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store *TableStore, persist *PersistenceManager, serializer *Serializer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:      store,
		persist:    persist,
		serializer: serializer,
		logger:     logger.With("component", "dispatcher"),
	}
}

// Handle submits cmd for sess to the Serializer and waits for the result.
func (d *Dispatcher) Handle(ctx context.Context, sess *Session, cmd domain.Command) (*Result, error) {
	v, err := d.serializer.Do(ctx, string(cmd.Op), func(ctx context.Context) (any, error) {
		return d.Execute(ctx, sess, cmd)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// Execute runs cmd for sess. It must be called from a Serializer task.
func (d *Dispatcher) Execute(ctx context.Context, sess *Session, cmd domain.Command) (*Result, error) {
	args := cmd.Args

	if cmd.Op != domain.OpUse && cmd.Op != domain.OpNext {
		if err := d.checkActiveTable(ctx, sess); err != nil {
			return nil, err
		}
	}
	table := sess.Table()

	if cmd.Op.IsListing() {
		rows, err := d.listing(ctx, cmd.Op, table, args)
		if err != nil {
			return nil, err
		}
		return d.page(sess, rows, args.BatchSize), nil
	}

	switch cmd.Op {
	case domain.OpPing:
		return data(map[string]any{
			"identity":     sess.Identity,
			"session":      sess.ID,
			"table":        table,
			"engine":       d.store.Engine(),
			"connected_at": sess.ConnectedAt.UTC().Format(time.RFC3339),
		}), nil

	case domain.OpUse:
		name, err := d.store.Use(ctx, tableArg(args))
		if err != nil {
			return nil, err
		}
		sess.SetTable(name)
		return data(name), nil

	case domain.OpSet:
		if !args.HasValue {
			return nil, domain.ErrInvalidArgument.WithDetails("value (v) is required")
		}
		if err := d.store.Set(ctx, table, args.Key, args.Value); err != nil {
			return nil, err
		}
		return data("OK"), nil

	case domain.OpGet:
		v, err := d.store.Get(ctx, table, args.Key)
		if err != nil {
			return nil, err
		}
		return data(v), nil

	case domain.OpDelete:
		if err := d.store.Delete(ctx, table, args.Key); err != nil {
			return nil, err
		}
		return data(fmt.Sprintf("deleted %s", strconv.Quote(args.Key))), nil

	case domain.OpClear:
		n, err := d.store.Clear(ctx, table)
		if err != nil {
			return nil, err
		}
		return data(map[string]any{"table": table, "deleted": n}), nil

	case domain.OpDrop:
		name, err := d.store.Drop(ctx, tableArg(args))
		if err != nil {
			return nil, err
		}
		if sess.Table() == name {
			sess.SetTable(domain.DefaultTable)
		}
		return data(map[string]any{"dropped": name, "table": sess.Table()}), nil

	case domain.OpTables:
		names, err := d.store.Tables(ctx)
		if err != nil {
			return nil, err
		}
		return data(names), nil

	case domain.OpInit, domain.OpLoad:
		return d.bulkWrite(ctx, cmd.Op, table, args)

	case domain.OpNext:
		c := sess.Cursor()
		if c == nil {
			return nil, domain.ErrNoActiveCursor.WithDetails("run a listing command with n first")
		}
		page, p := c.Next()
		if c.Exhausted() {
			sess.SetCursor(nil)
		}
		return &Result{Data: page, Pagination: &p}, nil

	case domain.OpDump:
		path, err := d.persist.ResolvePath(args.File)
		if err != nil {
			return nil, err
		}
		info, err := d.persist.WriteSnapshot(ctx, path, TriggerDump)
		if err != nil {
			return nil, err
		}
		return data(map[string]any{
			"path":     info.Path,
			"tables":   info.Tables,
			"records":  info.Records,
			"bytes":    info.Size,
			"checksum": info.Checksum,
		}), nil

	default:
		return nil, domain.ErrUnknownCommand.WithDetails(strconv.Quote(cmd.Name))
	}
}

// checkActiveTable falls back to the default table when another session
// dropped this session's active table.
func (d *Dispatcher) checkActiveTable(ctx context.Context, sess *Session) error {
	table := sess.Table()
	if table == domain.DefaultTable {
		return nil
	}
	ok, err := d.store.HasTable(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		d.logger.Info("active table was dropped, falling back to default",
			"session", sess.ID, "table", table)
		sess.SetTable(domain.DefaultTable)
	}
	return nil
}

func (d *Dispatcher) listing(ctx context.Context, op domain.Op, table string, args domain.Args) ([]any, error) {
	if op == domain.OpSQL {
		query := args.SQL
		if query == "" {
			query = args.Query
		}
		rows, err := d.store.RawQuery(ctx, query)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(rows))
		for i, r := range rows {
			out[i] = r
		}
		return out, nil
	}

	var (
		recs []domain.Record
		err  error
	)
	search := d.store.Search
	if args.Regex {
		search = d.store.SearchPattern
	}
	switch op {
	case domain.OpSearch:
		recs, err = search(ctx, table, args.Query, SearchBoth)
	case domain.OpSearchKey:
		recs, err = search(ctx, table, args.Query, SearchKeys)
	case domain.OpSearchValue:
		recs, err = search(ctx, table, args.Query, SearchValues)
	default:
		recs, err = d.store.List(ctx, table)
	}
	if err != nil {
		return nil, err
	}

	out := make([]any, len(recs))
	for i, r := range recs {
		out[i] = r
	}
	return out, nil
}

// page returns rows whole, or their first batch when batch > 0 with the
// rest held in the session cursor. Either way the previous cursor is gone.
func (d *Dispatcher) page(sess *Session, rows []any, batch int) *Result {
	if batch <= 0 {
		sess.SetCursor(nil)
		return data(rows)
	}

	c := NewCursor(rows, batch)
	first, p := c.Next()
	if c.Exhausted() {
		sess.SetCursor(nil)
	} else {
		sess.SetCursor(c)
	}
	return &Result{Data: first, Pagination: &p}
}

func (d *Dispatcher) bulkWrite(ctx context.Context, op domain.Op, table string, args domain.Args) (*Result, error) {
	var (
		kv  map[string]string
		err error
	)
	switch {
	case args.HasData:
		kv = args.Data
	case args.File != "":
		if kv, err = d.persist.ReadDataFile(args.File); err != nil {
			return nil, err
		}
	default:
		return nil, domain.ErrInvalidArgument.WithDetails("data or f is required")
	}

	var n int
	if op == domain.OpInit {
		n, err = d.store.Init(ctx, table, kv)
	} else {
		n, err = d.store.Load(ctx, table, kv)
	}
	if err != nil {
		return nil, err
	}
	return data(map[string]any{"table": table, "records": n}), nil
}

func tableArg(args domain.Args) string {
	if args.Table != "" {
		return args.Table
	}
	return args.Key
}

func data(v any) *Result {
	return &Result{Data: v}
}
