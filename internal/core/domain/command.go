package domain

import "strings"

// Op is the name of a client operation.
type Op string

// Supported operations.
const (
	OpUse         Op = "use"
	OpSet         Op = "set"
	OpGet         Op = "get"
	OpDelete      Op = "delete"
	OpClear       Op = "clear"
	OpDrop        Op = "drop"
	OpTables      Op = "tables"
	OpSearch      Op = "search"
	OpSearchKey   Op = "searchkey"
	OpSearchValue Op = "searchvalue"
	OpInit        Op = "init"
	OpLoad        Op = "load"
	OpList        Op = "list"
	OpNext        Op = "next"
	OpDump        Op = "dump"
	OpSQL         Op = "sql"
	OpPing        Op = "ping"
	OpLogin       Op = "login"
)

var knownOps = map[Op]struct{}{
	OpUse: {}, OpSet: {}, OpGet: {}, OpDelete: {}, OpClear: {}, OpDrop: {},
	OpTables: {}, OpSearch: {}, OpSearchKey: {}, OpSearchValue: {},
	OpInit: {}, OpLoad: {}, OpList: {}, OpNext: {}, OpDump: {}, OpSQL: {},
	OpPing: {}, OpLogin: {},
}

// ParseOp normalises a wire operation name. Matching is case-insensitive.
func ParseOp(name string) (Op, bool) {
	op := Op(strings.ToLower(strings.TrimSpace(name)))
	_, ok := knownOps[op]
	return op, ok
}

// IsListing reports whether the operation produces a row set that can be
// paged through a cursor.
func (o Op) IsListing() bool {
	switch o {
	case OpList, OpSearch, OpSearchKey, OpSearchValue, OpSQL:
		return true
	}
	return false
}

// Args is the decoded argument bag of a command.
type Args struct {
	Key   string
	Value string
	// HasValue distinguishes an explicit empty value from a missing one.
	HasValue bool
	Query    string
	// Regex makes Query a case-insensitive regular expression.
	Regex bool
	// BatchSize is the page size for listing commands; 0 means unpaged.
	BatchSize int
	File      string
	SQL       string
	Table     string
	Data      map[string]string
	HasData   bool
}

// Command is one parsed client request. It is not modified after submission.
type Command struct {
	// ID correlates log lines for one request.
	ID string
	// Name is the operation name exactly as the client sent it.
	Name string
	Op   Op
	Args Args
}
