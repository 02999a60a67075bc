package domain

import (
	"regexp"
	"strings"
)

// DefaultTable is the table every session starts in. It always exists and
// cannot be dropped.
const DefaultTable = "store"

// MaxTableNameLength bounds table identifiers.
const MaxTableNameLength = 64

var tableNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// ValidateTableName reports whether name may address a table.
//
// Names are rejected rather than rewritten: "my-table" is an error, it is
// never silently turned into "mytable".
func ValidateTableName(name string) error {
	if name == "" {
		return ErrInvalidTableName.WithDetails("table name is empty")
	}
	if !tableNamePattern.MatchString(name) {
		return ErrInvalidTableName.WithDetails(
			"table name " + quote(name) + " must start with a letter and contain only letters, digits and underscores (max 64)")
	}
	if strings.HasPrefix(strings.ToLower(name), "sqlite_") {
		return ErrInvalidTableName.WithDetails("table name " + quote(name) + " uses a reserved prefix")
	}
	return nil
}

// NormalizeTableName validates name and returns its canonical lower-case
// form. Identifiers are case-insensitive so that every engine resolves
// "Users" and "users" to the same table.
func NormalizeTableName(name string) (string, error) {
	if err := ValidateTableName(name); err != nil {
		return "", err
	}
	return strings.ToLower(name), nil
}

// Record is a single key/value pair inside a table.
type Record struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func quote(s string) string {
	if len(s) > MaxTableNameLength {
		s = s[:MaxTableNameLength] + "..."
	}
	return `"` + s + `"`
}
