package service

import "strconv"

// Pagination describes how far a client has paged through a result set.
type Pagination struct {
	Progress string `json:"progress"`
	HasMore  bool   `json:"hasMore"`
}

// Cursor holds a materialized result set and hands it out in fixed-size
// batches.
type Cursor struct {
	rows   []any
	batch  int
	offset int
}

// NewCursor creates a cursor over rows. batch must be positive.
func NewCursor(rows []any, batch int) *Cursor {
	if batch <= 0 {
		batch = len(rows)
	}
	return &Cursor{rows: rows, batch: batch}
}

// Next returns the next batch and the progress after consuming it. The
// returned slice is never nil.
func (c *Cursor) Next() ([]any, Pagination) {
	end := c.offset + c.batch
	if end > len(c.rows) {
		end = len(c.rows)
	}
	page := c.rows[c.offset:end:end]
	if page == nil {
		page = []any{}
	}
	c.offset = end
	return page, c.progress()
}

// Exhausted reports whether every row has been returned.
func (c *Cursor) Exhausted() bool {
	return c.offset >= len(c.rows)
}

// Total returns the size of the result set.
func (c *Cursor) Total() int {
	return len(c.rows)
}

func (c *Cursor) progress() Pagination {
	return Pagination{
		Progress: strconv.Itoa(c.offset) + "/" + strconv.Itoa(len(c.rows)),
		HasMore:  c.offset < len(c.rows),
	}
}
