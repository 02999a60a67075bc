package service

import (
	"reflect"
	"testing"
)

func TestCursor_Pages(t *testing.T) {
	rows := []any{1, 2, 3, 4, 5}
	c := NewCursor(rows, 2)

	wantPages := [][]any{{1, 2}, {3, 4}, {5}}
	wantProgress := []Pagination{
		{Progress: "2/5", HasMore: true},
		{Progress: "4/5", HasMore: true},
		{Progress: "5/5", HasMore: false},
	}

	var all []any
	for i := range wantPages {
		page, p := c.Next()
		if !reflect.DeepEqual(page, wantPages[i]) {
			t.Errorf("page %d = %v, want %v", i, page, wantPages[i])
		}
		if p != wantProgress[i] {
			t.Errorf("progress %d = %+v, want %+v", i, p, wantProgress[i])
		}
		all = append(all, page...)
	}
	if !c.Exhausted() {
		t.Error("cursor not exhausted after last page")
	}
	if !reflect.DeepEqual(all, rows) {
		t.Errorf("concatenated pages = %v, want %v", all, rows)
	}
}

func TestCursor_Completeness(t *testing.T) {
	for total := 0; total <= 12; total++ {
		for batch := 1; batch <= 5; batch++ {
			rows := make([]any, total)
			for i := range rows {
				rows[i] = i
			}
			c := NewCursor(rows, batch)
			seen := 0
			for i := 0; ; i++ {
				page, p := c.Next()
				for _, r := range page {
					if r.(int) != seen {
						t.Fatalf("total=%d batch=%d: got row %v, want %d", total, batch, r, seen)
					}
					seen++
				}
				if !p.HasMore {
					break
				}
				if i > total {
					t.Fatalf("total=%d batch=%d: cursor never finished", total, batch)
				}
			}
			if seen != total {
				t.Errorf("total=%d batch=%d: saw %d rows", total, batch, seen)
			}
		}
	}
}

func TestCursor_Empty(t *testing.T) {
	c := NewCursor(nil, 3)
	page, p := c.Next()
	if page == nil || len(page) != 0 {
		t.Errorf("page = %#v, want empty non-nil", page)
	}
	if p != (Pagination{Progress: "0/0", HasMore: false}) {
		t.Errorf("progress = %+v", p)
	}
}
