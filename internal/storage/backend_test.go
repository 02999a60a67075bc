package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/yndnr/securekv/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// forEachEngine runs fn once per engine kind against a fresh backend.
func forEachEngine(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Helper()
	for _, kind := range Kinds() {
		t.Run(kind, func(t *testing.T) {
			b, err := Open(Config{Kind: kind, Logger: testLogger()})
			if err != nil {
				t.Fatalf("Open(%s) error = %v", kind, err)
			}
			t.Cleanup(func() { b.Close() })
			fn(t, b)
		})
	}
}

func mustCreate(t *testing.T, b Backend, table string) {
	t.Helper()
	if _, err := b.CreateTable(context.Background(), table); err != nil {
		t.Fatalf("CreateTable(%s) error = %v", table, err)
	}
}

func TestOpen_UnknownKind(t *testing.T) {
	if _, err := Open(Config{Kind: "leveldb"}); err == nil {
		t.Fatal("Open(leveldb) should fail")
	}
}

func TestBackend_CreateAndListTables(t *testing.T) {
	forEachEngine(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		created, err := b.CreateTable(ctx, "users")
		if err != nil || !created {
			t.Fatalf("CreateTable(users) = %v, %v; want true, nil", created, err)
		}
		created, err = b.CreateTable(ctx, "users")
		if err != nil || created {
			t.Fatalf("second CreateTable(users) = %v, %v; want false, nil", created, err)
		}
		mustCreate(t, b, "store")
		mustCreate(t, b, "audit")

		got, err := b.Tables(ctx)
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"audit", "store", "users"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Tables() = %v, want %v", got, want)
		}

		ok, err := b.HasTable(ctx, "audit")
		if err != nil || !ok {
			t.Errorf("HasTable(audit) = %v, %v", ok, err)
		}
		ok, err = b.HasTable(ctx, "missing")
		if err != nil || ok {
			t.Errorf("HasTable(missing) = %v, %v", ok, err)
		}
	})
}

func TestBackend_BasicOperations(t *testing.T) {
	forEachEngine(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		mustCreate(t, b, "store")

		t.Run("Upsert and Get", func(t *testing.T) {
			if err := b.Upsert(ctx, "store", "a", "1"); err != nil {
				t.Fatal(err)
			}
			if err := b.Upsert(ctx, "store", "a", "2"); err != nil {
				t.Fatal(err)
			}
			got, err := b.Get(ctx, "store", "a")
			if err != nil {
				t.Fatal(err)
			}
			if got != "2" {
				t.Errorf("Get(a) = %q, want %q", got, "2")
			}
		})

		t.Run("Empty value", func(t *testing.T) {
			if err := b.Upsert(ctx, "store", "empty", ""); err != nil {
				t.Fatal(err)
			}
			got, err := b.Get(ctx, "store", "empty")
			if err != nil || got != "" {
				t.Errorf("Get(empty) = %q, %v", got, err)
			}
		})

		t.Run("Get non-existent key", func(t *testing.T) {
			_, err := b.Get(ctx, "store", "nope")
			if !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("expected ErrKeyNotFound, got %v", err)
			}
		})

		t.Run("Delete", func(t *testing.T) {
			if err := b.Upsert(ctx, "store", "gone", "x"); err != nil {
				t.Fatal(err)
			}
			deleted, err := b.Delete(ctx, "store", "gone")
			if err != nil || !deleted {
				t.Fatalf("Delete(gone) = %v, %v", deleted, err)
			}
			deleted, err = b.Delete(ctx, "store", "gone")
			if err != nil || deleted {
				t.Fatalf("second Delete(gone) = %v, %v; want false, nil", deleted, err)
			}
			if _, err := b.Get(ctx, "store", "gone"); !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("Get after delete: %v", err)
			}
		})

		t.Run("Missing table", func(t *testing.T) {
			if err := b.Upsert(ctx, "ghost", "k", "v"); !errors.Is(err, ErrTableNotFound) {
				t.Errorf("Upsert(ghost) error = %v, want ErrTableNotFound", err)
			}
			if _, err := b.Get(ctx, "ghost", "k"); !errors.Is(err, ErrTableNotFound) {
				t.Errorf("Get(ghost) error = %v, want ErrTableNotFound", err)
			}
		})
	})
}

func TestBackend_TableIsolation(t *testing.T) {
	forEachEngine(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		mustCreate(t, b, "a")
		mustCreate(t, b, "ab")

		// "a" is a byte prefix of "ab"; records must not leak across.
		if err := b.Upsert(ctx, "a", "k", "from-a"); err != nil {
			t.Fatal(err)
		}
		if err := b.Upsert(ctx, "ab", "k", "from-ab"); err != nil {
			t.Fatal(err)
		}

		got, _ := b.Get(ctx, "a", "k")
		if got != "from-a" {
			t.Errorf("Get(a,k) = %q", got)
		}

		var keys []string
		if err := b.Scan(ctx, "a", func(k, v string) bool {
			keys = append(keys, k+"="+v)
			return true
		}); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(keys, []string{"k=from-a"}) {
			t.Errorf("Scan(a) = %v", keys)
		}

		n, err := b.Clear(ctx, "a")
		if err != nil || n != 1 {
			t.Fatalf("Clear(a) = %d, %v", n, err)
		}
		if got, _ := b.Get(ctx, "ab", "k"); got != "from-ab" {
			t.Errorf("clearing a touched ab: %q", got)
		}
	})
}

func TestBackend_ScanOrder(t *testing.T) {
	forEachEngine(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		mustCreate(t, b, "store")

		for _, k := range []string{"delta", "alpha", "charlie", "bravo"} {
			if err := b.Upsert(ctx, "store", k, k); err != nil {
				t.Fatal(err)
			}
		}

		var keys []string
		err := b.Scan(ctx, "store", func(k, _ string) bool {
			keys = append(keys, k)
			return len(keys) < 3
		})
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"alpha", "bravo", "charlie"}
		if !reflect.DeepEqual(keys, want) {
			t.Errorf("Scan() = %v, want %v", keys, want)
		}
	})
}

func TestBackend_DropTable(t *testing.T) {
	forEachEngine(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		mustCreate(t, b, "temp")
		if err := b.Upsert(ctx, "temp", "k", "v"); err != nil {
			t.Fatal(err)
		}

		existed, err := b.DropTable(ctx, "temp")
		if err != nil || !existed {
			t.Fatalf("DropTable(temp) = %v, %v", existed, err)
		}
		existed, err = b.DropTable(ctx, "temp")
		if err != nil || existed {
			t.Fatalf("second DropTable(temp) = %v, %v", existed, err)
		}

		// Recreating must not resurrect old rows.
		mustCreate(t, b, "temp")
		if _, err := b.Get(ctx, "temp", "k"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Get after recreate: %v", err)
		}
	})
}

func TestBackend_WriteBatch(t *testing.T) {
	seed := []domain.Record{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}

	tests := []struct {
		name        string
		mode        WriteMode
		batch       []domain.Record
		wantWritten int
		want        map[string]string
	}{
		{
			name:        "upsert overwrites",
			mode:        WriteUpsert,
			batch:       []domain.Record{{Key: "b", Value: "20"}, {Key: "c", Value: "30"}},
			wantWritten: 2,
			want:        map[string]string{"a": "1", "b": "20", "c": "30"},
		},
		{
			name:        "replace empties first",
			mode:        WriteReplace,
			batch:       []domain.Record{{Key: "c", Value: "30"}},
			wantWritten: 1,
			want:        map[string]string{"c": "30"},
		},
		{
			name:        "replace overwrites overlapping keys",
			mode:        WriteReplace,
			batch:       []domain.Record{{Key: "b", Value: "20"}, {Key: "c", Value: "30"}},
			wantWritten: 2,
			want:        map[string]string{"b": "20", "c": "30"},
		},
		{
			name:        "if absent keeps existing",
			mode:        WriteIfAbsent,
			batch:       []domain.Record{{Key: "b", Value: "20"}, {Key: "c", Value: "30"}},
			wantWritten: 1,
			want:        map[string]string{"a": "1", "b": "2", "c": "30"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachEngine(t, func(t *testing.T, b Backend) {
				ctx := context.Background()
				mustCreate(t, b, "store")
				if _, err := b.WriteBatch(ctx, "store", seed, WriteUpsert); err != nil {
					t.Fatal(err)
				}

				n, err := b.WriteBatch(ctx, "store", tt.batch, tt.mode)
				if err != nil {
					t.Fatal(err)
				}
				if n != tt.wantWritten {
					t.Errorf("WriteBatch() = %d, want %d", n, tt.wantWritten)
				}

				got := map[string]string{}
				b.Scan(ctx, "store", func(k, v string) bool {
					got[k] = v
					return true
				})
				if !reflect.DeepEqual(got, tt.want) {
					t.Errorf("contents = %v, want %v", got, tt.want)
				}
			})
		})
	}
}

func TestBackend_WriteBatchReplaceCanceled(t *testing.T) {
	forEachEngine(t, func(t *testing.T, b Backend) {
		mustCreate(t, b, "store")
		seed := []domain.Record{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}
		if _, err := b.WriteBatch(context.Background(), "store", seed, WriteUpsert); err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := b.WriteBatch(ctx, "store", []domain.Record{{Key: "c", Value: "3"}}, WriteReplace); err == nil {
			t.Fatal("WriteBatch() with canceled context should fail")
		}

		got := map[string]string{}
		b.Scan(context.Background(), "store", func(k, v string) bool {
			got[k] = v
			return true
		})
		if want := map[string]string{"a": "1", "b": "2"}; !reflect.DeepEqual(got, want) {
			t.Errorf("contents after canceled replace = %v, want %v", got, want)
		}
	})
}

func TestBackend_WriteBatchLarge(t *testing.T) {
	forEachEngine(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		mustCreate(t, b, "bulk")

		recs := make([]domain.Record, 5000)
		for i := range recs {
			recs[i] = domain.Record{Key: fmt.Sprintf("k%05d", i), Value: fmt.Sprintf("v%d", i)}
		}
		n, err := b.WriteBatch(ctx, "bulk", recs, WriteUpsert)
		if err != nil || n != len(recs) {
			t.Fatalf("WriteBatch() = %d, %v", n, err)
		}

		cleared, err := b.Clear(ctx, "bulk")
		if err != nil || cleared != len(recs) {
			t.Fatalf("Clear() = %d, %v", cleared, err)
		}
	})
}

func TestBackend_CanceledContext(t *testing.T) {
	forEachEngine(t, func(t *testing.T, b Backend) {
		mustCreate(t, b, "store")
		if err := b.Upsert(context.Background(), "store", "k", "v"); err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := b.Scan(ctx, "store", func(string, string) bool { return true })
		if err == nil {
			t.Error("Scan with canceled context should fail")
		}
	})
}

func TestBackend_Closed(t *testing.T) {
	forEachEngine(t, func(t *testing.T, b Backend) {
		if err := b.Close(); err != nil {
			t.Fatal(err)
		}
		if err := b.Close(); err != nil {
			t.Errorf("second Close() error = %v", err)
		}
		if _, err := b.Tables(context.Background()); !errors.Is(err, ErrClosed) {
			t.Errorf("Tables after close: %v", err)
		}
	})
}
