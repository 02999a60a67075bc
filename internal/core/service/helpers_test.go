package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/yndnr/securekv/internal/storage"
	"github.com/yndnr/securekv/internal/storage/snapshot"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv wires a complete command core over a fresh backend.
type testEnv struct {
	backend    storage.Backend
	store      *TableStore
	serializer *Serializer
	persist    *PersistenceManager
	dispatcher *Dispatcher
	path       string
}

func newTestEnv(t *testing.T, kind string) *testEnv {
	t.Helper()
	return newTestEnvAt(t, kind, filepath.Join(t.TempDir(), "data.snapshot"))
}

func newTestEnvAt(t *testing.T, kind, path string) *testEnv {
	t.Helper()

	backend, err := storage.Open(storage.Config{Kind: kind, Logger: testLogger()})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	store, err := NewTableStore(context.Background(), backend, testLogger())
	if err != nil {
		t.Fatalf("NewTableStore: %v", err)
	}
	ser := NewSerializer(SerializerConfig{QueueSize: 64, CommandTimeout: 5 * time.Second, Logger: testLogger()})
	snaps, err := snapshot.NewManager(snapshot.Config{})
	if err != nil {
		t.Fatal(err)
	}
	persist := NewPersistenceManager(PersistenceConfig{Path: path, Logger: testLogger()}, store, snaps, ser)

	env := &testEnv{
		backend:    backend,
		store:      store,
		serializer: ser,
		persist:    persist,
		dispatcher: NewDispatcher(store, persist, ser, testLogger()),
		path:       path,
	}
	t.Cleanup(env.close)
	return env
}

func (e *testEnv) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.serializer.Close(ctx)
	e.backend.Close()
}

// forEachEngine runs fn against a fresh environment per engine kind.
func forEachEngine(t *testing.T, fn func(t *testing.T, env *testEnv)) {
	t.Helper()
	for _, kind := range storage.Kinds() {
		t.Run(kind, func(t *testing.T) {
			fn(t, newTestEnv(t, kind))
		})
	}
}
