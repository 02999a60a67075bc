package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yndnr/securekv/internal/core/domain"
	"github.com/yndnr/securekv/internal/infra/tlsroots/tlstest"
	"github.com/yndnr/securekv/internal/server/config"
	"github.com/yndnr/securekv/internal/storage/snapshot"
	"github.com/yndnr/securekv/internal/telemetry/logger"
)

func testConfig(t *testing.T, ca *tlstest.CA) *config.ServerConfig {
	t.Helper()
	dir := t.TempDir()
	files := ca.WriteServerFiles(t, dir)

	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.TLS.CAFile = files.CA
	cfg.TLS.CertFile = files.Cert
	cfg.TLS.KeyFile = files.Key
	cfg.Persistence.SnapshotFile = filepath.Join(dir, "data", "data.snapshot")
	cfg.Persistence.Interval = "0"
	cfg.Admin.Addr = "127.0.0.1:0"
	if err := config.Verify(cfg); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	return cfg
}

func roundTrip(t *testing.T, conn *tls.Conn, br *bufio.Reader, cmd string, args map[string]any) map[string]any {
	t.Helper()
	line, err := json.Marshal(map[string]any{"cmd": cmd, "args": args})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := br.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(resp, &out); err != nil {
		t.Fatalf("decode %q: %v", resp, err)
	}
	return out
}

func TestServer_Lifecycle(t *testing.T) {
	ca := tlstest.NewCA(t, "lifecycle-ca")
	cfg := testConfig(t, ca)
	ctx := context.Background()

	srv, err := build(ctx, cfg, logger.Discard())
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- srv.run(runCtx, "") }()

	conn, err := tls.Dial("tcp", srv.kvListener.Addr().String(), tlstest.ClientConfig(t, ca, ca, "alice"))
	if err != nil {
		stop()
		t.Fatalf("dial: %v", err)
	}
	br := bufio.NewReader(conn)
	if resp := roundTrip(t, conn, br, "set", map[string]any{"k": "greeting", "v": "hello"}); resp["status"] != "success" {
		t.Errorf("set response = %v", resp)
	}
	if resp := roundTrip(t, conn, br, "ping", nil); resp["status"] != "success" {
		t.Errorf("ping response = %v", resp)
	}
	conn.Close()

	res, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.adminLn.Addr()))
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", res.StatusCode)
	}

	stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return")
	}

	if _, err := os.Stat(cfg.Persistence.SnapshotFile); err != nil {
		t.Fatalf("final snapshot missing: %v", err)
	}

	// A second process restores the final snapshot.
	srv2, err := build(ctx, cfg, logger.Discard())
	if err != nil {
		t.Fatalf("second build() error = %v", err)
	}
	defer srv2.release(ctx)

	v, err := srv2.store.Get(ctx, domain.DefaultTable, "greeting")
	if err != nil {
		t.Fatalf("Get() after restore error = %v", err)
	}
	if v != "hello" {
		t.Errorf("restored value = %q, want hello", v)
	}
}

func TestBuild_LockHeld(t *testing.T) {
	ca := tlstest.NewCA(t, "lock-ca")
	cfg := testConfig(t, ca)
	ctx := context.Background()

	first, err := build(ctx, cfg, logger.Discard())
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	defer first.release(ctx)

	if _, err := build(ctx, cfg, logger.Discard()); !errors.Is(err, snapshot.ErrLocked) {
		t.Fatalf("second build() error = %v, want ErrLocked", err)
	}
}

func TestBuild_CorruptSnapshotIsFatal(t *testing.T) {
	ca := tlstest.NewCA(t, "corrupt-ca")
	cfg := testConfig(t, ca)
	if err := os.WriteFile(cfg.Persistence.SnapshotFile, []byte("not a snapshot"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := build(context.Background(), cfg, logger.Discard()); err == nil {
		t.Fatal("expected restore failure")
	}

	// The failed build released the lock.
	lock, err := snapshot.AcquireLock(cfg.Persistence.SnapshotFile)
	if err != nil {
		t.Fatalf("AcquireLock() after failed build: %v", err)
	}
	lock.Release()
}
