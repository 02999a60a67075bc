package kvserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yndnr/securekv/internal/core/domain"
	"github.com/yndnr/securekv/internal/core/service"
	"github.com/yndnr/securekv/internal/infra/tlsroots"
	"github.com/yndnr/securekv/internal/infra/tlsroots/tlstest"
	"github.com/yndnr/securekv/internal/storage"
	"github.com/yndnr/securekv/internal/storage/snapshot"
	"github.com/yndnr/securekv/internal/telemetry/metric"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	srv     *Server
	ca      *tlstest.CA
	metrics *metric.Registry
	addr    string
}

// startServer runs a server over a fresh SQLite-backed core.
func startServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	backend, err := storage.Open(storage.Config{Kind: storage.KindSQLite, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	store, err := service.NewTableStore(ctx, backend, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	reg := metric.NewRegistry()
	ser := service.NewSerializer(service.SerializerConfig{Logger: testLogger(), Metrics: reg})
	snaps, err := snapshot.NewManager(snapshot.Config{})
	if err != nil {
		t.Fatal(err)
	}
	persist := service.NewPersistenceManager(service.PersistenceConfig{
		Path:   filepath.Join(t.TempDir(), "data.snapshot"),
		Logger: testLogger(),
	}, store, snaps, ser)
	disp := service.NewDispatcher(store, persist, ser, testLogger())

	ca := tlstest.NewCA(t, "test-root")
	serverCert := ca.KeyPair(t, "localhost", true)
	cfg := &Config{
		TLSConfig: tlsroots.ServerConfig(ca.Pool(), func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return &serverCert, nil
		}),
	}
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(cfg, disp, testLogger(), reg)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve() did not return after cancel")
		}
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		ser.Close(sctx)
		backend.Close()
	})

	return &testServer{srv: srv, ca: ca, metrics: reg, addr: ln.Addr().String()}
}

type client struct {
	t    *testing.T
	conn *tls.Conn
	br   *bufio.Reader
}

func (ts *testServer) dial(t *testing.T, cn string) *client {
	t.Helper()
	cfg := tlstest.ClientConfig(t, ts.ca, ts.ca, cn)
	conn, err := tls.Dial("tcp", ts.addr, cfg)
	if err != nil {
		t.Fatalf("tls.Dial() error = %v", err)
	}
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, br: bufio.NewReader(conn)}
}

func (c *client) sendRaw(line string) {
	c.t.Helper()
	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) recv() Response {
	c.t.Helper()
	line, err := c.br.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read response: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		c.t.Fatalf("decode response %q: %v", line, err)
	}
	return resp
}

func (c *client) do(cmd string, args map[string]any) Response {
	c.t.Helper()
	b, err := json.Marshal(map[string]any{"cmd": cmd, "args": args})
	if err != nil {
		c.t.Fatal(err)
	}
	c.sendRaw(string(b))
	return c.recv()
}

func mustSucceed(t *testing.T, resp Response) Response {
	t.Helper()
	if resp.Status != StatusSuccess {
		t.Fatalf("%s failed: %s (%s)", resp.Command, resp.Data, resp.Code)
	}
	return resp
}

func TestServer_DemoScenario(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t, "alice")

	resp := mustSucceed(t, c.do("use", map[string]any{"k": "demo"}))
	if resp.Data != "demo" {
		t.Errorf("use data = %v", resp.Data)
	}
	mustSucceed(t, c.do("set", map[string]any{"k": "a", "v": "1"}))
	mustSucceed(t, c.do("set", map[string]any{"k": "b", "v": 2}))

	resp = mustSucceed(t, c.do("list", map[string]any{"n": 1}))
	if got := fmt.Sprint(resp.Data); got != "[map[key:a value:1]]" {
		t.Errorf("first batch = %s", got)
	}
	if resp.Pagination == nil || *resp.Pagination != (service.Pagination{Progress: "1/2", HasMore: true}) {
		t.Errorf("first pagination = %+v", resp.Pagination)
	}

	resp = mustSucceed(t, c.do("next", nil))
	if got := fmt.Sprint(resp.Data); got != "[map[key:b value:2]]" {
		t.Errorf("second batch = %s", got)
	}
	if resp.Pagination == nil || *resp.Pagination != (service.Pagination{Progress: "2/2", HasMore: false}) {
		t.Errorf("second pagination = %+v", resp.Pagination)
	}

	resp = c.do("next", nil)
	if resp.Status != StatusError || resp.Code != "KV-CUR-4040" {
		t.Errorf("next after exhaustion = %+v", resp)
	}
}

func TestServer_ErrorResponsesKeepConnection(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t, "alice")

	c.sendRaw(`{"cmd":`)
	if resp := c.recv(); resp.Code != "KV-REQ-4000" {
		t.Errorf("invalid JSON response = %+v", resp)
	}

	if resp := c.do("get", map[string]any{"k": "missing"}); resp.Code != "KV-DATA-4040" || !strings.Contains(resp.Data.(string), "missing") {
		t.Errorf("get miss response = %+v", resp)
	}
	if resp := c.do("bogus", nil); resp.Code != "KV-REQ-4040" || resp.Command != "bogus" {
		t.Errorf("unknown command response = %+v", resp)
	}

	// Blank lines are ignored, and the connection is still usable.
	c.sendRaw("")
	mustSucceed(t, c.do("set", map[string]any{"k": "a", "v": "1"}))
	if resp := mustSucceed(t, c.do("get", map[string]any{"k": "a"})); resp.Data != "1" {
		t.Errorf("get data = %v", resp.Data)
	}
}

func TestServer_OverlongLineClosesConnection(t *testing.T) {
	ts := startServer(t, func(c *Config) { c.MaxLineBytes = 256 })
	c := ts.dial(t, "alice")

	c.sendRaw(`{"cmd":"set","args":{"k":"a","v":"` + strings.Repeat("x", 1024) + `"}}`)
	if resp := c.recv(); resp.Code != "KV-REQ-4000" {
		t.Errorf("overlong line response = %+v", resp)
	}
	if _, err := c.br.ReadBytes('\n'); err == nil {
		t.Error("connection still open after overlong line")
	}
}

func TestServer_RejectsUnauthenticatedClients(t *testing.T) {
	ts := startServer(t, nil)
	rogue := tlstest.NewCA(t, "rogue")

	tests := []struct {
		name   string
		signer *tlstest.CA
	}{
		{"no certificate", nil},
		{"untrusted issuer", rogue},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tlstest.ClientConfig(t, ts.ca, tt.signer, "mallory")
			conn, err := tls.Dial("tcp", ts.addr, cfg)
			if err == nil {
				defer conn.Close()
				_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
				// TLS 1.3 clients finish before the server checks their
				// certificate; the rejection surfaces on the first read.
				_, _ = io.WriteString(conn, `{"cmd":"ping"}`+"\n")
				if line, err := bufio.NewReader(conn).ReadBytes('\n'); err == nil {
					t.Fatalf("unauthenticated client got a response: %s", line)
				}
			}

			want := float64(i + 1)
			deadline := time.Now().Add(2 * time.Second)
			for testutil.ToFloat64(ts.metrics.AuthFailures) < want && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			if got := testutil.ToFloat64(ts.metrics.AuthFailures); got != want {
				t.Errorf("auth failures = %v, want %v", got, want)
			}
		})
	}
	if got := testutil.ToFloat64(ts.metrics.SessionsTotal); got != 0 {
		t.Errorf("sessions opened = %v, want 0", got)
	}
}

func TestServer_PingReportsIdentity(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t, "reporting-service")

	resp := mustSucceed(t, c.do("ping", nil))
	m, ok := resp.Data.(map[string]any)
	if !ok || m["identity"] != "reporting-service" || m["table"] != "store" {
		t.Errorf("ping data = %v", resp.Data)
	}
}

func TestServer_ConcurrentClients(t *testing.T) {
	ts := startServer(t, nil)
	const clients, perClient = 6, 30

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		c := ts.dial(t, fmt.Sprintf("client-%d", i))
		wg.Add(1)
		go func(i int, c *client) {
			defer wg.Done()
			for j := 0; j < perClient; j++ {
				b, _ := json.Marshal(map[string]any{"cmd": "set", "args": map[string]any{
					"k": fmt.Sprintf("c%d-%03d", i, j), "v": j,
				}})
				if _, err := c.conn.Write(append(b, '\n')); err != nil {
					t.Errorf("write: %v", err)
					return
				}
				line, err := c.br.ReadBytes('\n')
				if err != nil {
					t.Errorf("read: %v", err)
					return
				}
				if !strings.Contains(string(line), `"status":"success"`) {
					t.Errorf("set failed: %s", line)
					return
				}
			}
		}(i, c)
	}
	wg.Wait()

	c := ts.dial(t, "checker")
	resp := mustSucceed(t, c.do("list", nil))
	if got := len(resp.Data.([]any)); got != clients*perClient {
		t.Errorf("records = %d, want %d", got, clients*perClient)
	}
	if got := testutil.ToFloat64(ts.metrics.SessionsTotal); got != clients+1 {
		t.Errorf("sessions total = %v, want %d", got, clients+1)
	}
}

func TestServer_RateLimit(t *testing.T) {
	ts := startServer(t, func(c *Config) { c.RateLimit = 2 })
	c := ts.dial(t, "alice")

	var limited int
	for i := 0; i < 6; i++ {
		if resp := c.do("ping", nil); resp.Code == "KV-REQ-4290" {
			limited++
		}
	}
	if limited == 0 {
		t.Error("no command was rate limited")
	}
	if got := testutil.ToFloat64(ts.metrics.RateLimited); got != float64(limited) {
		t.Errorf("rate limited metric = %v, want %d", got, limited)
	}
}

func TestNew_RequiresClientAuth(t *testing.T) {
	if _, err := New(&Config{}, nil, testLogger(), nil); err == nil {
		t.Error("New() accepted a config without TLS")
	}
	if _, err := New(&Config{TLSConfig: &tls.Config{}}, nil, testLogger(), nil); err == nil {
		t.Error("New() accepted a TLS config without client verification")
	}
}

// withUsers installs an authorizer over a users file admitting alice
// without a password and bob with the password "s3cret".
func withUsers(t *testing.T) func(*Config) {
	t.Helper()
	hash, err := domain.HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "users.yaml")
	body := fmt.Sprintf("users:\n  - identity: alice\n  - identity: bob\n    password_hash: %q\n", hash)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	auth, err := service.NewAuthorizer(service.AuthorizerConfig{UsersFile: path, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	return func(c *Config) { c.Authorizer = auth }
}

func TestServer_RejectsUnlistedIdentity(t *testing.T) {
	ts := startServer(t, withUsers(t))
	c := ts.dial(t, "mallory")

	resp := c.recv()
	if resp.Status != StatusError || resp.Code != "KV-AUTH-4030" {
		t.Errorf("response = %+v, want KV-AUTH-4030", resp)
	}
	if _, err := c.br.ReadBytes('\n'); err == nil {
		t.Error("connection still open after rejection")
	}
	if got := testutil.ToFloat64(ts.metrics.AuthFailures); got != 1 {
		t.Errorf("auth failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ts.metrics.SessionsTotal); got != 0 {
		t.Errorf("sessions opened = %v, want 0", got)
	}

	mustSucceed(t, ts.dial(t, "alice").do("ping", nil))
}

func TestServer_Login(t *testing.T) {
	ts := startServer(t, withUsers(t))
	c := ts.dial(t, "bob")

	steps := []struct {
		cmd      string
		args     map[string]any
		wantCode string
	}{
		{"set", map[string]any{"k": "a", "v": "1"}, "KV-AUTH-4011"},
		{"login", map[string]any{"k": "bob", "v": "guess"}, "KV-AUTH-4012"},
		{"login", map[string]any{"k": "alice", "v": "s3cret"}, "KV-AUTH-4012"},
		{"ping", nil, "KV-AUTH-4011"},
		{"login", map[string]any{"k": "bob", "v": "s3cret"}, ""},
		{"set", map[string]any{"k": "a", "v": "1"}, ""},
		{"get", map[string]any{"k": "a"}, ""},
	}
	for _, st := range steps {
		resp := c.do(st.cmd, st.args)
		if st.wantCode == "" {
			mustSucceed(t, resp)
			continue
		}
		if resp.Code != st.wantCode {
			t.Errorf("%s %v: code = %q, want %q", st.cmd, st.args, resp.Code, st.wantCode)
		}
	}
	if got := testutil.ToFloat64(ts.metrics.AuthFailures); got != 2 {
		t.Errorf("auth failures = %v, want 2", got)
	}
}

func TestServer_LoginWithoutUsersFile(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t, "alice")

	if resp := c.do("login", map[string]any{"k": "alice", "v": "x"}); resp.Code != "KV-AUTH-4012" {
		t.Errorf("login code = %q, want KV-AUTH-4012", resp.Code)
	}
	mustSucceed(t, c.do("ping", nil))
}
