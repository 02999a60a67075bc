package kvserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/yndnr/securekv/internal/core/domain"
	"github.com/yndnr/securekv/internal/core/service"
	"github.com/yndnr/securekv/internal/infra/tlsroots"
	"github.com/yndnr/securekv/internal/telemetry/logger"
	"github.com/yndnr/securekv/internal/telemetry/metric"
)

// Config holds the listener configuration.
type Config struct {
	// Address is the host:port to listen on.
	Address string
	// TLSConfig must require and verify client certificates.
	TLSConfig *tls.Config
	// MaxLineBytes bounds one request line (default: 1 MiB).
	MaxLineBytes int
	// HandshakeTimeout bounds the TLS handshake (default: 10s).
	HandshakeTimeout time.Duration
	// ReadTimeout is the timeout for reading the rest of a request once
	// its first byte arrived (default: 30s).
	ReadTimeout time.Duration
	// WriteTimeout is the timeout for writing a response (default: 30s).
	WriteTimeout time.Duration
	// IdleTimeout is the timeout between requests (default: 5m).
	IdleTimeout time.Duration
	// RateLimit is the maximum number of commands per second per session.
	// Zero disables rate limiting. Identities with their own limit in the
	// users file use that instead.
	RateLimit int
	// Authorizer admits verified identities. nil admits all of them.
	Authorizer *service.Authorizer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:          "127.0.0.1:9999",
		MaxLineBytes:     DefaultMaxLineBytes,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		IdleTimeout:      5 * time.Minute,
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	def := DefaultConfig()
	if out.MaxLineBytes <= 0 {
		out.MaxLineBytes = def.MaxLineBytes
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = def.HandshakeTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = def.ReadTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = def.WriteTimeout
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = def.IdleTimeout
	}
	return &out
}

// Server accepts mutually authenticated connections and serves one session
// per connection.
type Server struct {
	cfg     *Config
	handler *CommandHandler
	logger  *slog.Logger
	metrics *metric.Registry

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a server.
func New(cfg *Config, d Dispatcher, log *slog.Logger, metrics *metric.Registry) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.TLSConfig == nil {
		return nil, errors.New("kvserver: TLS config is required")
	}
	if cfg.TLSConfig.ClientAuth != tls.RequireAndVerifyClientCert {
		return nil, errors.New("kvserver: TLS config must require and verify client certificates")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.Authorizer == nil {
		auth, err := service.NewAuthorizer(service.AuthorizerConfig{Logger: log})
		if err != nil {
			return nil, fmt.Errorf("kvserver: %w", err)
		}
		cfg.Authorizer = auth
	}

	return &Server{
		cfg:     cfg,
		handler: NewCommandHandler(d, cfg.Authorizer, metrics),
		logger:  log.With("component", "kvserver"),
		metrics: metrics,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("kvserver: listen %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Shutdown is
// called. Open connections are closed before it returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.running.Store(true)

	s.logger.Info("listening", "address", ln.Addr().String())

	stop := context.AfterFunc(ctx, s.close)
	defer stop()

	err := s.acceptLoop(ctx, ln)
	s.close()
	s.wg.Wait()
	return err
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting, closes open connections and waits for their
// goroutines to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) close() {
	s.running.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) track(c net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if !s.running.Load() {
			return false
		}
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
	return true
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept error, retrying", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}

		if !s.track(c, true) {
			_ = c.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(c, false)
			defer c.Close()
			s.serveConn(ctx, c)
		}()
	}
}

// authenticate forces the TLS handshake and resolves the peer identity.
func (s *Server) authenticate(ctx context.Context, raw net.Conn) (*tls.Conn, string, error) {
	conn := tls.Server(raw, s.cfg.TLSConfig)

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		return nil, "", domain.ErrAuthenticationFailed.Wrap(err)
	}

	identity, err := tlsroots.PeerIdentity(conn.ConnectionState())
	if err != nil {
		return nil, "", domain.ErrAuthenticationFailed.Wrap(err)
	}
	return conn, identity, nil
}

func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	remote := raw.RemoteAddr().String()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while serving connection",
				"remote", remote,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	conn, identity, err := s.authenticate(ctx, raw)
	if err != nil {
		s.metrics.AuthFailed()
		s.logger.Warn("client authentication failed",
			"remote", remote,
			"code", domain.ErrAuthenticationFailed.Code,
			"error", err,
		)
		return
	}

	grant, err := s.cfg.Authorizer.Admit(identity, remote)
	if err != nil {
		s.metrics.AuthFailed()
		s.logger.Warn("client not authorised",
			"remote", remote,
			"identity", identity,
			"code", domain.GetErrorCode(err),
		)
		s.reject(conn, err)
		return
	}

	sess, err := service.NewSession(identity, remote)
	if err != nil {
		s.logger.Error("create session", "remote", remote, "error", err)
		return
	}
	if grant.LoginRequired {
		sess.RequireLogin()
	}
	limiter := grant.Limiter
	if limiter == nil {
		limiter = newLimiter(s.cfg.RateLimit)
	}
	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()

	log := s.logger.With("session", sess.ID, "identity", sess.Identity)
	log.Info("session opened", "remote", remote, "login_required", grant.LoginRequired)
	defer log.Info("session closed")

	s.serveSession(logger.WithLogger(ctx, log), conn, sess, limiter, log)
}

// reject tells an authenticated but unauthorised client why before the
// connection is closed.
func (s *Server) reject(conn net.Conn, err error) {
	if conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)) != nil {
		return
	}
	bw := bufio.NewWriter(conn)
	if writeResponse(bw, Failure("", err)) == nil {
		_ = bw.Flush()
	}
}

func (s *Server) serveSession(ctx context.Context, conn net.Conn, sess *service.Session, limiter *rate.Limiter, log *slog.Logger) {
	br := bufio.NewReaderSize(conn, 64<<10)
	bw := bufio.NewWriter(conn)

	flush := func(resp Response) bool {
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return false
		}
		if err := writeResponse(bw, resp); err != nil {
			return false
		}
		return bw.Flush() == nil
	}

	for {
		// First byte: allow idle timeout between requests.
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		if _, err := br.Peek(1); err != nil {
			s.logReadEnd(log, err)
			return
		}

		// After first byte: tighten to the per-request read timeout.
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return
		}
		line, err := readLine(br, s.cfg.MaxLineBytes)
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				log.Warn("request line too long, closing", "limit", s.cfg.MaxLineBytes)
				flush(Failure("", domain.ErrMalformedRequest.WithDetails(
					fmt.Sprintf("request line exceeds %d bytes", s.cfg.MaxLineBytes))))
				return
			}
			s.logReadEnd(log, err)
			return
		}
		if len(line) == 0 {
			continue
		}

		if !flush(s.handler.Handle(ctx, sess, limiter, line)) {
			return
		}
	}
}

func (s *Server) logReadEnd(log *slog.Logger, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		log.Debug("connection idle timeout")
		return
	}
	log.Debug("connection read error", "error", err)
}
