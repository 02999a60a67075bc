package tlsroots

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher serves the server key pair and the client CA pool, reloading
// both when their files change on disk.
type Watcher struct {
	certFile string
	keyFile  string
	caFile   string
	logger   *slog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate
	cas  *x509.CertPool

	// Debounce settings to avoid multiple reloads
	debounce   time.Duration
	lastReload time.Time
	reloadMu   sync.Mutex
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the logger for the watcher.
func WithLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithDebounce sets the debounce duration.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher loads the key pair and CA file. Failing to load either is
// fatal here; later reload failures keep the previous material.
func NewWatcher(caFile, certFile, keyFile string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		certFile: certFile,
		keyFile:  keyFile,
		caFile:   caFile,
		logger:   slog.Default(),
		debounce: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.reload(); err != nil {
		return nil, fmt.Errorf("tlsroots: initial load: %w", err)
	}
	return w, nil
}

// ServerConfig returns a server mTLS config whose certificate and client
// CAs follow the watched files.
func (w *Watcher) ServerConfig() *tls.Config {
	cfg := ServerConfig(w.ClientCAs(), w.GetCertificate)
	cfg.GetConfigForClient = func(*tls.ClientHelloInfo) (*tls.Config, error) {
		return ServerConfig(w.ClientCAs(), w.GetCertificate), nil
	}
	return cfg
}

// GetCertificate returns the current certificate.
// This implements tls.Config.GetCertificate.
func (w *Watcher) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cert, nil
}

// ClientCAs returns the current client CA pool.
func (w *Watcher) ClientCAs() *x509.CertPool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cas
}

// Run watches for changes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tlsroots: create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch directories rather than files so editor-style renames and
	// secret-volume symlink swaps are seen.
	watched := make(map[string]bool)
	for _, f := range []string{w.certFile, w.keyFile, w.caFile} {
		dir := filepath.Dir(f)
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("tlsroots: watch dir %s: %w", dir, err)
		}
		watched[dir] = true
	}

	names := map[string]bool{
		filepath.Base(w.certFile): true,
		filepath.Base(w.keyFile):  true,
		filepath.Base(w.caFile):   true,
	}

	w.logger.Info("certificate watcher started",
		"cert_file", w.certFile,
		"key_file", w.keyFile,
		"ca_file", w.caFile,
	)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !names[filepath.Base(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			w.logger.Debug("certificate file changed",
				"file", event.Name,
				"op", event.Op.String(),
			)
			if err := w.debouncedReload(); err != nil {
				w.logger.Error("certificate reload failed, keeping previous",
					"error", err,
					"cert_file", w.certFile,
				)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("certificate watcher error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) debouncedReload() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	now := time.Now()
	if now.Sub(w.lastReload) < w.debounce {
		return nil
	}
	w.lastReload = now

	// Small delay to let the writer finish.
	time.Sleep(100 * time.Millisecond)

	return w.reload()
}

func (w *Watcher) reload() error {
	cert, err := tls.LoadX509KeyPair(w.certFile, w.keyFile)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}
	pool, err := LoadPool(w.caFile)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.cert = &cert
	w.cas = pool.Pool()
	w.mu.Unlock()

	w.logger.Info("certificates loaded",
		"cert_file", w.certFile,
		"client_cas", pool.Len(),
	)
	return nil
}
