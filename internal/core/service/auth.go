package service

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"golang.org/x/time/rate"

	"github.com/yndnr/securekv/internal/core/domain"
)

// AuthorizerConfig configures identity authorization.
type AuthorizerConfig struct {
	// UsersFile is a YAML file with a top-level "users" list. Empty admits
	// every identity whose certificate verified.
	UsersFile string
	// GlobalAllowlist is the client IP/CIDR allowlist applied to every
	// identity (empty = no restriction).
	GlobalAllowlist []string
	Logger          *slog.Logger
}

// Grant is the outcome of admitting a connection.
type Grant struct {
	Identity      string
	LoginRequired bool
	// Limiter is shared by every session of the identity, or nil when the
	// identity has no rate limit of its own.
	Limiter *rate.Limiter
}

// Authorizer decides which verified identities may open sessions. It runs
// after the TLS handshake and never replaces certificate verification.
type Authorizer struct {
	cfg      AuthorizerConfig
	logger   *slog.Logger
	limiters *RateLimiterRegistry

	mu    sync.RWMutex
	users map[string]domain.User // nil: no users file
}

// NewAuthorizer creates an authorizer and loads the users file, if any.
func NewAuthorizer(cfg AuthorizerConfig) (*Authorizer, error) {
	if err := domain.ValidateAllowList(cfg.GlobalAllowlist); err != nil {
		return nil, fmt.Errorf("global allowlist: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	a := &Authorizer{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "auth"),
		limiters: NewRateLimiterRegistry(),
	}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload re-reads the users file. On error the previous directory stays
// in effect.
func (a *Authorizer) Reload() error {
	if a.cfg.UsersFile == "" {
		return nil
	}

	list, err := LoadUsers(a.cfg.UsersFile)
	if err != nil {
		return err
	}
	users := make(map[string]domain.User, len(list))
	for _, u := range list {
		users[u.Identity] = u
	}

	a.mu.Lock()
	a.users = users
	a.mu.Unlock()
	// Limits may have changed; sessions opened from now on pick up the
	// new values.
	a.limiters.Clear()

	a.logger.Info("users loaded", "path", a.cfg.UsersFile, "users", len(users))
	return nil
}

// LoadUsers reads and validates a users file.
func LoadUsers(path string) ([]domain.User, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load users file %s: %w", path, err)
	}

	var users []domain.User
	if err := k.Unmarshal("users", &users); err != nil {
		return nil, fmt.Errorf("decode users file %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(users))
	for i := range users {
		users[i].Identity = strings.TrimSpace(users[i].Identity)
		if err := users[i].Validate(); err != nil {
			return nil, fmt.Errorf("users file %s: entry %d: %w", path, i, err)
		}
		if _, dup := seen[users[i].Identity]; dup {
			return nil, fmt.Errorf("users file %s: duplicate identity %q", path, users[i].Identity)
		}
		seen[users[i].Identity] = struct{}{}
	}
	return users, nil
}

// Admit checks a verified identity connecting from remoteAddr.
func (a *Authorizer) Admit(identity, remoteAddr string) (*Grant, error) {
	a.mu.RLock()
	users := a.users
	a.mu.RUnlock()

	grant := &Grant{Identity: identity}

	var allow []string
	if users != nil {
		u, ok := users[identity]
		if !ok {
			return nil, domain.ErrIdentityNotAllowed.WithDetails(identity)
		}
		allow = u.AllowList
		grant.LoginRequired = u.RequiresLogin()
		if u.RateLimit > 0 {
			grant.Limiter = a.limiters.GetOrCreate(identity, u.RateLimit)
		}
	}

	if err := a.checkIPAllowlist(hostOf(remoteAddr), allow); err != nil {
		return nil, err
	}
	return grant, nil
}

// Login verifies credentials for sess. The user must be the identity the
// session's certificate was issued to.
func (a *Authorizer) Login(sess *Session, user, password string) error {
	a.mu.RLock()
	users := a.users
	a.mu.RUnlock()

	if users == nil {
		return domain.ErrInvalidCredentials.WithDetails("login is not enabled")
	}
	if user != sess.Identity {
		return domain.ErrInvalidCredentials.WithDetails("user does not match the client certificate")
	}
	u, ok := users[user]
	if !ok || !u.RequiresLogin() || !domain.VerifyPassword(password, u.PasswordHash) {
		return domain.ErrInvalidCredentials
	}

	sess.SetUser(user)
	return nil
}

// checkIPAllowlist checks the client IP against the global list and the
// identity's own list. Both must admit it.
func (a *Authorizer) checkIPAllowlist(clientIP string, identityAllow []string) error {
	if len(a.cfg.GlobalAllowlist) == 0 && len(identityAllow) == 0 {
		return nil
	}

	ip := net.ParseIP(clientIP)
	if ip == nil {
		return domain.ErrIPNotAllowed.WithDetails("invalid client IP format")
	}
	if len(a.cfg.GlobalAllowlist) > 0 && !ipAllowed(ip, a.cfg.GlobalAllowlist) {
		return domain.ErrIPNotAllowed.WithDetails(clientIP)
	}
	if len(identityAllow) > 0 && !ipAllowed(ip, identityAllow) {
		return domain.ErrIPNotAllowed.WithDetails(clientIP)
	}
	return nil
}

func ipAllowed(ip net.IP, allowlist []string) bool {
	for _, entry := range allowlist {
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err == nil && ipNet.Contains(ip) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// ============================================================================
// RateLimiterRegistry
// ============================================================================

// RateLimiterRegistry holds one limiter per identity.
type RateLimiterRegistry struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiterRegistry creates an empty registry.
func NewRateLimiterRegistry() *RateLimiterRegistry {
	return &RateLimiterRegistry{
		limiters: make(map[string]*rate.Limiter),
	}
}

// GetOrCreate returns the limiter for id, creating one that allows
// perSecond commands with an equal burst.
func (r *RateLimiterRegistry) GetOrCreate(id string, perSecond int) *rate.Limiter {
	r.mu.RLock()
	limiter, exists := r.limiters[id]
	r.mu.RUnlock()
	if exists {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, exists := r.limiters[id]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	r.limiters[id] = limiter
	return limiter
}

// Clear drops every limiter.
func (r *RateLimiterRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters = make(map[string]*rate.Limiter)
}
