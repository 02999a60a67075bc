package domain

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2 parameters for login password hashing.
const (
	// Argon2Memory is the memory parameter in KB (16 MB).
	Argon2Memory uint32 = 16384

	// Argon2Time is the iteration count.
	Argon2Time uint32 = 2

	// Argon2Parallelism is the parallelism factor.
	Argon2Parallelism uint8 = 2

	// Argon2KeyLen is the output hash length in bytes.
	Argon2KeyLen uint32 = 32

	// Argon2SaltLen is the salt length in bytes.
	Argon2SaltLen = 16
)

// User is one entry of the users file. Identity is the certificate common
// name the entry admits.
type User struct {
	Identity string `koanf:"identity"`
	// PasswordHash, when set, requires the session to LOGIN before any
	// other command. Format: $argon2id$v=19$m=16384,t=2,p=2$<salt>$<hash>.
	PasswordHash string `koanf:"password_hash"`
	// AllowList restricts the client address (IP or CIDR). Empty means
	// no restriction beyond the global list.
	AllowList []string `koanf:"allow_list"`
	// RateLimit is commands per second shared by every session of this
	// identity. Zero falls back to the per-session limit.
	RateLimit int `koanf:"rate_limit"`
}

// RequiresLogin reports whether sessions of u must LOGIN first.
func (u *User) RequiresLogin() bool {
	return u.PasswordHash != ""
}

// Validate checks a users file entry.
func (u *User) Validate() error {
	if strings.TrimSpace(u.Identity) == "" {
		return ErrInvalidArgument.WithDetails("user identity is required")
	}
	if u.PasswordHash != "" {
		if _, err := parseArgon2Hash(u.PasswordHash); err != nil {
			return ErrInvalidArgument.WithDetails(fmt.Sprintf("user %s: %v", u.Identity, err))
		}
	}
	if err := ValidateAllowList(u.AllowList); err != nil {
		return ErrInvalidArgument.WithDetails(fmt.Sprintf("user %s: %v", u.Identity, err))
	}
	if u.RateLimit < 0 {
		return ErrInvalidArgument.WithDetails(fmt.Sprintf("user %s: rate_limit must not be negative", u.Identity))
	}
	return nil
}

// ValidateAllowList checks that every entry is an IP address or a CIDR.
func ValidateAllowList(entries []string) error {
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("invalid CIDR %q", entry)
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return fmt.Errorf("invalid IP %q", entry)
		}
	}
	return nil
}

// HashPassword derives an Argon2id hash in PHC string format.
func HashPassword(password string) (string, error) {
	salt := make([]byte, Argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", ErrInternal.WithCause(err)
	}

	hash := argon2.IDKey([]byte(password), salt, Argon2Time, Argon2Memory, Argon2Parallelism, Argon2KeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, Argon2Memory, Argon2Time, Argon2Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword checks password against an Argon2id hash produced by
// HashPassword. Malformed hashes never match.
func VerifyPassword(password, hash string) bool {
	p, err := parseArgon2Hash(hash)
	if err != nil {
		return false
	}
	computed := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.threads, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(computed, p.key) == 1
}

type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

func parseArgon2Hash(hash string) (*argon2Params, error) {
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, fmt.Errorf("password_hash is not a PHC string")
	}
	if parts[1] != "argon2id" {
		return nil, fmt.Errorf("password_hash algorithm %q is not argon2id", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, fmt.Errorf("password_hash version %q is not supported", parts[2])
	}

	var p argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return nil, fmt.Errorf("password_hash parameters %q: %w", parts[3], err)
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return nil, fmt.Errorf("password_hash parameters %q out of range", parts[3])
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(p.salt) == 0 {
		return nil, fmt.Errorf("password_hash salt is not valid base64")
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(p.key) == 0 {
		return nil, fmt.Errorf("password_hash key is not valid base64")
	}
	return &p, nil
}
