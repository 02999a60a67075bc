package domain

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionIDPrefix marks connection session identifiers.
const SessionIDPrefix = "kvss-"

// GenerateSessionID generates a new session ID using ULID.
// Format: kvss-{ulid_lowercase}, 31 characters total.
func GenerateSessionID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", ErrInternal.WithCause(err)
	}
	return SessionIDPrefix + strings.ToLower(id.String()), nil
}

// IsValidSessionID checks if a string is a valid session ID.
func IsValidSessionID(id string) bool {
	id = strings.ToLower(id)
	if !strings.HasPrefix(id, SessionIDPrefix) || len(id) != len(SessionIDPrefix)+ulid.EncodedSize {
		return false
	}
	_, err := ulid.Parse(strings.ToUpper(id[len(SessionIDPrefix):]))
	return err == nil
}

// SessionTime extracts the creation time encoded in a session ID.
func SessionTime(id string) (time.Time, bool) {
	if !IsValidSessionID(id) {
		return time.Time{}, false
	}
	u, err := ulid.Parse(strings.ToUpper(id[len(SessionIDPrefix):]))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
