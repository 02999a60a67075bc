package snapshot

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Encryption errors.
var (
	ErrPassphraseTooWeak = errors.New("snapshot: passphrase too weak (minimum 8 characters)")
	ErrDecryptionFailed  = errors.New("snapshot: decryption failed - wrong key or corrupted data")
	ErrKeyRequired       = errors.New("snapshot: file is encrypted but no encryption key is configured")
)

// Supported algorithms.
const (
	AlgorithmAESGCM   = "aes-gcm"
	AlgorithmChaCha20 = "chacha20-poly1305"
)

const (
	// MinPassphraseLength is the minimum passphrase length.
	MinPassphraseLength = 8

	// SaltLength is the salt length used in key derivation.
	SaltLength = 16

	// Argon2id parameters for stretching the passphrase.
	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32

	hkdfInfo = "securekv snapshot data v1"
)

// sealer holds an AEAD keyed for one salt.
type sealer struct {
	algorithm string
	salt      []byte
	aead      cipher.AEAD
}

// newSealer derives a data key from passphrase. A nil salt draws a fresh
// random one (write path); the read path passes the salt from the header.
func newSealer(passphrase []byte, algorithm string, salt []byte) (*sealer, error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, ErrPassphraseTooWeak
	}
	if algorithm == "" {
		algorithm = AlgorithmAESGCM
	}
	if salt == nil {
		salt = make([]byte, SaltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("snapshot: generate salt: %w", err)
		}
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer zeroKey(key)

	var aead cipher.AEAD
	switch algorithm {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("snapshot: aes: %w", err)
		}
		if aead, err = cipher.NewGCM(block); err != nil {
			return nil, fmt.Errorf("snapshot: gcm: %w", err)
		}
	case AlgorithmChaCha20:
		if aead, err = chacha20poly1305.New(key); err != nil {
			return nil, fmt.Errorf("snapshot: chacha20-poly1305: %w", err)
		}
	default:
		return nil, fmt.Errorf("snapshot: unsupported algorithm: %s", algorithm)
	}

	return &sealer{algorithm: algorithm, salt: salt, aead: aead}, nil
}

// deriveKey stretches the passphrase with Argon2id and expands the result
// into the data key with HKDF-SHA256.
func deriveKey(passphrase, salt []byte) ([]byte, error) {
	master := argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	defer zeroKey(master)

	reader := hkdf.New(sha256.New, master, salt, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("snapshot: derive key: %w", err)
	}
	return key, nil
}

// seal encrypts plaintext; the random nonce is prepended to the output.
func (s *sealer) seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

func (s *sealer) open(ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, ErrDecryptionFailed
	}
	nonce := ciphertext[:s.aead.NonceSize()]
	plain, err := s.aead.Open(nil, nonce, ciphertext[s.aead.NonceSize():], additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
