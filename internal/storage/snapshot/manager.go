package snapshot

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/yndnr/securekv/internal/core/domain"
)

var magicBytes = []byte("SKVSNAP1")

const (
	checksumSize  = 32
	headerVersion = 1

	// maxHeaderSize guards against allocating garbage lengths from a
	// damaged file.
	maxHeaderSize = 1 << 20
)

var (
	ErrInvalidMagic     = errors.New("snapshot: invalid magic bytes")
	ErrChecksumMismatch = errors.New("snapshot: checksum mismatch")
	ErrNotFound         = errors.New("snapshot: not found")
	ErrTruncated        = errors.New("snapshot: truncated file")
)

type snapshotHeader struct {
	Version     int    `json:"version"`
	CreatedAt   int64  `json:"created_at"`
	TableCount  int    `json:"table_count"`
	RecordCount int    `json:"record_count"`
	Encrypted   bool   `json:"encrypted"`
	Algorithm   string `json:"algorithm,omitempty"`
	Salt        []byte `json:"salt,omitempty"`
}

type snapshotData struct {
	Tables map[string][]domain.Record `json:"tables"`
}

// Config configures the snapshot manager.
type Config struct {
	// Passphrase enables encryption when non-empty.
	Passphrase []byte

	// Algorithm is AlgorithmAESGCM (default) or AlgorithmChaCha20.
	Algorithm string
}

// Info contains metadata about a snapshot file.
type Info struct {
	Path      string `json:"path"`
	Tables    int    `json:"tables"`
	Records   int    `json:"records"`
	CreatedAt int64  `json:"created_at"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"`
	Encrypted bool   `json:"encrypted"`
}

// Manager writes and reads snapshot files.
type Manager struct {
	cfg    Config
	sealer *sealer
}

// NewManager creates a manager. A configured passphrase is validated and
// its key derived once up front.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{cfg: cfg}
	if len(cfg.Passphrase) == 0 {
		return m, nil
	}

	s, err := newSealer(cfg.Passphrase, cfg.Algorithm, nil)
	if err != nil {
		return nil, err
	}
	m.sealer = s
	return m, nil
}

// Encrypted reports whether new snapshots are sealed.
func (m *Manager) Encrypted() bool {
	return m.sealer != nil
}

// Create writes tables to path atomically.
func (m *Manager) Create(path string, tables map[string][]domain.Record) (*Info, error) {
	now := time.Now()

	hdr := snapshotHeader{
		Version:    headerVersion,
		CreatedAt:  now.UnixMilli(),
		TableCount: len(tables),
		Encrypted:  m.sealer != nil,
	}
	for _, recs := range tables {
		hdr.RecordCount += len(recs)
	}
	if m.sealer != nil {
		hdr.Algorithm = m.sealer.algorithm
		hdr.Salt = m.sealer.salt
	}

	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal header: %w", err)
	}

	data, err := json.Marshal(snapshotData{Tables: sortedTables(tables)})
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal tables: %w", err)
	}
	if m.sealer != nil {
		if data, err = m.sealer.seal(data, hdrJSON); err != nil {
			return nil, fmt.Errorf("snapshot: encrypt: %w", err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}

	file, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("snapshot: create temp file: %w", err)
	}
	tempPath := file.Name()
	defer os.Remove(tempPath)

	hash := sha256.New()
	writer := bufio.NewWriter(io.MultiWriter(file, hash))

	var hdrLen [4]byte
	binary.BigEndian.PutUint32(hdrLen[:], uint32(len(hdrJSON)))
	var dataLen [8]byte
	binary.BigEndian.PutUint64(dataLen[:], uint64(len(data)))

	for _, chunk := range [][]byte{magicBytes, hdrLen[:], hdrJSON, dataLen[:], data} {
		if _, err := writer.Write(chunk); err != nil {
			file.Close()
			return nil, fmt.Errorf("snapshot: write: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return nil, fmt.Errorf("snapshot: write: %w", err)
	}

	// Checksum trailer is not part of the hash.
	sum := hash.Sum(nil)
	if _, err := file.Write(sum); err != nil {
		file.Close()
		return nil, fmt.Errorf("snapshot: write checksum: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("snapshot: close: %w", err)
	}

	stat, err := os.Stat(tempPath)
	if err != nil {
		return nil, err
	}

	if err := os.Rename(tempPath, path); err != nil {
		return nil, fmt.Errorf("snapshot: rename: %w", err)
	}
	syncDir(dir)

	return &Info{
		Path:      path,
		Tables:    hdr.TableCount,
		Records:   hdr.RecordCount,
		CreatedAt: hdr.CreatedAt,
		Size:      stat.Size(),
		Checksum:  hex.EncodeToString(sum),
		Encrypted: hdr.Encrypted,
	}, nil
}

// Load reads and verifies the snapshot at path. A missing file returns
// ErrNotFound; any other failure means the file is unusable.
func (m *Manager) Load(path string) (map[string][]domain.Record, *Info, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("snapshot: open: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if stat.Size() < int64(len(magicBytes))+4+8+checksumSize {
		return nil, nil, ErrTruncated
	}

	// Verify checksum.
	bodyLen := stat.Size() - checksumSize
	expected := make([]byte, checksumSize)
	if _, err := io.ReadFull(io.NewSectionReader(f, bodyLen, checksumSize), expected); err != nil {
		return nil, nil, err
	}
	h := sha256.New()
	if _, err := io.CopyN(h, io.NewSectionReader(f, 0, bodyLen), bodyLen); err != nil {
		return nil, nil, err
	}
	sum := h.Sum(nil)
	if !bytes.Equal(sum, expected) {
		return nil, nil, ErrChecksumMismatch
	}

	br := bufio.NewReader(io.NewSectionReader(f, 0, bodyLen))

	magic := make([]byte, len(magicBytes))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(magic, magicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var hdrLenBuf [4]byte
	if _, err := io.ReadFull(br, hdrLenBuf[:]); err != nil {
		return nil, nil, ErrTruncated
	}
	hdrLen := binary.BigEndian.Uint32(hdrLenBuf[:])
	if hdrLen == 0 || hdrLen > maxHeaderSize || int64(hdrLen) > bodyLen {
		return nil, nil, fmt.Errorf("snapshot: bad header length %d", hdrLen)
	}
	hdrJSON := make([]byte, hdrLen)
	if _, err := io.ReadFull(br, hdrJSON); err != nil {
		return nil, nil, ErrTruncated
	}

	var hdr snapshotHeader
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return nil, nil, fmt.Errorf("snapshot: unmarshal header: %w", err)
	}
	if hdr.Version != headerVersion {
		return nil, nil, fmt.Errorf("snapshot: unsupported version %d", hdr.Version)
	}

	var dataLenBuf [8]byte
	if _, err := io.ReadFull(br, dataLenBuf[:]); err != nil {
		return nil, nil, ErrTruncated
	}
	dataSize := binary.BigEndian.Uint64(dataLenBuf[:])
	remaining := bodyLen - int64(len(magicBytes)) - 4 - int64(hdrLen) - 8
	if dataSize != uint64(remaining) {
		return nil, nil, fmt.Errorf("snapshot: data length %d does not match file (%d)", dataSize, remaining)
	}
	data := make([]byte, dataSize)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, nil, ErrTruncated
	}

	if hdr.Encrypted {
		if len(m.cfg.Passphrase) == 0 {
			return nil, nil, ErrKeyRequired
		}
		s := m.sealer
		if s == nil || s.algorithm != hdr.Algorithm || !bytes.Equal(s.salt, hdr.Salt) {
			if s, err = newSealer(m.cfg.Passphrase, hdr.Algorithm, hdr.Salt); err != nil {
				return nil, nil, err
			}
		}
		if data, err = s.open(data, hdrJSON); err != nil {
			return nil, nil, err
		}
	}

	var decoded snapshotData
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, nil, fmt.Errorf("snapshot: unmarshal tables: %w", err)
	}
	if decoded.Tables == nil {
		decoded.Tables = map[string][]domain.Record{}
	}

	records := 0
	for _, recs := range decoded.Tables {
		records += len(recs)
	}

	return decoded.Tables, &Info{
		Path:      path,
		Tables:    len(decoded.Tables),
		Records:   records,
		CreatedAt: hdr.CreatedAt,
		Size:      stat.Size(),
		Checksum:  hex.EncodeToString(sum),
		Encrypted: hdr.Encrypted,
	}, nil
}

// sortedTables returns a copy with every table's records in key order so
// identical contents produce identical files.
func sortedTables(tables map[string][]domain.Record) map[string][]domain.Record {
	out := make(map[string][]domain.Record, len(tables))
	for name, recs := range tables {
		cp := make([]domain.Record, len(recs))
		copy(cp, recs)
		sort.Slice(cp, func(i, j int) bool { return cp[i].Key < cp[j].Key })
		out[name] = cp
	}
	return out
}

// syncDir flushes the directory entry after a rename. Errors are ignored:
// not every platform supports fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
