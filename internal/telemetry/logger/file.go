package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DailyFile is an io.Writer appending to <dir>/<prefix>-YYYYMMDD.log and
// switching files when the local date changes.
type DailyFile struct {
	dir    string
	prefix string
	now    func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

// OpenDailyFile creates dir if needed and opens today's file.
func OpenDailyFile(dir, prefix string) (*DailyFile, error) {
	if prefix == "" {
		return nil, fmt.Errorf("log file prefix is empty")
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	d := &DailyFile{dir: dir, prefix: prefix, now: time.Now}
	if err := d.rotate(d.now().Format("20060102")); err != nil {
		return nil, err
	}
	return d, nil
}

// Path returns the file currently written to.
func (d *DailyFile) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path(d.day)
}

func (d *DailyFile) path(day string) string {
	return filepath.Join(d.dir, d.prefix+"-"+day+".log")
}

// Write implements io.Writer.
func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return 0, os.ErrClosed
	}
	if day := d.now().Format("20060102"); day != d.day {
		if err := d.rotate(day); err != nil {
			return 0, err
		}
	}
	return d.file.Write(p)
}

// rotate must be called with mu held (or before the writer is shared).
func (d *DailyFile) rotate(day string) error {
	f, err := os.OpenFile(d.path(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if d.file != nil {
		_ = d.file.Close()
	}
	d.file = f
	d.day = day
	return nil
}

// Close closes the current file.
func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
