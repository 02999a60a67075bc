package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDailyFile_WriteAndRotate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	day := time.Date(2024, 3, 9, 23, 59, 0, 0, time.Local)
	d, err := OpenDailyFile(dir, "securekv")
	if err != nil {
		t.Fatalf("OpenDailyFile: %v", err)
	}
	defer d.Close()
	d.now = func() time.Time { return day }

	if _, err := d.Write([]byte("first\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	first := filepath.Join(dir, "securekv-20240309.log")
	if d.Path() != first {
		t.Errorf("Path() = %q, want %q", d.Path(), first)
	}

	day = day.Add(2 * time.Minute)
	if _, err := d.Write([]byte("second\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	second := filepath.Join(dir, "securekv-20240310.log")
	if d.Path() != second {
		t.Errorf("Path() after midnight = %q, want %q", d.Path(), second)
	}

	for path, want := range map[string]string{first: "first", second: "second"} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if strings.TrimSpace(string(data)) != want {
			t.Errorf("%s = %q, want %q", path, data, want)
		}
	}
}

func TestDailyFile_Appends(t *testing.T) {
	dir := t.TempDir()
	for _, line := range []string{"a\n", "b\n"} {
		d, err := OpenDailyFile(dir, "app")
		if err != nil {
			t.Fatalf("OpenDailyFile: %v", err)
		}
		if _, err := d.Write([]byte(line)); err != nil {
			t.Fatalf("Write: %v", err)
		}
		d.Close()
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "app-*.log"))
	if len(matches) != 1 {
		t.Fatalf("got %d files, want 1", len(matches))
	}
	data, _ := os.ReadFile(matches[0])
	if string(data) != "a\nb\n" {
		t.Errorf("content = %q, want appended lines", data)
	}
}

func TestDailyFile_Errors(t *testing.T) {
	if _, err := OpenDailyFile(t.TempDir(), ""); err == nil {
		t.Error("expected error for empty prefix")
	}

	d, err := OpenDailyFile(t.TempDir(), "x")
	if err != nil {
		t.Fatalf("OpenDailyFile: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := d.Write([]byte("late")); err == nil {
		t.Error("Write after Close should fail")
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
