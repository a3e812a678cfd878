package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jharlan/mailrelay/internal/config"
)

func TestNewWriter_DefaultsToStdout(t *testing.T) {
	for _, output := range []string{"", "stdout"} {
		w := NewWriter(config.LoggingConfig{Output: output})
		nc, ok := w.(nopCloser)
		if !ok {
			t.Fatalf("Output=%q: expected a standard-stream writer, got %T", output, w)
		}
		if nc.Writer != os.Stdout {
			t.Errorf("Output=%q: expected stdout", output)
		}
		if err := w.Close(); err != nil {
			t.Errorf("Output=%q: Close() = %v, want nil", output, err)
		}
	}
}

func TestNewWriter_Stderr(t *testing.T) {
	w := NewWriter(config.LoggingConfig{Output: "stderr"})
	nc, ok := w.(nopCloser)
	if !ok {
		t.Fatalf("expected a standard-stream writer, got %T", w)
	}
	if nc.Writer != os.Stderr {
		t.Error("expected stderr")
	}
}

func TestNewWriter_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.log")

	w := NewWriter(config.LoggingConfig{
		Output:     path,
		MaxSizeMB:  1,
		MaxBackups: 2,
		MaxAgeDays: 7,
	})

	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("file content = %q, want %q", string(data), "hello\n")
	}
}

func TestNewWriter_RotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.log")

	w := NewWriter(config.LoggingConfig{
		Output:     path,
		MaxSizeMB:  1,
		MaxBackups: 2,
		MaxAgeDays: 7,
	})
	defer w.Close()

	// Two writes that together exceed 1 MB force one rotation.
	chunk := []byte(strings.Repeat("x", 700*1024))
	if _, err := w.Write(chunk); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := w.Write(chunk); err != nil {
		t.Fatalf("second write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) < 2 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected the live file plus a rotated backup, got %v", names)
	}

	// Close does not stop lumberjack's background compression of the
	// rotated backup; wait for it to finish so the TempDir cleanup does
	// not race with the .gz being written.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		uncompressed := false
		files, _ := os.ReadDir(dir)
		for _, f := range files {
			if name := f.Name(); name != filepath.Base(path) && !strings.HasSuffix(name, ".gz") {
				uncompressed = true
				break
			}
		}
		if !uncompressed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
}
