package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDiscardByDefault(t *testing.T) {
	for _, config := range []*Config{nil, {}} {
		l := Setup(config)
		l.New("store").Printf("hello")
		if err := l.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}
}

func TestVerboseWritesStderr(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&Config{Verbose: true, Stderr: &buf})

	l.New("feed").Printf("client connected")

	if got := buf.String(); !strings.Contains(got, "[feed] ") || !strings.Contains(got, "client connected") {
		t.Errorf("stderr = %q", got)
	}
}

func TestFileAndStderr(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "tandem.log")
	l := Setup(&Config{File: path, Verbose: true, Stderr: &buf})

	l.New("sqlite").Printf("opened %s", "tandem.db")
	l.New("store").Printf("fetched tasks")
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	for _, want := range []string{"[sqlite] ", "opened tandem.db", "[store] ", "fetched tasks"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log file missing %q:\n%s", want, data)
		}
		if !strings.Contains(buf.String(), want) {
			t.Errorf("stderr missing %q", want)
		}
	}
}
