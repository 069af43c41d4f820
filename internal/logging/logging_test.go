package logging

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/neurofusion/server/internal/config"
)

func TestSetup_File(t *testing.T) {
	defer log.SetOutput(os.Stderr)

	path := filepath.Join(t.TempDir(), "logs", "neurofusion.log")
	closer := Setup(config.LogConfig{File: path, MaxSizeMB: 1, MaxAgeDays: 1})
	log.Printf("[test] hello")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "[test] hello") {
		t.Errorf("log file missing message: %q", data)
	}
}

func TestSetup_NoFile(t *testing.T) {
	if err := Setup(config.LogConfig{}).Close(); err != nil {
		t.Fatal(err)
	}
}
