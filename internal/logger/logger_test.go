package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "info", Console: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.Debug("hidden")
	log.Info("stage complete", zap.String("stage", "vocals"))
	_ = log.Sync()

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "stage complete" || entry["stage"] != "vocals" || entry["level"] != "info" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "karaoke.log")
	var buf bytes.Buffer
	log, err := New(Config{Level: "debug", Console: &buf, OutputPath: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.Info("written to file")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte("written to file")) {
		t.Errorf("log file missing entry: %q", data)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
