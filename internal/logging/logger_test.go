package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewFormats(t *testing.T) {
	var text bytes.Buffer
	logger, closeFn, err := New(Options{Level: "info", Output: &text})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = closeFn() }()
	logger.Info("wrote series", "files", 3)
	logger.Debug("hidden")
	if got := text.String(); !strings.Contains(got, "msg=\"wrote series\"") || !strings.Contains(got, "files=3") {
		t.Errorf("text output = %q", got)
	}
	if strings.Contains(text.String(), "hidden") {
		t.Error("debug record must be filtered at info level")
	}

	var js bytes.Buffer
	logger, _, err = New(Options{Level: "warn", Format: "json", Output: &js})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Warn("skipped unreadable files", "count", 2)
	var rec map[string]any
	if err := json.Unmarshal(js.Bytes(), &rec); err != nil {
		t.Fatalf("json output %q: %v", js.String(), err)
	}
	if rec["msg"] != "skipped unreadable files" || rec["count"] != float64(2) {
		t.Errorf("record = %v", rec)
	}
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "lungmask.log")
	var out bytes.Buffer
	logger, closeFn, err := New(Options{Output: &out, File: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("done")
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(data), "msg=done") {
		t.Errorf("log file = %q (%v)", data, err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warning ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestNewRejectsFormat(t *testing.T) {
	if _, _, err := New(Options{Format: "xml"}); err == nil {
		t.Error("expected error for unsupported format")
	}
}
