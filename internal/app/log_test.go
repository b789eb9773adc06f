package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestHandler(w, errW *bytes.Buffer, level slog.Level) *wlmHandler {
	h := &wlmHandler{mu: &sync.Mutex{}, w: w, level: level, errLevel: slog.LevelWarn, opID: "op-1"}
	if errW != nil {
		h.errW = errW
	}
	return h
}

func TestWlmHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			level:   slog.LevelInfo,
			message: "snapshot available",
			want:    "2024-06-15T14:30:45Z\tINFO\top-1\tsnapshot available\n",
		},
		{
			name:    "with record attrs",
			level:   slog.LevelInfo,
			message: "artifact committed",
			attrs:   []slog.Attr{slog.String("vm", "vm-a"), slog.Int("bytes", 42)},
			want:    "2024-06-15T14:30:45Z\tINFO\top-1\tartifact committed\tvm=vm-a\tbytes=42\n",
		},
		{
			name:    "password attr is masked",
			level:   slog.LevelWarn,
			message: "connect",
			attrs:   []slog.Attr{slog.String("password", "hunter2")},
			want:    "2024-06-15T14:30:45Z\tWARN\top-1\tconnect\tpassword=********\n",
		},
		{
			name:    "password flag in a command line is masked",
			level:   slog.LevelDebug,
			message: "running disk tool",
			attrs:   []slog.Attr{slog.String("args", "-host esx1 -user root -password hunter2 -mode nbdssl")},
			want:    "2024-06-15T14:30:45Z\tDEBUG\top-1\trunning disk tool\targs=-host esx1 -user root -password ******** -mode nbdssl\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newTestHandler(&buf, nil, slog.LevelDebug)

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestWlmHandler_Levels(t *testing.T) {
	var file, stderr bytes.Buffer
	logger := slog.New(newTestHandler(&file, &stderr, slog.LevelInfo))

	logger.Debug("hidden")
	logger.Info("to file")
	logger.Warn("to both")

	if strings.Contains(file.String(), "hidden") {
		t.Errorf("debug record written at info level: %q", file.String())
	}
	if !strings.Contains(file.String(), "to file") || !strings.Contains(file.String(), "to both") {
		t.Errorf("file output = %q", file.String())
	}
	if strings.Contains(stderr.String(), "to file") || !strings.Contains(stderr.String(), "to both") {
		t.Errorf("stderr output = %q, want only warnings", stderr.String())
	}
}

func TestWlmHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newTestHandler(&buf, nil, slog.LevelDebug)
	h.attrs = []slog.Attr{slog.String("a", "1")}

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "vault")}).(*wlmHandler)
	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}

	r := slog.NewRecord(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), slog.LevelInfo, "upload", 0)
	r.AddAttrs(slog.String("key", "abc"))
	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "component=vault") || !strings.Contains(got, "key=abc") {
		t.Errorf("expected pre-set and record attrs, got: %q", got)
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"no secrets here", "no secrets here"},
		{"-password=abc -x", "-password=******** -x"},
		{"--password abc", "--password ********"},
		{"trailing -password", "trailing -password"},
	}
	for _, tt := range tests {
		if got := redact(tt.in); got != tt.want {
			t.Errorf("redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{"": slog.LevelInfo, "debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError} {
		got, err := parseLevel(in)
		if err != nil || got != want {
			t.Errorf("parseLevel(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Error("parseLevel(loud) succeeded")
	}
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()

	logger, f, err := newLogger(dir, "test-op", "debug")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	logger.Info("hello")
	data, err := os.ReadFile(filepath.Join(dir, "wlm.log"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "\ttest-op\thello") {
		t.Errorf("log file = %q", data)
	}

	if _, _, err := newLogger(dir, "test-op", "loud"); err == nil {
		t.Error("newLogger() with invalid level succeeded")
	}
}
