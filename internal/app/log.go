package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const redacted = "********"

// wlmHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<opID>\t<message>\t<key=value ...>
//
// Records at or above level go to w; records at or above errLevel are also
// copied to errW. Credentials are masked in both.
type wlmHandler struct {
	mu       *sync.Mutex
	w        io.Writer
	errW     io.Writer
	level    slog.Level
	errLevel slog.Level
	opID     string
	attrs    []slog.Attr
}

func (h *wlmHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level || (h.errW != nil && l >= h.errLevel)
}

func (h *wlmHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	ts := r.Time.UTC().Format("2006-01-02T15:04:05Z")
	fmt.Fprintf(&buf, "%s\t%s\t%s\t%s", ts, r.Level.String(), h.opID, redact(r.Message))

	for _, a := range h.attrs {
		writeAttr(&buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if r.Level >= h.level {
		if _, err := h.w.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	if h.errW != nil && r.Level >= h.errLevel {
		if _, err := h.errW.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func writeAttr(buf *bytes.Buffer, a slog.Attr) {
	if sensitiveKey(a.Key) {
		fmt.Fprintf(buf, "\t%s=%s", a.Key, redacted)
		return
	}
	fmt.Fprintf(buf, "\t%s=%s", a.Key, redact(a.Value.String()))
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "password") || strings.Contains(k, "secret")
}

// redact masks the value following a -password flag in a command line.
func redact(s string) string {
	if !strings.Contains(s, "-password") {
		return s
	}
	fields := strings.Fields(s)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case strings.HasPrefix(f, "-password="), strings.HasPrefix(f, "--password="):
			name, _, _ := strings.Cut(f, "=")
			fields[i] = name + "=" + redacted
		case f == "-password" || f == "--password":
			if i+1 < len(fields) {
				fields[i+1] = redacted
				i++
			}
		}
	}
	return strings.Join(fields, " ")
}

func (h *wlmHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &c
}

func (h *wlmHandler) WithGroup(string) slog.Handler { return h }

// parseLevel maps a config level name onto a slog level; empty means info.
func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// newLogger creates a structured logger that writes to logDir/wlm.log and
// copies warnings and errors to stderr.
// It returns the slog.Logger, the open log file (for cleanup), and any error.
func newLogger(logDir, opID, level string) (*slog.Logger, *os.File, error) {
	l, err := parseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	logPath := filepath.Join(logDir, "wlm.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	handler := &wlmHandler{
		mu:       &sync.Mutex{},
		w:        f,
		errW:     os.Stderr,
		level:    l,
		errLevel: slog.LevelWarn,
		opID:     opID,
	}
	return slog.New(handler), f, nil
}

// slogAdapter wraps *slog.Logger to satisfy the wlm.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
