// Package logging provides the structured logger used by retrain commands.
//
// A Logger writes human-readable text to stderr and can additionally mirror
// every record to files attached at runtime, such as the stdout.log of a
// serialization directory. Loggers derived with With or through Slog share
// the attached files, so a file attached after the logger was handed out is
// still written to.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel accepts debug, info, warn, warning and error in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Config configures a Logger. The zero value logs Info and above to stderr.
type Config struct {
	Level Level

	// JSON switches the console output to JSON.
	JSON bool

	// Quiet disables the console output; attached files still receive records.
	Quiet bool

	// Writer replaces stderr as the console output.
	Writer io.Writer
}

// Logger fans records out to the console and to attached files.
type Logger struct {
	slog  *slog.Logger
	sinks *sinks
	opts  *slog.HandlerOptions
}

type sinks struct {
	mu      sync.RWMutex
	console slog.Handler
	files   []fileSink
}

type fileSink struct {
	file    *os.File
	handler slog.Handler
}

func (s *sinks) list() []slog.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]slog.Handler, 0, len(s.files)+1)
	if s.console != nil {
		out = append(out, s.console)
	}
	for _, fs := range s.files {
		out = append(out, fs.handler)
	}
	return out
}

// New returns a Logger configured by config.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
	s := &sinks{}

	if !config.Quiet {
		w := config.Writer
		if w == nil {
			w = os.Stderr
		}
		if config.JSON {
			s.console = slog.NewJSONHandler(w, opts)
		} else {
			s.console = slog.NewTextHandler(w, opts)
		}
	}

	return &Logger{
		slog:  slog.New(&multiHandler{sinks: s}),
		sinks: s,
		opts:  opts,
	}
}

// Discard returns a Logger that drops every record.
func Discard() *Logger {
	return New(Config{Quiet: true})
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a Logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), sinks: l.sinks, opts: l.opts}
}

// AttachFile mirrors all subsequent records to the file at path in text
// format. The file is appended to and created if needed. The returned detach
// func stops mirroring and closes the file; it is a no-op after Close.
func (l *Logger) AttachFile(path string) (detach func() error, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l.sinks.mu.Lock()
	l.sinks.files = append(l.sinks.files, fileSink{file: f, handler: slog.NewTextHandler(f, l.opts)})
	l.sinks.mu.Unlock()

	return func() error { return l.sinks.detach(f) }, nil
}

func (s *sinks) detach(f *os.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, fs := range s.files {
		if fs.file != f {
			continue
		}
		s.files = append(s.files[:i:i], s.files[i+1:]...)
		return closeFile(f)
	}
	return nil
}

func closeFile(f *os.File) error {
	var errs []error
	if err := f.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync log file: %w", err))
	}
	if err := f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log file: %w", err))
	}
	return errors.Join(errs...)
}

// Close syncs and closes every attached file. The console output keeps
// working afterwards.
func (l *Logger) Close() error {
	l.sinks.mu.Lock()
	defer l.sinks.mu.Unlock()

	var errs []error
	for _, fs := range l.sinks.files {
		errs = append(errs, closeFile(fs.file))
	}
	l.sinks.files = nil
	return errors.Join(errs...)
}

// multiHandler dispatches each record to every current sink. Attributes and
// groups added through WithAttrs and WithGroup are replayed on each sink at
// handling time so that sinks attached later see them too.
type multiHandler struct {
	sinks *sinks
	ops   []handlerOp
}

type handlerOp struct {
	attrs []slog.Attr
	group string
}

func (h *multiHandler) apply(base slog.Handler) slog.Handler {
	for _, op := range h.ops {
		if op.group != "" {
			base = base.WithGroup(op.group)
		} else {
			base = base.WithAttrs(op.attrs)
		}
	}
	return base
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range h.sinks.list() {
		if s.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, s := range h.sinks.list() {
		if !s.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.apply(s).Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(handlerOp{attrs: attrs})
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(handlerOp{group: name})
}

func (h *multiHandler) with(op handlerOp) *multiHandler {
	ops := make([]handlerOp, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &multiHandler{sinks: h.sinks, ops: append(ops, op)}
}
