// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging builds the process-wide structured logger for the companion
// service.
//
// The logger is a slog.Handler tree. Records go to stderr (text or JSON),
// optionally to a daily JSON file, and optionally to a LogExporter that
// ships them elsewhere:
//
//	logger := logging.New(logging.Config{
//	    Level:   slog.LevelInfo,
//	    LogDir:  "~/.aleutian/companion/logs",
//	    Service: "companion",
//	    Redact:  logging.DefaultRedactKeys,
//	})
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// Components never hold a *Logger. They log through the slog default, so the
// command that owns the process decides where records go, and the exporter
// sees everything the components emit.
//
// # Security Considerations
//
// User messages may contain crisis disclosures. Callers log lengths, languages
// and matched keywords, never full message bodies. Attributes whose key is in
// Config.Redact are replaced before any handler sees them, as a backstop.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// RedactedValue replaces the value of a redacted attribute.
const RedactedValue = "[REDACTED]"

// DefaultRedactKeys are attribute keys that carry user or model text.
var DefaultRedactKeys = []string{"message", "prompt", "reply", "content"}

// exportQueueSize bounds the records waiting for the exporter. Records beyond
// it are dropped and counted.
const exportQueueSize = 1024

// ParseLevel converts a config string ("debug", "info", "warn", "error") to a
// slog level. Empty means info. Unknown values yield info and an error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Config controls logger construction. The zero value logs Info and above as
// text to stderr.
type Config struct {
	Level slog.Level

	// LogDir enables a JSON log file named {service}_{date}.log. Supports ~.
	LogDir string

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON switches the console handler to JSON.
	JSON bool

	// Quiet disables console output. File and exporter output still apply.
	Quiet bool

	// Output overrides the console destination. Defaults to os.Stderr.
	Output io.Writer

	// Redact lists attribute keys whose values are replaced with
	// RedactedValue. Matching ignores case and applies inside groups.
	Redact []string

	Exporter LogExporter
}

// LogExporter receives a copy of every emitted record. Export runs on a
// single background goroutine, in record order.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error
	Flush(ctx context.Context) error
	Close() error
}

// LogEntry is the exporter's view of one record. Grouped attributes are
// flattened with dotted keys ("audit.outcome").
type LogEntry struct {
	Timestamp time.Time
	Level     slog.Level
	Message   string
	Attrs     map[string]any
}

// Logger owns the handler tree plus the file and exporter behind it.
type Logger struct {
	slog *slog.Logger
	file *os.File

	exporter LogExporter
	queueMu  sync.RWMutex
	queue    chan LogEntry // nil after Close
	drained  chan struct{}
	dropped  atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// New builds a Logger. File setup failures are not fatal: the logger keeps
// running without the file and reports the problem on the console.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{
		Level:       config.Level,
		ReplaceAttr: redactor(config.Redact),
	}

	logger := &Logger{}
	var handlers []slog.Handler

	if !config.Quiet {
		out := config.Output
		if out == nil {
			out = os.Stderr
		}
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	var fileErr error
	if config.LogDir != "" {
		file, err := openLogFile(config.LogDir, config.Service)
		if err != nil {
			fileErr = err
		} else {
			logger.file = file
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	if config.Exporter != nil {
		logger.exporter = config.Exporter
		logger.queue = make(chan LogEntry, exportQueueSize)
		logger.drained = make(chan struct{})
		go logger.drain(logger.queue)
		handlers = append(handlers, &exportHandler{
			level:   config.Level,
			replace: opts.ReplaceAttr,
			enqueue: logger.enqueue,
		})
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}
	logger.slog = slog.New(handler)

	if fileErr != nil {
		logger.slog.Warn("Log file disabled", "dir", config.LogDir, "error", fileErr)
	}
	return logger
}

func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if service == "" {
		service = "companion"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// Slog exposes the underlying slog.Logger, typically for slog.SetDefault.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Dropped reports how many records the exporter queue rejected.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close drains and flushes the exporter, then closes the log file. It is
// safe to call more than once; the first error wins.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		var errs []error

		if l.exporter != nil {
			l.queueMu.Lock()
			close(l.queue)
			l.queue = nil
			l.queueMu.Unlock()
			<-l.drained

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.exporter.Flush(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flush exporter: %w", err))
			}
			if err := l.exporter.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close exporter: %w", err))
			}
		}

		if l.file != nil {
			if err := l.file.Sync(); err != nil {
				errs = append(errs, fmt.Errorf("sync log file: %w", err))
			}
			if err := l.file.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close log file: %w", err))
			}
		}

		if len(errs) > 0 {
			l.closeErr = errs[0]
		}
	})
	return l.closeErr
}

// enqueue never blocks the logging goroutine. It reports false once Close
// has started or the queue is full.
func (l *Logger) enqueue(entry LogEntry) bool {
	l.queueMu.RLock()
	defer l.queueMu.RUnlock()
	if l.queue == nil {
		return false
	}
	select {
	case l.queue <- entry:
		return true
	default:
		l.dropped.Add(1)
		return false
	}
}

func (l *Logger) drain(queue <-chan LogEntry) {
	defer close(l.drained)
	for entry := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = l.exporter.Export(ctx, entry)
		cancel()
	}
}

// redactor returns a ReplaceAttr func hiding the values of keys, or nil.
func redactor(keys []string) func([]string, slog.Attr) slog.Attr {
	if len(keys) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = struct{}{}
	}
	return func(groups []string, a slog.Attr) slog.Attr {
		// The built-in message key is "msg"; only user attributes match.
		if len(groups) == 0 && a.Key == slog.MessageKey {
			return a
		}
		if _, ok := set[strings.ToLower(a.Key)]; ok && a.Value.Kind() != slog.KindGroup {
			return slog.String(a.Key, RedactedValue)
		}
		return a
	}
}

// =============================================================================
// Handlers
// =============================================================================

// multiHandler dispatches each record to every handler that accepts its level.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// exportHandler turns records into LogEntry values for the exporter queue.
type exportHandler struct {
	level   slog.Level
	replace func([]string, slog.Attr) slog.Attr
	enqueue func(LogEntry) bool

	// preset holds WithAttrs attributes, already flattened.
	preset map[string]any
	groups []string
}

func (h *exportHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *exportHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.preset)+r.NumAttrs())
	for k, v := range h.preset {
		attrs[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		h.flatten(attrs, h.groups, a)
		return true
	})
	h.enqueue(LogEntry{
		Timestamp: r.Time,
		Level:     r.Level,
		Message:   r.Message,
		Attrs:     attrs,
	})
	return nil
}

func (h *exportHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.preset = make(map[string]any, len(h.preset)+len(attrs))
	for k, v := range h.preset {
		next.preset[k] = v
	}
	for _, a := range attrs {
		h.flatten(next.preset, h.groups, a)
	}
	return &next
}

func (h *exportHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

func (h *exportHandler) flatten(dst map[string]any, groups []string, a slog.Attr) {
	if h.replace != nil && a.Value.Kind() != slog.KindGroup {
		a = h.replace(groups, a)
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		inner := groups
		if a.Key != "" {
			inner = append(append([]string(nil), groups...), a.Key)
		}
		for _, ga := range v.Group() {
			h.flatten(dst, inner, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + a.Key
	}
	dst[key] = v.Any()
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Exporters
// =============================================================================

// BufferedExporter keeps entries in memory.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{entries: make([]LogEntry, 0, 64)}
}

func (e *BufferedExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

func (e *BufferedExporter) Flush(context.Context) error { return nil }
func (e *BufferedExporter) Close() error                { return nil }

// Entries returns a copy of everything exported so far.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]LogEntry, len(e.entries))
	copy(result, e.entries)
	return result
}

var (
	_ LogExporter  = (*BufferedExporter)(nil)
	_ slog.Handler = (*multiHandler)(nil)
	_ slog.Handler = (*exportHandler)(nil)
)
