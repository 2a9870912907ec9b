// Package flightlog collects the user-facing messages raised during one flight.
//
// Messages are formatted by a pluggable PrintFunc (console, chat feed, ...)
// and every formatted line is retained so it can be sent with the landing
// notification.
package flightlog

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PrintFunc formats and emits one message. The returned string is what the
// log retains.
type PrintFunc func(msg string, t time.Time) string

// Format renders a message the way every print function does: a bracketed
// UTC timestamp followed by the message, or the bare message without a time.
func Format(msg string, t time.Time) string {
	if t.IsZero() {
		return msg
	}
	return fmt.Sprintf("[%sZ] %s", t.UTC().Format(time.DateTime), msg)
}

// SlogPrinter returns a PrintFunc that writes each message through logger.
func SlogPrinter(logger *slog.Logger) PrintFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(msg string, t time.Time) string {
		line := Format(msg, t)
		logger.Info(line)
		return line
	}
}

// Tee returns a PrintFunc that calls every fn in order and retains the line
// produced by the first one.
func Tee(fns ...PrintFunc) PrintFunc {
	return func(msg string, t time.Time) string {
		var line string
		for i, fn := range fns {
			if fn == nil {
				continue
			}
			out := fn(msg, t)
			if i == 0 {
				line = out
			}
		}
		if line == "" {
			line = Format(msg, t)
		}
		return line
	}
}

// Log is the per-flight message sink.
type Log struct {
	mu       sync.Mutex
	print    PrintFunc
	messages []string
}

// New creates a Log. A nil print function falls back to slog.Default.
func New(print PrintFunc) *Log {
	if print == nil {
		print = SlogPrinter(nil)
	}
	return &Log{print: print}
}

// Print emits a message stamped with t (the sample time, usually) and keeps it.
func (l *Log) Print(msg string, t time.Time) {
	line := l.print(msg, t)
	l.mu.Lock()
	l.messages = append(l.messages, line)
	l.mu.Unlock()
}

// Printf is Print with formatting.
func (l *Log) Printf(t time.Time, format string, args ...any) {
	l.Print(fmt.Sprintf(format, args...), t)
}

// Messages returns a copy of every retained line.
func (l *Log) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.messages...)
}

// Reset drops the retained lines.
func (l *Log) Reset() {
	l.mu.Lock()
	l.messages = nil
	l.mu.Unlock()
}
