// Package hlog provides Helix's ambient operational logging interface.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package hlog

import (
	"fmt"
	"os"
	"sync"

	"github.com/agilira/go-timecache"
)

// Logger is the pluggable logging interface used by every Helix component
// for its own operational diagnostics. It is deliberately zero-dependency
// at the interface level so callers can adapt any backend.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// NoOpLogger discards everything. Useful for tests and minimal setups.
type NoOpLogger struct{}

func NewNoOpLogger() *NoOpLogger { return &NoOpLogger{} }

func (NoOpLogger) Debug(string, ...any)  {}
func (NoOpLogger) Info(string, ...any)   {}
func (NoOpLogger) Warn(string, ...any)   {}
func (NoOpLogger) Error(string, ...any)  {}
func (n *NoOpLogger) With(...any) Logger { return n }

// TestLogger records every call for assertion in unit tests. Loggers
// derived via With share the root's Entries slice, so scoped calls remain
// observable on the logger the test constructed.
type TestLogger struct {
	mu      sync.Mutex
	Entries []TestEntry
	root    *TestLogger
	ctx     []any
}

type TestEntry struct {
	Level string
	Msg   string
	Args  []any
}

func NewTestLogger() *TestLogger { return &TestLogger{} }

func (l *TestLogger) sink() *TestLogger {
	if l.root != nil {
		return l.root
	}
	return l
}

func (l *TestLogger) log(level, msg string, args ...any) {
	r := l.sink()
	r.mu.Lock()
	defer r.mu.Unlock()
	all := append(append([]any{}, l.ctx...), args...)
	r.Entries = append(r.Entries, TestEntry{Level: level, Msg: msg, Args: all})
}

func (l *TestLogger) Debug(msg string, args ...any) { l.log("debug", msg, args...) }
func (l *TestLogger) Info(msg string, args ...any)  { l.log("info", msg, args...) }
func (l *TestLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args...) }
func (l *TestLogger) Error(msg string, args ...any) { l.log("error", msg, args...) }

func (l *TestLogger) With(args ...any) Logger {
	return &TestLogger{root: l.sink(), ctx: append(append([]any{}, l.ctx...), args...)}
}

// StdLogger writes structured lines to a file (stderr by default), stamped
// with a cached timestamp to avoid a syscall per log line on the daemon's
// hottest paths (module install/enable/start churn).
type StdLogger struct {
	mu  *sync.Mutex
	out *os.File
	ctx []any
}

func NewStdLogger(out *os.File) *StdLogger {
	if out == nil {
		out = os.Stderr
	}
	return &StdLogger{mu: &sync.Mutex{}, out: out}
}

func (l *StdLogger) write(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := timecache.CachedTime().Format("2006-01-02T15:04:05.000Z07:00")
	fmt.Fprintf(l.out, "%s level=%s msg=%q", ts, level, msg)
	all := append(append([]any{}, l.ctx...), args...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(l.out, " %v=%v", all[i], all[i+1])
	}
	fmt.Fprintln(l.out)
}

func (l *StdLogger) Debug(msg string, args ...any) { l.write("debug", msg, args...) }
func (l *StdLogger) Info(msg string, args ...any)  { l.write("info", msg, args...) }
func (l *StdLogger) Warn(msg string, args ...any)  { l.write("warn", msg, args...) }
func (l *StdLogger) Error(msg string, args ...any) { l.write("error", msg, args...) }

func (l *StdLogger) With(args ...any) Logger {
	return &StdLogger{mu: l.mu, out: l.out, ctx: append(append([]any{}, l.ctx...), args...)}
}
