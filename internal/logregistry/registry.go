// Package logregistry is the process-wide, multi-sink, bounded-queue log
// dispatcher that modules push log messages through. The sink list is
// copied under the lock and the fan-out happens outside it, so a sink may
// itself log without deadlocking the dispatcher.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package logregistry

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/alexdev-tb/helix/internal/hlog"
)

// Level is the ordered logging level enum.
type Level int

const (
	Debug Level = 0
	Info  Level = 1
	Warn  Level = 2
	Error Level = 3
)

const defaultQueueCapacity = 256
const defaultMinLevel = Info

// Sink receives fanned-out log messages. Registered/unregistered by
// identity: Go function values are not comparable, so sinks are
// registered as a *Sink wrapper whose pointer identity is the dedup key.
type Sink struct {
	Fn func(module string, level Level, message string)
}

type entry struct {
	module  string
	level   Level
	message string
}

// Registry is the logging dispatcher. The process-wide instance returned
// by Singleton reads HELIX_LOG_QUEUE_CAP / HELIX_LOG_MIN_LEVEL from the
// environment exactly once, when it is constructed; New reads no
// environment and takes both values as arguments.
type Registry struct {
	mu    sync.Mutex
	sinks []*Sink
	queue []entry

	capacity int
	minLevel atomic.Int32

	dispatched      atomic.Uint64
	dropped         atomic.Uint64
	droppedOverflow atomic.Uint64
	droppedFiltered atomic.Uint64

	logger hlog.Logger
}

var (
	singleton     *Registry
	singletonOnce sync.Once
)

// Singleton returns the process-wide registry, constructing it on first
// call from the environment.
func Singleton() *Registry {
	singletonOnce.Do(func() {
		singleton = newFromEnv(hlog.NewNoOpLogger())
	})
	return singleton
}

// New constructs an independent registry with an explicit capacity and
// min level (used by helixd, which takes both from its config, and by
// tests that must not share process-wide state).
func New(capacity int, minLevel Level, logger hlog.Logger) *Registry {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if logger == nil {
		logger = hlog.NewNoOpLogger()
	}
	r := &Registry{capacity: capacity, logger: logger}
	r.minLevel.Store(int32(clampLevel(minLevel)))
	return r
}

func newFromEnv(logger hlog.Logger) *Registry {
	cap := defaultQueueCapacity
	if v := os.Getenv("HELIX_LOG_QUEUE_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cap = n
		}
	}
	lvl := defaultMinLevel
	if v := os.Getenv("HELIX_LOG_MIN_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			lvl = clampLevel(Level(n))
		}
	}
	return New(cap, lvl, logger)
}

func clampLevel(l Level) Level {
	if l < Debug {
		return Debug
	}
	if l > Error {
		return Error
	}
	return l
}

// Dispatch is the producer-side entry point: modules call this (via the
// logging C-ABI shim) to emit a message.
func (r *Registry) Dispatch(module string, level Level, message string) {
	r.mu.Lock()

	if len(r.sinks) == 0 {
		if len(r.queue) >= r.capacity {
			r.mu.Unlock()
			r.dropped.Add(1)
			r.droppedOverflow.Add(1)
			return
		}
		r.queue = append(r.queue, entry{module, level, message})
		r.mu.Unlock()
		return
	}

	if int(level) < int(r.minLevel.Load()) {
		r.mu.Unlock()
		r.dropped.Add(1)
		r.droppedFiltered.Add(1)
		return
	}

	snapshot := append([]*Sink(nil), r.sinks...)
	r.mu.Unlock()

	r.fanOut(snapshot, module, level, message)
	r.dispatched.Add(1)
}

func (r *Registry) fanOut(sinks []*Sink, module string, level Level, message string) {
	for _, s := range sinks {
		sink := s
		hlog.SafeCall(r.logger, func() {
			sink.Fn(module, level, message)
		})
	}
}

// RegisterSink adds fn, deduplicated by pointer identity. If this is the
// first sink, or the queue is non-empty, every queued message is drained:
// re-filtered and fanned out in original production order.
func (r *Registry) RegisterSink(s *Sink) {
	r.mu.Lock()
	for _, existing := range r.sinks {
		if existing == s {
			r.mu.Unlock()
			return
		}
	}
	r.sinks = append(r.sinks, s)
	drained := r.queue
	r.queue = nil
	sinksSnapshot := append([]*Sink(nil), r.sinks...)
	minLevel := Level(r.minLevel.Load())
	r.mu.Unlock()

	for _, e := range drained {
		if int(e.level) < int(minLevel) {
			r.dropped.Add(1)
			r.droppedFiltered.Add(1)
			continue
		}
		r.fanOut(sinksSnapshot, e.module, e.level, e.message)
		r.dispatched.Add(1)
	}
}

// UnregisterSink removes s by identity; idempotent.
func (r *Registry) UnregisterSink(s *Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.sinks {
		if existing == s {
			r.sinks = append(r.sinks[:i], r.sinks[i+1:]...)
			return
		}
	}
}

// Stats is a point-in-time snapshot of every dispatcher counter.
type Stats struct {
	Dispatched      uint64
	Dropped         uint64
	DroppedOverflow uint64
	DroppedFiltered uint64
	Queued          uint64
	QueueCapacity   uint64
	Sinks           uint64
	MinLevel        int
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	queued := len(r.queue)
	sinks := len(r.sinks)
	r.mu.Unlock()
	return Stats{
		Dispatched:      r.dispatched.Load(),
		Dropped:         r.dropped.Load(),
		DroppedOverflow: r.droppedOverflow.Load(),
		DroppedFiltered: r.droppedFiltered.Load(),
		Queued:          uint64(queued),
		QueueCapacity:   uint64(r.capacity),
		Sinks:           uint64(sinks),
		MinLevel:        int(r.minLevel.Load()),
	}
}

func (r *Registry) SetMinLevel(l Level) { r.minLevel.Store(int32(clampLevel(l))) }
func (r *Registry) MinLevel() Level     { return Level(r.minLevel.Load()) }
