// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package logregistry

import (
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// CAPI is the table of C-callable function pointers a module uses to
// reach the logging registry. A Go host executable cannot export symbols
// an externally dlopen'd .so could resolve via dlsym(RTLD_DEFAULT, ...);
// there is no cgo-free way to punch symbols back into the host binary.
// Helix instead passes this table explicitly as the single argument to a
// module's init entry point: `int init(const HelixLogApi*)`. The
// dispatcher contract itself (single dispatcher, dedup sink list, bounded
// queue, level filter, drain-on-register) is unchanged by the delivery
// mechanism.
type CAPI struct {
	Dispatch       uintptr // void (*)(const char* module, int level, const char* message)
	RegisterSink   uintptr // void (*)(void (*sink)(const char*, int, const char*))
	UnregisterSink uintptr // void (*)(void (*sink)(const char*, int, const char*))
	StatsGet       uintptr // void (*)(HelixLogStats*)
	MinLevelSet    uintptr // void (*)(int)
	MinLevelGet    uintptr // int (*)()
}

// NewCAPI builds the callback table bound to r, using purego.NewCallback
// to produce real C-callable function pointers a dlopen'd module can
// invoke directly.
func (r *Registry) NewCAPI() *CAPI {
	dispatch := purego.NewCallback(func(modulePtr *byte, level int32, messagePtr *byte) uintptr {
		r.Dispatch(cStr(modulePtr), Level(level), cStr(messagePtr))
		return 0
	})

	registerSink := purego.NewCallback(func(sinkFnPtr uintptr) uintptr {
		r.RegisterSink(sinkFromFnPtr(sinkFnPtr))
		return 0
	})

	unregisterSink := purego.NewCallback(func(sinkFnPtr uintptr) uintptr {
		r.UnregisterSink(sinkFromFnPtr(sinkFnPtr))
		return 0
	})

	statsGet := purego.NewCallback(func(out uintptr) uintptr {
		s := r.Stats()
		writeStats(out, s)
		return 0
	})

	minLevelSet := purego.NewCallback(func(level int32) uintptr {
		r.SetMinLevel(Level(level))
		return 0
	})

	minLevelGet := purego.NewCallback(func() uintptr {
		return uintptr(r.MinLevel())
	})

	return &CAPI{
		Dispatch:       dispatch,
		RegisterSink:   registerSink,
		UnregisterSink: unregisterSink,
		StatsGet:       statsGet,
		MinLevelSet:    minLevelSet,
		MinLevelGet:    minLevelGet,
	}
}

// nativeSinks keeps a stable *Sink per distinct native function pointer so
// repeated register/unregister calls for the same native sink dedup by
// identity. Modules may register sinks from their own worker threads, so
// the map takes a lock.
var nativeSinks = struct {
	mu sync.Mutex
	m  map[uintptr]*Sink
}{m: make(map[uintptr]*Sink)}

func sinkFromFnPtr(fn uintptr) *Sink {
	nativeSinks.mu.Lock()
	defer nativeSinks.mu.Unlock()
	if s, ok := nativeSinks.m[fn]; ok {
		return s
	}
	var sinkCall func(module *byte, level int32, message *byte)
	purego.RegisterFunc(&sinkCall, fn)
	s := &Sink{Fn: func(module string, level Level, message string) {
		m := cBytes(module)
		msg := cBytes(message)
		sinkCall(&m[0], int32(level), &msg[0])
	}}
	nativeSinks.m[fn] = s
	return s
}

func cBytes(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

func cStr(p *byte) string {
	if p == nil {
		return ""
	}
	n := 0
	for {
		b := *(*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(n)))
		if b == 0 {
			break
		}
		n++
	}
	return unsafe.String(p, n)
}

// writeStats marshals a Stats snapshot into the native HelixLogStats
// layout (eight uint64/int fields, in declaration order) at out.
func writeStats(out uintptr, s Stats) {
	if out == 0 {
		return
	}
	p := (*[8]uint64)(unsafe.Pointer(out))
	p[0] = s.Dispatched
	p[1] = s.Dropped
	p[2] = s.DroppedOverflow
	p[3] = s.DroppedFiltered
	p[4] = s.Queued
	p[5] = s.QueueCapacity
	p[6] = s.Sinks
	p[7] = uint64(s.MinLevel)
}
