// Package loader opens native module libraries, resolves their four
// lifecycle symbols, and invokes them.
//
// Go has no cgo-free standard-library dlopen, so the FFI boundary is
// built on github.com/ebitengine/purego. Globally visible symbol binding
// is requested so later-loaded modules can see earlier modules' C-ABI
// exports.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package loader

import (
	"sync"

	"github.com/ebitengine/purego"

	"github.com/alexdev-tb/helix/internal/herrors"
	"github.com/alexdev-tb/helix/internal/manifest"
)

// lifecycleFn matches the `int fn(void)` C-ABI shape used by start/stop.
type lifecycleFn func() int32

// initFn matches the `int init(const HelixLogApi*)` C-ABI shape; the
// single argument carries the logging API table described on
// logregistry.CAPI.
type initFn func(uintptr) int32

// destroyFn matches the `void fn(void)` C-ABI shape used by destroy.
type destroyFn func()

// handle is the opaque owning resource for one loaded module: the library
// handle plus its four resolved function pointers, released as a unit.
type handle struct {
	lib uintptr

	init    initFn
	start   lifecycleFn
	stop    lifecycleFn
	destroy destroyFn

	initialized bool
	running     bool
}

// Loader tracks live handles, keyed by module name. All operations are
// expected to be called from the single control thread; the mutex here
// only guards the map against incidental concurrent reads (e.g. a status
// query running as the daemon begins a transition).
type Loader struct {
	mu      sync.Mutex
	handles map[string]*handle
}

func New() *Loader {
	return &Loader{handles: make(map[string]*handle)}
}

// Load opens the native library at path, resolves the four entry points
// named by ep, and registers it under name with RTLD_NOW|RTLD_GLOBAL
// binding. On any symbol-resolution failure the handle is closed and the
// missing symbol is named in the returned error.
func (l *Loader) Load(name, path string, ep manifest.EntryPoints) error {
	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return herrors.Wrap(err, herrors.LoadFailed, "open native library").WithContext("name", name).WithContext("path", path)
	}

	h := &handle{lib: lib}

	symbols := []struct {
		name string
		fn   interface{}
	}{
		{ep.Init, &h.init},
		{ep.Start, &h.start},
		{ep.Stop, &h.stop},
		{ep.Destroy, &h.destroy},
	}
	for _, s := range symbols {
		if err := registerSymbol(lib, s.name, s.fn); err != nil {
			purego.Dlclose(lib)
			return herrors.Wrap(err, herrors.SymbolMissing, "resolve entry point symbol").
				WithContext("name", name).WithContext("symbol", s.name)
		}
	}

	l.mu.Lock()
	l.handles[name] = h
	l.mu.Unlock()
	return nil
}

// registerSymbol binds the named C symbol to the Go function pointer fn
// (one of *initFn, *lifecycleFn, *destroyFn), surfacing a recoverable
// error instead of purego's panic-on-missing-symbol default.
func registerSymbol(lib uintptr, symName string, fn interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = herrors.New(herrors.SymbolMissing, "symbol not found").WithContext("symbol", symName)
		}
	}()
	purego.RegisterLibFunc(fn, lib, symName)
	return nil
}

// Initialize calls init with the logging CAPI table pointer (0 if the
// daemon was built without a logging registry, e.g. in tests); sets
// initialized=true on a zero return.
func (l *Loader) Initialize(name string, logAPI uintptr) error {
	h, err := l.get(name)
	if err != nil {
		return err
	}
	rc := h.init(logAPI)
	if rc != 0 {
		return herrors.New(herrors.ModuleCallFailed, "init returned non-zero").WithContext("name", name).WithContext("rc", rc)
	}
	h.initialized = true
	return nil
}

// Start requires initialized && !running; calls start; sets running=true
// on a zero return.
func (l *Loader) Start(name string) error {
	h, err := l.get(name)
	if err != nil {
		return err
	}
	if !h.initialized || h.running {
		return herrors.New(herrors.BadState, "module not in a startable state").WithContext("name", name)
	}
	rc := h.start()
	if rc != 0 {
		return herrors.New(herrors.ModuleCallFailed, "start returned non-zero").WithContext("name", name).WithContext("rc", rc)
	}
	h.running = true
	return nil
}

// Stop requires running; calls stop; clears running on a zero return.
func (l *Loader) Stop(name string) error {
	h, err := l.get(name)
	if err != nil {
		return err
	}
	if !h.running {
		return herrors.New(herrors.BadState, "module is not running").WithContext("name", name)
	}
	rc := h.stop()
	if rc != 0 {
		return herrors.New(herrors.ModuleCallFailed, "stop returned non-zero").WithContext("name", name).WithContext("rc", rc)
	}
	h.running = false
	return nil
}

// Unload stops (best-effort) if running, calls destroy if initialized,
// then releases the handle. Release ordering is stop -> destroy -> close.
func (l *Loader) Unload(name string) error {
	h, err := l.get(name)
	if err != nil {
		return err
	}
	if h.running {
		_ = h.stop() // best-effort: unload must proceed regardless of stop's result
		h.running = false
	}
	if h.initialized {
		h.destroy()
		h.initialized = false
	}
	if err := purego.Dlclose(h.lib); err != nil {
		return herrors.Wrap(err, herrors.IoError, "close native library").WithContext("name", name)
	}

	l.mu.Lock()
	delete(l.handles, name)
	l.mu.Unlock()
	return nil
}

// IsLoaded reports whether name currently has a live handle.
func (l *Loader) IsLoaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.handles[name]
	return ok
}

// IsRunning reports whether name's handle is currently running.
func (l *Loader) IsRunning(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[name]
	return ok && h.running
}

func (l *Loader) get(name string) (*handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[name]
	if !ok {
		return nil, herrors.New(herrors.NotFound, "no loaded handle for module").WithContext("name", name)
	}
	return h, nil
}
