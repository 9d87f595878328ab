// Package daemon owns the module registry, drives the lifecycle state
// machine, and orchestrates install/enable/start/stop/disable/uninstall,
// refresh, restore, and shutdown.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/alexdev-tb/helix/internal/archive"
	"github.com/alexdev-tb/helix/internal/herrors"
	"github.com/alexdev-tb/helix/internal/hlog"
	"github.com/alexdev-tb/helix/internal/loader"
	"github.com/alexdev-tb/helix/internal/logregistry"
	"github.com/alexdev-tb/helix/internal/manifest"
	"github.com/alexdev-tb/helix/internal/persist"
	"github.com/alexdev-tb/helix/internal/resolver"
)

// State is one of the seven module lifecycle states.
type State string

const (
	StateInstalled   State = "Installed"
	StateLoaded      State = "Loaded"
	StateInitialized State = "Initialized"
	StateRunning     State = "Running"
	StateStopped     State = "Stopped"
	StateError       State = "Error"
	StateUnknown     State = "Unknown"
)

const (
	packageExtension = ".helx"
	installMarker    = ".helx_installed"
)

// Entry is one registry entry: the source of truth for a known module.
type Entry struct {
	Name        string
	Version     string
	InstallPath string
	Manifest    *manifest.Manifest
	State       State
	LastError   string
}

// Daemon owns the name -> Entry registry and drives every lifecycle
// transition. All of these operations are meant to run on a single control
// thread (the IPC server's accept loop calls them one at a time); the
// mutex below guards status reads happening from anywhere else, it is not
// what serializes the lifecycle operations themselves.
type Daemon struct {
	mu sync.Mutex

	modulesRoot string
	coreVersion string
	apiVersion  string

	entries  map[string]*Entry
	resolver *resolver.Resolver
	loader   *loader.Loader
	logs     *logregistry.Registry
	capi     *logregistry.CAPI // kept referenced so the table outlives every module init call
	logAPI   uintptr           // address of capi, passed to each module's init
	logger   hlog.Logger

	initialized bool
	startedAt   time.Time
	tmpCounter  int
}

// New constructs a Daemon. Call Initialize before any other operation.
// logs may be nil (tests that don't exercise the logging C-ABI); in that
// case modules are initialized with a nil log API pointer.
func New(modulesRoot, coreVersion, apiVersion string, logs *logregistry.Registry, logger hlog.Logger) *Daemon {
	if logger == nil {
		logger = hlog.NewNoOpLogger()
	}
	var capi *logregistry.CAPI
	var capiPtr uintptr
	if logs != nil {
		capi = logs.NewCAPI()
		capiPtr = capiAddress(capi)
	}
	return &Daemon{
		modulesRoot: modulesRoot,
		coreVersion: coreVersion,
		apiVersion:  apiVersion,
		entries:     make(map[string]*Entry),
		resolver:    resolver.New(),
		loader:      loader.New(),
		logs:        logs,
		capi:        capi,
		logAPI:      capiPtr,
		logger:      logger,
		startedAt:   time.Now(),
	}
}

// Initialize creates the modules root if absent, scans it, restores
// persisted state, and marks the daemon ready to accept commands.
func (d *Daemon) Initialize() error {
	if err := os.MkdirAll(d.modulesRoot, 0o755); err != nil {
		return herrors.Wrap(err, herrors.IoError, "create modules root").WithContext("path", d.modulesRoot)
	}

	d.mu.Lock()
	d.initialized = true
	d.mu.Unlock()

	if err := d.RefreshModules(); err != nil {
		d.logger.Warn("initial module scan reported an error", "error", err)
	}

	d.restoreFromSidecar()
	return nil
}

func (d *Daemon) requireInitialized() error {
	d.mu.Lock()
	ok := d.initialized
	d.mu.Unlock()
	if !ok {
		return herrors.New(herrors.NotInitialized, "daemon command issued before initialize")
	}
	return nil
}

// Install extracts the .helx package at path, gates it on the running
// core/API versions, moves it into the modules root, and registers it at
// state Installed. Failures leave the registry unchanged.
func (d *Daemon) Install(path string) error {
	if err := d.requireInitialized(); err != nil {
		return err
	}
	if filepath.Ext(path) != packageExtension {
		return herrors.New(herrors.IoError, "package must have .helx extension").WithContext("path", path).WithOp("install")
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return herrors.New(herrors.IoError, "package path is not a regular file").WithContext("path", path).WithOp("install")
	}

	tmpDir, err := d.newTempDir()
	if err != nil {
		return herrors.Wrap(err, herrors.IoError, "create temp install directory").WithOp("install")
	}
	defer os.RemoveAll(tmpDir)

	if err := archive.Extract(path, tmpDir); err != nil {
		return asErr(err).WithOp("install")
	}

	manifestBytes, err := os.ReadFile(filepath.Join(tmpDir, "manifest.json"))
	if err != nil {
		return herrors.Wrap(err, herrors.ManifestInvalid, "read manifest.json").WithOp("install")
	}
	m, err := manifest.Parse(manifestBytes)
	if err != nil {
		return asErr(err).WithOp("install")
	}

	if m.MinimumCoreVersion != "" && !resolver.VersionSatisfies(d.coreVersion, ">="+m.MinimumCoreVersion) {
		return herrors.New(herrors.VersionGate, fmt.Sprintf("Core version %s does not satisfy >=%s", d.coreVersion, m.MinimumCoreVersion)).WithOp("install")
	}
	if m.MinimumAPIVersion != "" && !resolver.VersionSatisfies(d.apiVersion, ">="+m.MinimumAPIVersion) {
		return herrors.New(herrors.VersionGate, fmt.Sprintf("API version %s does not satisfy >=%s", d.apiVersion, m.MinimumAPIVersion)).WithOp("install")
	}

	d.mu.Lock()
	tracked, isTracked := d.entries[m.Name]
	d.mu.Unlock()
	if isTracked && tracked.State != StateInstalled {
		return herrors.New(herrors.BadState, "module must be disabled before reinstalling").
			WithContext("name", m.Name).WithContext("state", tracked.State).WithOp("install")
	}

	destDir := filepath.Join(d.modulesRoot, m.Name)
	if _, err := os.Stat(destDir); err == nil {
		existing, rerr := readManifestFile(filepath.Join(destDir, "manifest.json"))
		if rerr == nil && existing.Name != m.Name {
			return herrors.New(herrors.AlreadyPresent, "install destination holds a different module").
				WithContext("existing_name", existing.Name).WithOp("install")
		}
		if err := os.RemoveAll(destDir); err != nil {
			return herrors.Wrap(err, herrors.IoError, "replace existing install directory").WithOp("install")
		}
	}
	if err := os.Rename(tmpDir, destDir); err != nil {
		return herrors.Wrap(err, herrors.IoError, "move extracted package into place").WithOp("install")
	}

	if err := writeInstallMarker(destDir, d.coreVersion); err != nil {
		return asErr(err).WithOp("install")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if isTracked {
		d.resolver.Remove(m.Name) // reinstall: replace the prior registration
	}
	if err := d.resolver.Add(m); err != nil {
		return asErr(err).WithOp("install")
	}
	d.entries[m.Name] = &Entry{
		Name:        m.Name,
		Version:     m.Version,
		InstallPath: destDir,
		Manifest:    m,
		State:       StateInstalled,
	}
	return nil
}

// Enable resolves name's dependency closure, enables and starts every
// prerequisite, then loads and initializes the module itself. On success
// the module lands in state Initialized; on any failure it stays Installed.
func (d *Daemon) Enable(name string) error {
	if err := d.requireInitialized(); err != nil {
		return err
	}
	return d.enableLocked(name, make(map[string]bool))
}

func (d *Daemon) enableLocked(name string, visiting map[string]bool) error {
	d.mu.Lock()
	entry, ok := d.entries[name]
	if !ok {
		d.mu.Unlock()
		return herrors.New(herrors.NotFound, "module not registered").WithContext("name", name).WithOp("enable")
	}
	if entry.State != StateInstalled {
		d.mu.Unlock()
		return herrors.New(herrors.BadState, "enable requires state Installed").WithContext("name", name).WithContext("state", entry.State).WithOp("enable")
	}
	d.mu.Unlock()

	res := d.resolver.Resolve([]string{name})
	if !res.Success {
		kind := herrors.DependencyMissing
		if len(res.Circular) > 0 {
			kind = herrors.DependencyCircular
		}
		return herrors.New(kind, resolutionFailureMessage(name, entry.Manifest, res)).
			WithContext("missing", res.Missing).WithContext("circular", res.Circular).WithOp("enable")
	}

	if visiting[name] {
		return herrors.New(herrors.DependencyCircular, "cycle detected while enabling prerequisites").WithContext("name", name).WithOp("enable")
	}
	visiting[name] = true

	for _, prereq := range res.LoadOrder {
		if prereq == name {
			continue
		}
		d.mu.Lock()
		pEntry, ok := d.entries[prereq]
		d.mu.Unlock()
		if !ok {
			continue
		}
		if pEntry.State == StateInstalled {
			if err := d.enableLocked(prereq, visiting); err != nil {
				return herrors.Wrap(err, herrors.DependencyMissing, "prerequisite failed to enable").
					WithContext("name", name).WithContext("prerequisite", prereq).WithOp("enable")
			}
		}
		d.mu.Lock()
		state := pEntry.State
		d.mu.Unlock()
		if state != StateRunning {
			if err := d.Start(prereq); err != nil {
				return herrors.Wrap(err, herrors.DependencyMissing, "prerequisite failed to start").
					WithContext("name", name).WithContext("prerequisite", prereq).WithOp("enable")
			}
		}
	}

	binaryPath := filepath.Join(entry.InstallPath, entry.Manifest.BinaryPath)
	if err := d.loader.Load(name, binaryPath, entry.Manifest.EntryPoints); err != nil {
		d.setError(entry, StateInstalled, err)
		return asErr(err).WithOp("enable")
	}
	d.setState(entry, StateLoaded)

	if err := d.loader.Initialize(name, d.logAPI); err != nil {
		_ = d.loader.Unload(name)
		d.setError(entry, StateInstalled, err)
		return asErr(err).WithOp("enable")
	}
	d.setState(entry, StateInitialized)
	return nil
}

// Start moves an Initialized or Stopped module to Running. A start
// failure is retryable: the state is left where it was.
func (d *Daemon) Start(name string) error {
	if err := d.requireInitialized(); err != nil {
		return err
	}
	d.mu.Lock()
	entry, ok := d.entries[name]
	d.mu.Unlock()
	if !ok {
		return herrors.New(herrors.NotFound, "module not registered").WithContext("name", name).WithOp("start")
	}
	if entry.State != StateInitialized && entry.State != StateStopped {
		return herrors.New(herrors.BadState, "start requires state Initialized or Stopped").WithContext("name", name).WithContext("state", entry.State).WithOp("start")
	}

	if err := d.loader.Start(name); err != nil {
		d.setError(entry, entry.State, err) // retryable: state unchanged
		return asErr(err).WithOp("start")
	}
	d.setState(entry, StateRunning)
	return nil
}

// Stop moves a Running module to Stopped. A stop failure lands the module
// in Error.
func (d *Daemon) Stop(name string) error {
	if err := d.requireInitialized(); err != nil {
		return err
	}
	d.mu.Lock()
	entry, ok := d.entries[name]
	d.mu.Unlock()
	if !ok {
		return herrors.New(herrors.NotFound, "module not registered").WithContext("name", name).WithOp("stop")
	}
	if entry.State != StateRunning {
		return herrors.New(herrors.BadState, "stop requires state Running").WithContext("name", name).WithContext("state", entry.State).WithOp("stop")
	}

	if err := d.loader.Stop(name); err != nil {
		d.setError(entry, StateError, err)
		return asErr(err).WithOp("stop")
	}
	d.setState(entry, StateStopped)
	return nil
}

// Disable stops the module if Running, then unloads it (calling destroy
// if it was initialized), returning it to Installed.
func (d *Daemon) Disable(name string) error {
	if err := d.requireInitialized(); err != nil {
		return err
	}
	d.mu.Lock()
	entry, ok := d.entries[name]
	d.mu.Unlock()
	if !ok {
		return herrors.New(herrors.NotFound, "module not registered").WithContext("name", name).WithOp("disable")
	}

	switch entry.State {
	case StateRunning:
		if err := d.loader.Stop(name); err != nil {
			d.setError(entry, StateError, err)
			return asErr(err).WithOp("disable")
		}
	case StateStopped, StateInitialized, StateLoaded:
		// fall through to unload
	default:
		return herrors.New(herrors.BadState, "disable requires an enabled state").WithContext("name", name).WithContext("state", entry.State).WithOp("disable")
	}

	if err := d.loader.Unload(name); err != nil {
		d.setError(entry, StateError, err)
		return asErr(err).WithOp("disable")
	}
	d.setState(entry, StateInstalled)
	return nil
}

// Uninstall removes a module and its install directory. Refused while any
// other registered module lists it as a non-optional dependency; a module
// that is not at Installed is disabled first.
func (d *Daemon) Uninstall(name string) error {
	if err := d.requireInitialized(); err != nil {
		return err
	}
	d.mu.Lock()
	entry, ok := d.entries[name]
	d.mu.Unlock()
	if !ok {
		return herrors.New(herrors.NotFound, "module not registered").WithContext("name", name).WithOp("uninstall")
	}

	var dependents []string
	for _, dep := range d.resolver.Dependents(name) {
		if m, ok := d.resolver.Manifest(dep); ok {
			for _, req := range m.Dependencies {
				if req.Name == name && !req.Optional {
					dependents = append(dependents, dep)
				}
			}
		}
	}
	if len(dependents) > 0 {
		sort.Strings(dependents)
		return herrors.New(herrors.DependentsPresent, fmt.Sprintf("cannot uninstall '%s': required by %s", name, strings.Join(dependents, ", "))).
			WithContext("name", name).WithContext("dependents", dependents).WithOp("uninstall")
	}

	if entry.State != StateInstalled {
		if err := d.Disable(name); err != nil {
			return asErr(err).WithOp("uninstall")
		}
	}

	if err := os.RemoveAll(entry.InstallPath); err != nil {
		return herrors.Wrap(err, herrors.IoError, "remove install directory").WithContext("name", name).WithOp("uninstall")
	}

	d.mu.Lock()
	d.resolver.Remove(name)
	delete(d.entries, name)
	d.mu.Unlock()
	return nil
}

// List returns a read-only projection of every registry entry.
func (d *Daemon) List() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Info returns a read-only copy of one entry.
func (d *Daemon) Info(name string) (Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[name]
	if !ok {
		return Entry{}, herrors.New(herrors.NotFound, "module not registered").WithContext("name", name).WithOp("info")
	}
	return *e, nil
}

// Status is the daemon-wide status block returned by the "status" IPC
// command.
type Status struct {
	ModulesRoot string
	CoreVersion string
	APIVersion  string
	Uptime      time.Duration
	ByState     map[State]int
	Total       int
}

func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Status{
		ModulesRoot: d.modulesRoot,
		CoreVersion: d.coreVersion,
		APIVersion:  d.apiVersion,
		Uptime:      time.Since(d.startedAt),
		ByState:     make(map[State]int),
	}
	for _, e := range d.entries {
		st.ByState[e.State]++
		st.Total++
	}
	return st
}

// RefreshModules re-scans the modules root for directories carrying the
// install marker. Does not disturb in-memory state of modules still
// present; a module whose directory disappeared keeps its existing entry.
func (d *Daemon) RefreshModules() error {
	dirEntries, err := os.ReadDir(d.modulesRoot)
	if err != nil {
		return herrors.Wrap(err, herrors.IoError, "scan modules root").WithOp("refresh_modules")
	}

	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		dir := filepath.Join(d.modulesRoot, de.Name())
		if _, err := os.Stat(filepath.Join(dir, installMarker)); err != nil {
			continue // not a core-installed directory
		}

		m, err := readManifestFile(filepath.Join(dir, "manifest.json"))
		if err != nil {
			d.logger.Warn("ignoring module directory with unreadable manifest", "dir", dir, "error", err)
			continue
		}

		d.mu.Lock()
		existing, tracked := d.entries[m.Name]
		if tracked && existing.InstallPath != dir {
			d.mu.Unlock()
			d.logger.Warn("module name conflicts with a different install path, ignoring", "name", m.Name, "dir", dir)
			continue
		}
		if !tracked {
			if err := d.resolver.Add(m); err == nil {
				d.entries[m.Name] = &Entry{Name: m.Name, Version: m.Version, InstallPath: dir, Manifest: m, State: StateInstalled}
			}
		}
		d.mu.Unlock()
	}
	return nil
}

// Shutdown writes the persistence sidecar (capturing current states
// before any get changed by the stop/disable below), stops every Running
// module, disables every enabled module, then clears the registry and
// resolver. Never removes module files.
func (d *Daemon) Shutdown() error {
	d.mu.Lock()
	states := make(map[string]persist.State, len(d.entries))
	names := make([]string, 0, len(d.entries))
	for name, e := range d.entries {
		names = append(names, name)
		switch e.State {
		case StateInstalled, StateInitialized, StateRunning, StateStopped:
			states[name] = persist.State(e.State)
		}
	}
	d.mu.Unlock()

	if err := persist.Save(d.modulesRoot, states); err != nil {
		d.logger.Warn("failed writing persistence sidecar", "error", err)
	}

	sort.Strings(names)
	for _, name := range names {
		d.mu.Lock()
		e := d.entries[name]
		state := e.State
		d.mu.Unlock()
		if state == StateRunning {
			if err := d.Stop(name); err != nil {
				d.logger.Warn("shutdown: stop failed", "name", name, "error", err)
			}
		}
	}
	for _, name := range names {
		d.mu.Lock()
		e, ok := d.entries[name]
		d.mu.Unlock()
		if !ok {
			continue
		}
		if e.State != StateInstalled {
			if err := d.Disable(name); err != nil {
				d.logger.Warn("shutdown: disable failed", "name", name, "error", err)
			}
		}
	}

	d.mu.Lock()
	d.entries = make(map[string]*Entry)
	d.resolver = resolver.New()
	d.mu.Unlock()
	return nil
}

// restoreFromSidecar reads the sidecar, runs a dependency-ordered enable
// pass for every saved module whose desired state is Initialized/Running/
// Stopped, then a start pass for those whose desired state is Running.
// Failures are logged, never fatal.
func (d *Daemon) restoreFromSidecar() {
	desired := persist.Load(d.modulesRoot, d.logger)
	if len(desired) == 0 {
		return
	}

	var toEnable []string
	var toStart []string
	for name, st := range desired {
		d.mu.Lock()
		_, known := d.entries[name]
		d.mu.Unlock()
		if !known {
			continue
		}
		switch st {
		case persist.Initialized, persist.Running, persist.Stopped:
			toEnable = append(toEnable, name)
		}
		if st == persist.Running {
			toStart = append(toStart, name)
		}
	}

	enableOrder := d.resolver.Resolve(toEnable)
	if !enableOrder.Success {
		d.logger.Warn("restore: dependency resolution failed, skipping enable pass",
			"missing", enableOrder.Missing, "circular", enableOrder.Circular)
	}
	for _, name := range enableOrder.LoadOrder {
		d.mu.Lock()
		e, known := d.entries[name]
		d.mu.Unlock()
		if !known || e.State != StateInstalled {
			continue
		}
		if !contains(toEnable, name) {
			continue
		}
		if err := d.Enable(name); err != nil {
			d.logger.Warn("restore: enable failed", "name", name, "error", err)
		}
	}

	startOrder := d.resolver.Resolve(toStart)
	for _, name := range startOrder.LoadOrder {
		if !contains(toStart, name) {
			continue
		}
		d.mu.Lock()
		e, known := d.entries[name]
		d.mu.Unlock()
		if !known || e.State != StateInitialized {
			continue
		}
		if err := d.Start(name); err != nil {
			d.logger.Warn("restore: start failed", "name", name, "error", err)
		}
	}
}

// resolutionFailureMessage builds the detailed client-facing reason for a
// failed dependency resolution, listing the target's declared dependencies
// plus whatever the resolver reported missing or circular.
func resolutionFailureMessage(name string, m *manifest.Manifest, res resolver.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dependency resolution failed for '%s'", name)
	if m != nil && len(m.Dependencies) > 0 {
		names := make([]string, 0, len(m.Dependencies))
		for _, dep := range m.Dependencies {
			names = append(names, dep.Name)
		}
		fmt.Fprintf(&b, "; required: %s", strings.Join(names, ", "))
	}
	if len(res.Missing) > 0 {
		fmt.Fprintf(&b, "; missing: %s", strings.Join(res.Missing, ", "))
	}
	if len(res.Circular) > 0 {
		fmt.Fprintf(&b, "; circular: %s", strings.Join(res.Circular, ", "))
	}
	return b.String()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (d *Daemon) setState(e *Entry, s State) {
	d.mu.Lock()
	e.State = s
	e.LastError = ""
	d.mu.Unlock()
}

func (d *Daemon) setError(e *Entry, fallback State, err error) {
	d.mu.Lock()
	e.State = fallback
	e.LastError = err.Error()
	d.mu.Unlock()
}

func (d *Daemon) newTempDir() (string, error) {
	d.mu.Lock()
	d.tmpCounter++
	n := d.tmpCounter
	d.mu.Unlock()
	dir := filepath.Join(d.modulesRoot, fmt.Sprintf(".tmp_install_%d_%d", os.Getpid(), n))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func readManifestFile(path string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return manifest.Parse(data)
}

func writeInstallMarker(dir, coreVersion string) error {
	data := fmt.Sprintf(`{"installed_by":"helixd","core_version":%q}`, coreVersion)
	if err := os.WriteFile(filepath.Join(dir, installMarker), []byte(data), 0o644); err != nil {
		return herrors.Wrap(err, herrors.IoError, "write install marker")
	}
	return nil
}

func capiAddress(c *logregistry.CAPI) uintptr {
	return uintptr(unsafe.Pointer(c))
}

// asErr coerces any error into *herrors.Error, wrapping foreign errors as
// IoError so the IPC layer can always format "ERR <op>: <reason>".
func asErr(err error) *herrors.Error {
	if he, ok := err.(*herrors.Error); ok {
		return he
	}
	return herrors.New(herrors.IoError, err.Error())
}
