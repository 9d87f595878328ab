// Package persist reads and writes the Helix state persistence sidecar.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package persist

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/alexdev-tb/helix/internal/hlog"
)

const sidecarName = ".helix_state.json"

// State is a module's persisted high-level state, restricted by Normalize
// to the four states meaningful to restore.
type State string

const (
	Installed   State = "Installed"
	Initialized State = "Initialized"
	Running     State = "Running"
	Stopped     State = "Stopped"
)

type moduleState struct {
	State State `json:"state"`
}

type sidecar struct {
	Modules map[string]moduleState `json:"modules"`
}

// Path returns the sidecar's fixed location under modulesRoot.
func Path(modulesRoot string) string {
	return filepath.Join(modulesRoot, sidecarName)
}

// Save writes states as the persistence sidecar. Only Installed,
// Initialized, Running, Stopped are meaningful and expected; callers
// should only pass states already restricted to that set.
func Save(modulesRoot string, states map[string]State) error {
	doc := sidecar{Modules: make(map[string]moduleState, len(states))}
	for name, st := range states {
		doc.Modules[name] = moduleState{State: st}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(Path(modulesRoot), data, 0o644)
}

// Load reads the sidecar, tolerating a missing or empty file (treated as
// "no restore") and malformed content (logged, then treated as no
// restore). Error/Loaded/Unknown states are never written by Save, but
// Normalize is applied anyway as defense for hand-edited sidecars.
func Load(modulesRoot string, logger hlog.Logger) map[string]State {
	if logger == nil {
		logger = hlog.NewNoOpLogger()
	}
	data, err := os.ReadFile(Path(modulesRoot))
	if err != nil {
		return map[string]State{}
	}
	if len(data) == 0 {
		return map[string]State{}
	}

	var doc sidecar
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("persistence sidecar is malformed, continuing without restore", "error", err)
		return map[string]State{}
	}

	out := make(map[string]State, len(doc.Modules))
	for name, ms := range doc.Modules {
		out[name] = Normalize(ms.State)
	}
	return out
}

// Normalize maps Error/Loaded/Unknown states (not meaningful to restore)
// to Installed. Recognized restorable states pass through unchanged.
func Normalize(s State) State {
	switch s {
	case Installed, Initialized, Running, Stopped:
		return s
	default:
		return Installed
	}
}
