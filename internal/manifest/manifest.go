// Package manifest decodes, validates, and re-serializes Helix module
// manifests.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package manifest

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/alexdev-tb/helix/internal/herrors"
)

var (
	nameRe       = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)
	semverRe     = regexp.MustCompile(`^\d+\.\d+\.\d+([+-][A-Za-z0-9.-]*)?$`)
	cIdentRe     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)
	versionReqRe = regexp.MustCompile(`^(>=|<=|==|~|>|<)?\s*(\d+\.\d+\.\d+([+-][A-Za-z0-9.-]*)?)$`)
)

// EntryPoints names the four C-ABI lifecycle symbols a module exports.
type EntryPoints struct {
	Init    string `json:"init,omitempty"`
	Start   string `json:"start,omitempty"`
	Stop    string `json:"stop,omitempty"`
	Destroy string `json:"destroy,omitempty"`
}

// DefaultEntryPoints returns the default lifecycle symbol names.
func DefaultEntryPoints() EntryPoints {
	return EntryPoints{
		Init:    "helix_module_init",
		Start:   "helix_module_start",
		Stop:    "helix_module_stop",
		Destroy: "helix_module_destroy",
	}
}

// Dependency is one entry in a manifest's dependency list.
type Dependency struct {
	Name               string `json:"name"`
	VersionRequirement string `json:"version_requirement,omitempty"`
	Optional           bool   `json:"optional,omitempty"`
}

// Manifest is the authoritative metadata of an installable module.
type Manifest struct {
	Name               string            `json:"name"`
	Version            string            `json:"version"`
	BinaryPath         string            `json:"binary_path"`
	Description        string            `json:"description,omitempty"`
	Author             string            `json:"author,omitempty"`
	License            string            `json:"license,omitempty"`
	Homepage           string            `json:"homepage,omitempty"`
	Repository         string            `json:"repository,omitempty"`
	MinimumCoreVersion string            `json:"minimum_core_version,omitempty"`
	MinimumAPIVersion  string            `json:"minimum_api_version,omitempty"`
	Dependencies       []Dependency      `json:"dependencies,omitempty"`
	Capabilities       []string          `json:"capabilities,omitempty"`
	Tags               []string          `json:"tags,omitempty"`
	Config             map[string]string `json:"config,omitempty"`
	EntryPoints        EntryPoints       `json:"entry_points,omitempty"`
}

// Parse decodes JSON bytes into a validated Manifest. Unknown fields are
// ignored; required fields absent or validation-rule violations produce a
// ManifestInvalid error.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, herrors.Wrap(err, herrors.ManifestInvalid, "malformed manifest JSON")
	}
	if m.EntryPoints == (EntryPoints{}) {
		m.EntryPoints = DefaultEntryPoints()
	} else {
		fillDefaults(&m.EntryPoints)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func fillDefaults(ep *EntryPoints) {
	d := DefaultEntryPoints()
	if ep.Init == "" {
		ep.Init = d.Init
	}
	if ep.Start == "" {
		ep.Start = d.Start
	}
	if ep.Stop == "" {
		ep.Stop = d.Stop
	}
	if ep.Destroy == "" {
		ep.Destroy = d.Destroy
	}
}

// Validate checks every field rule against an already-decoded manifest.
func Validate(m *Manifest) error {
	if m.Name == "" || !nameRe.MatchString(m.Name) {
		return herrors.New(herrors.ManifestInvalid, "invalid module name").WithContext("name", m.Name)
	}
	if m.Version == "" || !semverRe.MatchString(m.Version) {
		return herrors.New(herrors.ManifestInvalid, "invalid version").WithContext("version", m.Version)
	}
	if m.MinimumCoreVersion != "" && !semverRe.MatchString(m.MinimumCoreVersion) {
		return herrors.New(herrors.ManifestInvalid, "invalid minimum_core_version").WithContext("value", m.MinimumCoreVersion)
	}
	if m.MinimumAPIVersion != "" && !semverRe.MatchString(m.MinimumAPIVersion) {
		return herrors.New(herrors.ManifestInvalid, "invalid minimum_api_version").WithContext("value", m.MinimumAPIVersion)
	}
	if strings.TrimSpace(m.BinaryPath) == "" {
		return herrors.New(herrors.ManifestInvalid, "binary_path cannot be empty")
	}
	if err := validateBinaryPath(m.BinaryPath); err != nil {
		return err
	}
	for _, dep := range m.Dependencies {
		if !nameRe.MatchString(dep.Name) {
			return herrors.New(herrors.ManifestInvalid, "invalid dependency name").WithContext("dependency", dep.Name)
		}
		if dep.VersionRequirement != "" && !versionReqRe.MatchString(strings.TrimSpace(dep.VersionRequirement)) {
			return herrors.New(herrors.ManifestInvalid, "invalid dependency version requirement").
				WithContext("dependency", dep.Name).WithContext("requirement", dep.VersionRequirement)
		}
	}
	for _, sym := range []string{m.EntryPoints.Init, m.EntryPoints.Start, m.EntryPoints.Stop, m.EntryPoints.Destroy} {
		if !cIdentRe.MatchString(sym) {
			return herrors.New(herrors.ManifestInvalid, "invalid entry point symbol name").WithContext("symbol", sym)
		}
	}
	return nil
}

// validateBinaryPath refuses a binary_path that would escape the module's
// own install directory once joined to it.
func validateBinaryPath(p string) error {
	if filepath.IsAbs(p) {
		return herrors.New(herrors.ManifestInvalid, "binary_path must be relative").WithContext("binary_path", p)
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return herrors.New(herrors.ManifestInvalid, "binary_path escapes install directory").WithContext("binary_path", p)
	}
	return nil
}

// IsValid reports whether data parses and validates, for external tooling
// that only needs a predicate (the compiler collaborator, out of scope here).
func IsValid(data []byte) bool {
	_, err := Parse(data)
	return err == nil
}

// Serialize produces a deterministic, indented JSON re-rendering of m.
// Field order follows struct declaration order, so parse/serialize
// round-trips are stable modulo whitespace.
func Serialize(m *Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
