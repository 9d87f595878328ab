// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alexdev-tb/helix/internal/manifest"
)

func mustAdd(t *testing.T, r *Resolver, m *manifest.Manifest) {
	t.Helper()
	assert.NoError(t, r.Add(m))
}

func mod(name string, deps ...manifest.Dependency) *manifest.Manifest {
	return &manifest.Manifest{Name: name, Version: "1.0.0", BinaryPath: "lib.so", Dependencies: deps}
}

func TestResolveLinearChain(t *testing.T) {
	r := New()
	mustAdd(t, r, mod("a"))
	mustAdd(t, r, mod("b", manifest.Dependency{Name: "a"}))
	mustAdd(t, r, mod("c", manifest.Dependency{Name: "b"}))

	res := r.Resolve([]string{"c"})
	assert.True(t, res.Success)
	assert.Equal(t, []string{"a", "b", "c"}, res.LoadOrder)
}

func TestResolveDetectsCycle(t *testing.T) {
	r := New()
	mustAdd(t, r, mod("x", manifest.Dependency{Name: "y"}))
	mustAdd(t, r, mod("y", manifest.Dependency{Name: "x"}))

	res := r.Resolve(nil)
	assert.False(t, res.Success)
	assert.ElementsMatch(t, []string{"x", "y"}, res.Circular)
}

func TestResolveReportsMissingDependency(t *testing.T) {
	r := New()
	mustAdd(t, r, mod("p", manifest.Dependency{Name: "q"}))

	res := r.Resolve([]string{"p"})
	assert.False(t, res.Success)
	assert.Equal(t, []string{"q"}, res.Missing)
}

func TestResolvePrunesAbsentOptionalDependency(t *testing.T) {
	r := New()
	mustAdd(t, r, mod("p", manifest.Dependency{Name: "q", Optional: true}))

	res := r.Resolve([]string{"p"})
	assert.True(t, res.Success)
	assert.Equal(t, []string{"p"}, res.LoadOrder)
}

func TestDependentsAndRemove(t *testing.T) {
	r := New()
	mustAdd(t, r, mod("a"))
	mustAdd(t, r, mod("b", manifest.Dependency{Name: "a"}))

	assert.ElementsMatch(t, []string{"b"}, r.Dependents("a"))

	r.Remove("b")
	assert.Empty(t, r.Dependents("a"))
	assert.False(t, r.HasModule("b"))
}

func TestAddRejectsDuplicateName(t *testing.T) {
	r := New()
	mustAdd(t, r, mod("a"))
	assert.Error(t, r.Add(mod("a")))
}

func TestVersionSatisfies(t *testing.T) {
	cases := []struct {
		available, requirement string
		want                   bool
	}{
		{"1.2.3", "", true},
		{"1.2.3", "1.2.3", true},
		{"1.2.3", "1.2.4", false},
		{"1.2.3", ">=1.0.0", true},
		{"1.2.3", ">=2.0.0", false},
		{"1.2.3", "<=1.2.3", true},
		{"1.2.3", "<1.2.3", false},
		{"1.2.3", ">1.2.0", true},
		{"1.2.3", "~1.2.0", true},
		{"1.2.3", "~1.3.0", false},
		{"1.2.3", "not-a-version", false},
	}
	for _, tc := range cases {
		t.Run(tc.available+"_"+tc.requirement, func(t *testing.T) {
			assert.Equal(t, tc.want, VersionSatisfies(tc.available, tc.requirement))
		})
	}
}
