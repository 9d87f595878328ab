// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package daemon

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alexdev-tb/helix/internal/herrors"
	"github.com/alexdev-tb/helix/internal/hlog"
	"github.com/alexdev-tb/helix/internal/persist"
)

// buildPackage writes a minimal .helx (tar+gzip) package containing only a
// manifest.json; Enable/Start are out of scope for these tests since they
// require dlopen'ing a real native library, so binary_path is never
// actually loaded here.
func buildPackage(t *testing.T, manifestJSON string) string {
	t.Helper()
	dir := t.TempDir()
	pkgPath := filepath.Join(dir, "pkg.helx")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{Name: "manifest.json", Mode: 0o644, Size: int64(len(manifestJSON))}
	assert.NoError(t, tw.WriteHeader(hdr))
	_, err := tw.Write([]byte(manifestJSON))
	assert.NoError(t, err)
	assert.NoError(t, tw.Close())
	assert.NoError(t, gz.Close())
	assert.NoError(t, os.WriteFile(pkgPath, buf.Bytes(), 0o644))
	return pkgPath
}

func manifestJSON(name string, extra string) string {
	return fmt.Sprintf(`{"name":%q,"version":"1.0.0","binary_path":"lib.so"%s}`, name, extra)
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d := New(t.TempDir(), "1.0.0", "1.0.0", nil, hlog.NewTestLogger())
	assert.NoError(t, d.Initialize())
	return d
}

func TestInstallRegistersModuleAsInstalled(t *testing.T) {
	d := newTestDaemon(t)
	pkg := buildPackage(t, manifestJSON("sample", ""))

	assert.NoError(t, d.Install(pkg))

	e, err := d.Info("sample")
	assert.NoError(t, err)
	assert.Equal(t, StateInstalled, e.State)
	assert.Equal(t, "1.0.0", e.Version)
}

func TestInstallRejectsWrongExtension(t *testing.T) {
	d := newTestDaemon(t)
	path := filepath.Join(t.TempDir(), "pkg.zip")
	assert.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	err := d.Install(path)
	assert.Error(t, err)
}

func TestInstallRejectsVersionGate(t *testing.T) {
	d := newTestDaemon(t)
	pkg := buildPackage(t, manifestJSON("sample", `,"minimum_core_version":"9.0.0"`))

	err := d.Install(pkg)
	assert.Error(t, err)
	assert.Equal(t, "Core version 1.0.0 does not satisfy >=9.0.0", err.Error())
	assert.True(t, herrors.Is(err, herrors.VersionGate))

	// nothing may persist under the modules root on a gated install
	_, statErr := os.Stat(filepath.Join(d.modulesRoot, "sample"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestInstallReplacesSameModuleOnReinstall(t *testing.T) {
	d := newTestDaemon(t)
	assert.NoError(t, d.Install(buildPackage(t, manifestJSON("sample", ""))))

	upgraded := buildPackage(t, `{"name":"sample","version":"2.0.0","binary_path":"lib.so"}`)
	assert.NoError(t, d.Install(upgraded))

	e, err := d.Info("sample")
	assert.NoError(t, err)
	assert.Equal(t, "2.0.0", e.Version)
	assert.Equal(t, StateInstalled, e.State)
}

func TestEnableUnknownModuleReturnsNotFound(t *testing.T) {
	d := newTestDaemon(t)
	err := d.Enable("nonexistent")
	assert.Error(t, err)
	assert.True(t, herrors.Is(err, herrors.NotFound))
}

func TestEnableReportsMissingDependencyByName(t *testing.T) {
	d := newTestDaemon(t)
	pkg := buildPackage(t, manifestJSON("p", `,"dependencies":[{"name":"q"}]`))
	assert.NoError(t, d.Install(pkg))

	err := d.Enable("p")
	assert.Error(t, err)
	assert.True(t, herrors.Is(err, herrors.DependencyMissing))
	assert.Contains(t, err.Error(), "missing: q")

	e, _ := d.Info("p")
	assert.Equal(t, StateInstalled, e.State)
}

func TestEnableReportsCycleParticipants(t *testing.T) {
	d := newTestDaemon(t)
	assert.NoError(t, d.Install(buildPackage(t, manifestJSON("x", `,"dependencies":[{"name":"y"}]`))))
	assert.NoError(t, d.Install(buildPackage(t, manifestJSON("y", `,"dependencies":[{"name":"x"}]`))))

	err := d.Enable("x")
	assert.Error(t, err)
	assert.True(t, herrors.Is(err, herrors.DependencyCircular))
	assert.Contains(t, err.Error(), "circular: x, y")

	for _, name := range []string{"x", "y"} {
		e, ierr := d.Info(name)
		assert.NoError(t, ierr)
		assert.Equal(t, StateInstalled, e.State)
	}
}

func TestUninstallBlockedByNonOptionalDependent(t *testing.T) {
	d := newTestDaemon(t)
	base := buildPackage(t, manifestJSON("base", ""))
	assert.NoError(t, d.Install(base))

	dependent := buildPackage(t, manifestJSON("dependent", `,"dependencies":[{"name":"base"}]`))
	assert.NoError(t, d.Install(dependent))

	err := d.Uninstall("base")
	assert.Error(t, err)
	assert.True(t, herrors.Is(err, herrors.DependentsPresent))
	assert.Contains(t, err.Error(), "required by dependent")

	// registry unchanged
	e, ierr := d.Info("base")
	assert.NoError(t, ierr)
	assert.Equal(t, StateInstalled, e.State)
}

func TestUninstallAllowedWithOnlyOptionalDependent(t *testing.T) {
	d := newTestDaemon(t)
	assert.NoError(t, d.Install(buildPackage(t, manifestJSON("base", ""))))
	assert.NoError(t, d.Install(buildPackage(t, manifestJSON("extra", `,"dependencies":[{"name":"base","optional":true}]`))))

	assert.NoError(t, d.Uninstall("base"))
}

func TestUninstallSucceedsOnceDependentIsGone(t *testing.T) {
	d := newTestDaemon(t)
	base := buildPackage(t, manifestJSON("base", ""))
	assert.NoError(t, d.Install(base))
	assert.NoError(t, d.Install(buildPackage(t, manifestJSON("dependent", `,"dependencies":[{"name":"base"}]`))))

	assert.Error(t, d.Uninstall("base"))
	assert.NoError(t, d.Uninstall("dependent"))
	assert.NoError(t, d.Uninstall("base"))

	_, err := d.Info("base")
	assert.Error(t, err)
}

func TestStatusCountsByState(t *testing.T) {
	d := newTestDaemon(t)
	assert.NoError(t, d.Install(buildPackage(t, manifestJSON("a", ""))))
	assert.NoError(t, d.Install(buildPackage(t, manifestJSON("b", ""))))

	st := d.Status()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.ByState[StateInstalled])
}

func TestListIsSortedByName(t *testing.T) {
	d := newTestDaemon(t)
	assert.NoError(t, d.Install(buildPackage(t, manifestJSON("zeta", ""))))
	assert.NoError(t, d.Install(buildPackage(t, manifestJSON("alpha", ""))))

	entries := d.List()
	assert.Len(t, entries, 2)
	assert.Equal(t, "alpha", entries[0].Name)
	assert.Equal(t, "zeta", entries[1].Name)
}

func TestOperationsBeforeInitializeFail(t *testing.T) {
	d := New(t.TempDir(), "1.0.0", "1.0.0", nil, hlog.NewTestLogger())
	err := d.Start("anything")
	assert.Error(t, err)
	assert.True(t, herrors.Is(err, herrors.NotInitialized))
}

func TestShutdownWritesSidecarAndClearsRegistry(t *testing.T) {
	root := t.TempDir()
	d := New(root, "1.0.0", "1.0.0", nil, hlog.NewTestLogger())
	assert.NoError(t, d.Initialize())
	assert.NoError(t, d.Install(buildPackage(t, manifestJSON("sample", ""))))

	assert.NoError(t, d.Shutdown())

	saved := persist.Load(root, nil)
	assert.Equal(t, persist.Installed, saved["sample"])
	assert.Empty(t, d.List())

	// module files survive shutdown
	_, err := os.Stat(filepath.Join(root, "sample", "manifest.json"))
	assert.NoError(t, err)
}

func TestRefreshModulesScansMarkedDirectoriesOnly(t *testing.T) {
	root := t.TempDir()
	d := New(root, "1.0.0", "1.0.0", nil, hlog.NewTestLogger())
	assert.NoError(t, d.Initialize())

	marked := filepath.Join(root, "found")
	assert.NoError(t, os.MkdirAll(marked, 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(marked, "manifest.json"), []byte(manifestJSON("found", "")), 0o644))
	assert.NoError(t, os.WriteFile(filepath.Join(marked, ".helx_installed"), []byte("{}"), 0o644))

	stray := filepath.Join(root, "stray")
	assert.NoError(t, os.MkdirAll(stray, 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(stray, "manifest.json"), []byte(manifestJSON("stray", "")), 0o644))

	assert.NoError(t, d.RefreshModules())

	_, err := d.Info("found")
	assert.NoError(t, err)
	_, err = d.Info("stray")
	assert.Error(t, err)
}

func TestInitializeRestoresModulesFromSidecar(t *testing.T) {
	root := t.TempDir()

	d := New(root, "1.0.0", "1.0.0", nil, hlog.NewTestLogger())
	assert.NoError(t, d.Initialize())
	assert.NoError(t, d.Install(buildPackage(t, manifestJSON("sample", ""))))
	assert.NoError(t, d.Shutdown())

	// a fresh daemon over the same root picks the module back up at Installed
	d2 := New(root, "1.0.0", "1.0.0", nil, hlog.NewTestLogger())
	assert.NoError(t, d2.Initialize())
	e, err := d2.Info("sample")
	assert.NoError(t, err)
	assert.Equal(t, StateInstalled, e.State)
}
