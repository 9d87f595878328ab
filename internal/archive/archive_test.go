// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func buildPackage(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	pkgPath := filepath.Join(dir, "pkg.helx")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		assert.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		assert.NoError(t, err)
	}
	assert.NoError(t, tw.Close())
	assert.NoError(t, gz.Close())
	assert.NoError(t, os.WriteFile(pkgPath, buf.Bytes(), 0o644))
	return pkgPath
}

func TestExtractWritesRegularFiles(t *testing.T) {
	pkgPath := buildPackage(t, map[string]string{
		"manifest.json": `{"name":"sample"}`,
		"sample.so":     "binary-bytes",
	})
	destDir := t.TempDir()

	assert.NoError(t, Extract(pkgPath, destDir))

	data, err := os.ReadFile(filepath.Join(destDir, "manifest.json"))
	assert.NoError(t, err)
	assert.Equal(t, `{"name":"sample"}`, string(data))
}

func TestExtractRejectsNestedPath(t *testing.T) {
	pkgPath := buildPackage(t, map[string]string{"lib/sample.so": "x"})
	assert.Error(t, Extract(pkgPath, t.TempDir()))
}

func TestExtractRejectsEscapingPath(t *testing.T) {
	pkgPath := buildPackage(t, map[string]string{"../escape.txt": "x"})
	assert.Error(t, Extract(pkgPath, t.TempDir()))
}

func TestExtractRejectsNonGzipInput(t *testing.T) {
	dir := t.TempDir()
	pkgPath := filepath.Join(dir, "pkg.helx")
	assert.NoError(t, os.WriteFile(pkgPath, []byte("not a gzip stream"), 0o644))
	assert.Error(t, Extract(pkgPath, t.TempDir()))
}

func TestRejectEscape(t *testing.T) {
	assert.NoError(t, rejectEscape("manifest.json"))
	assert.NoError(t, rejectEscape("."))
	assert.Error(t, rejectEscape("/etc/passwd"))
	assert.Error(t, rejectEscape(".."))
	assert.Error(t, rejectEscape("../x"))
}
