// Package archive extracts .helx packages (gzip-compressed tar archives)
// without invoking a shell.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package archive

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexdev-tb/helix/internal/herrors"
)

// Extract unpacks the .helx archive at srcPath into destDir (which must
// already exist). Rejects entries with path components that escape destDir
// (".." segments or absolute paths). On any failure the caller is
// responsible for removing destDir; Extract never leaves destDir in a
// worse state than when it was asked to fail, but it does not clean up
// itself so the daemon can decide extraction-failure bookkeeping in one
// place (see daemon.Install).
func Extract(srcPath, destDir string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return herrors.Wrap(err, herrors.ExtractFailed, "open package file").WithContext("path", srcPath)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return herrors.Wrap(err, herrors.ExtractFailed, "package is not gzip-compressed").WithContext("path", srcPath)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return herrors.Wrap(err, herrors.ExtractFailed, "corrupt tar stream").WithContext("path", srcPath)
		}

		if err := rejectEscape(hdr.Name); err != nil {
			return err
		}
		name := filepath.Clean(hdr.Name) // tolerate "./manifest.json"-style entries
		if name == "." {
			continue
		}
		if strings.ContainsRune(name, filepath.Separator) {
			// top-level entries only, per the .helx format
			return herrors.New(herrors.ExtractFailed, "package contains nested path").WithContext("entry", hdr.Name)
		}

		outPath := filepath.Join(destDir, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			// the format has no subdirectories; a directory entry for "." is
			// harmless and ignored
			continue
		case tar.TypeReg:
			if err := writeFile(outPath, tr, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		default:
			return herrors.New(herrors.ExtractFailed, "unsupported tar entry type").WithContext("entry", name)
		}
	}
	return nil
}

func rejectEscape(name string) error {
	if filepath.IsAbs(name) {
		return herrors.New(herrors.ExtractFailed, "package entry has absolute path").WithContext("entry", name)
	}
	clean := filepath.Clean(name)
	if clean == "." {
		return nil
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return herrors.New(herrors.ExtractFailed, "package entry escapes destination").WithContext("entry", name)
	}
	return nil
}

func writeFile(outPath string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return herrors.Wrap(err, herrors.ExtractFailed, "create extracted file").WithContext("path", outPath)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return herrors.Wrap(err, herrors.ExtractFailed, "write extracted file").WithContext("path", outPath)
	}
	return nil
}
