// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package persist

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alexdev-tb/helix/internal/hlog"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	states := map[string]State{
		"a": Installed,
		"b": Running,
		"c": Stopped,
	}
	assert.NoError(t, Save(dir, states))

	loaded := Load(dir, nil)
	assert.Equal(t, states, loaded)
}

func TestLoadMissingSidecarReturnsEmpty(t *testing.T) {
	loaded := Load(t.TempDir(), nil)
	assert.Empty(t, loaded)
}

func TestLoadMalformedSidecarIsTolerant(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(Path(dir), []byte("not json"), 0o644))

	l := hlog.NewTestLogger()
	loaded := Load(dir, l)
	assert.Empty(t, loaded)
	assert.NotEmpty(t, l.Entries)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, Installed, Normalize(Installed))
	assert.Equal(t, Running, Normalize(Running))
	assert.Equal(t, Installed, Normalize(State("Error")))
	assert.Equal(t, Installed, Normalize(State("Loaded")))
	assert.Equal(t, Installed, Normalize(State("Unknown")))
}
