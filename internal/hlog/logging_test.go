// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package hlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTestLoggerRecordsEntries(t *testing.T) {
	l := NewTestLogger()
	l.Info("module enabled", "name", "sample")
	l.Error("module failed", "name", "sample", "err", "boom")

	assert.Len(t, l.Entries, 2)
	assert.Equal(t, "info", l.Entries[0].Level)
	assert.Equal(t, "module enabled", l.Entries[0].Msg)
	assert.Equal(t, "error", l.Entries[1].Level)
}

func TestWithCarriesContextIntoFutureCalls(t *testing.T) {
	l := NewTestLogger()
	scoped := l.With("module", "sample")
	scoped.Warn("retrying")

	assert.Len(t, l.Entries, 1)
	assert.Equal(t, []any{"module", "sample"}, l.Entries[0].Args)
}

func TestNoOpLoggerDiscardsEverything(t *testing.T) {
	var l Logger = NewNoOpLogger()
	assert.NotPanics(t, func() {
		l.Debug("x")
		l.Info("x")
		l.Warn("x")
		l.Error("x")
		l.With("a", 1).Info("y")
	})
}
