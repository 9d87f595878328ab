// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package hlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSafeCallRecoversPanic(t *testing.T) {
	l := NewTestLogger()
	assert.NotPanics(t, func() {
		SafeCall(l, func() { panic("sink exploded") })
	})
	assert.Len(t, l.Entries, 1)
	assert.Equal(t, "panic recovered", l.Entries[0].Msg)
}

func TestSafeGoRecoversPanicInGoroutine(t *testing.T) {
	l := NewTestLogger()
	SafeGo(l, func() { panic("module callback exploded") })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		n := len(l.Entries)
		l.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("panic was not recorded")
}
