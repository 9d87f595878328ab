// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package hlog

import "runtime"

// SafeGo runs fn in a new goroutine, recovering and logging any panic
// instead of letting it crash the daemon. The daemon spawns no goroutines
// on behalf of modules; sink invocations go through SafeCall.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer recoverAndLog(logger)
		fn()
	}()
}

// SafeCall runs fn synchronously with the same panic-to-log conversion,
// for callback invocations (e.g. a logging sink) that must not propagate
// a panic back into the dispatcher.
func SafeCall(logger Logger, fn func()) {
	defer recoverAndLog(logger)
	fn()
}

func recoverAndLog(logger Logger) {
	if r := recover(); r != nil {
		buf := make([]byte, 64<<10)
		n := runtime.Stack(buf, false)
		if logger == nil {
			logger = NewNoOpLogger()
		}
		logger.Error("panic recovered", "panic", r, "stack", string(buf[:n]))
	}
}
