// Package herrors defines the structured error taxonomy surfaced at the
// Helix core boundary.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package herrors

import (
	"github.com/agilira/go-errors"
)

// Kind identifies one of the error categories the core boundary exposes.
// Every operation that can fail returns a *Error carrying exactly one Kind.
type Kind string

const (
	NotInitialized     Kind = "NotInitialized"
	NotFound           Kind = "NotFound"
	AlreadyPresent     Kind = "AlreadyPresent"
	BadState           Kind = "BadState"
	ManifestInvalid    Kind = "ManifestInvalid"
	ExtractFailed      Kind = "ExtractFailed"
	VersionGate        Kind = "VersionGate"
	LoadFailed         Kind = "LoadFailed"
	SymbolMissing      Kind = "SymbolMissing"
	ModuleCallFailed   Kind = "ModuleCallFailed"
	DependencyMissing  Kind = "DependencyMissing"
	DependencyCircular Kind = "DependencyCircular"
	DependentsPresent  Kind = "DependentsPresent"
	IoError            Kind = "IoError"
)

// codeFor maps each Kind to the stable code carried on the underlying
// go-errors.Error, grouped by concern.
var codeFor = map[Kind]errors.ErrorCode{
	NotInitialized:     "HELIX_0001",
	NotFound:           "HELIX_0002",
	AlreadyPresent:     "HELIX_0003",
	BadState:           "HELIX_0004",
	ManifestInvalid:    "HELIX_0101",
	ExtractFailed:      "HELIX_0102",
	VersionGate:        "HELIX_0103",
	LoadFailed:         "HELIX_0201",
	SymbolMissing:      "HELIX_0202",
	ModuleCallFailed:   "HELIX_0203",
	DependencyMissing:  "HELIX_0301",
	DependencyCircular: "HELIX_0302",
	DependentsPresent:  "HELIX_0303",
	IoError:            "HELIX_0401",
}

// Error wraps *errors.Error (github.com/agilira/go-errors) with a typed
// Kind so callers can switch on category without parsing codes. Error()
// renders the plain human-readable message (plus the cause for wrapped
// errors); the go-errors code/severity/context machinery stays available
// through Unwrap for structured consumers.
type Error struct {
	Kind  Kind
	Op    string
	msg   string
	cause error
	Err   *errors.Error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a fresh Error of the given Kind.
func New(kind Kind, msg string) *Error {
	return &Error{
		Kind: kind,
		msg:  msg,
		Err:  errors.New(codeFor[kind], msg).WithSeverity("error"),
	}
}

// Wrap builds an Error of the given Kind around a causal error.
func Wrap(cause error, kind Kind, msg string) *Error {
	return &Error{
		Kind:  kind,
		msg:   msg,
		cause: cause,
		Err:   errors.Wrap(cause, codeFor[kind], msg).WithSeverity("error"),
	}
}

// WithContext attaches a key/value pair of diagnostic context.
func (e *Error) WithContext(key string, value interface{}) *Error {
	e.Err = e.Err.WithContext(key, value)
	return e
}

// WithOp records which daemon operation produced the error; the IPC layer
// uses this to format "ERR <op>: <reason>" replies.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	e.Err = e.Err.WithContext("op", op)
	return e
}

// Is reports whether err carries the given Kind, unwrapping through
// standard wrapping.
func Is(err error, kind Kind) bool {
	var he *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			he = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return he != nil && he.Kind == kind
}
