// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sgerr defines the closed set of error kinds the runtime recognizes
// and a structured wrapper carrying the locus/digest context a caller needs
// to decide whether an error is locally recoverable or fatal.
package sgerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories named by the runtime's error
// handling design. Locally-recovered kinds are scored as invocation failures
// and never propagate past the pathway executor on their own; the rest are
// fatal and propagate to the caller.
type Kind string

const (
	SchemaMismatch        Kind = "schema_mismatch"
	SandboxImportDenied   Kind = "sandbox_import_denied"
	SandboxBuiltinDenied  Kind = "sandbox_builtin_denied"
	SandboxTimeout        Kind = "sandbox_timeout"
	SandboxRuntimeFault   Kind = "sandbox_runtime_fault"
	BindingError          Kind = "binding_error"
	TransactionIncomplete Kind = "transaction_incomplete"
	RegistryCorrupt       Kind = "registry_corrupt"
	ProtectedResource     Kind = "protected_resource"
	MutationEngineFailure Kind = "mutation_engine_failure"
	LocusExhausted        Kind = "locus_exhausted"
)

// Recoverable reports whether an error of this kind is scored as an
// invocation failure rather than propagated as a fatal pathway error.
func (k Kind) Recoverable() bool {
	switch k {
	case SchemaMismatch, SandboxImportDenied, SandboxBuiltinDenied, SandboxTimeout, SandboxRuntimeFault, ProtectedResource:
		return true
	default:
		return false
	}
}

// Error is the structured error type returned throughout the runtime. It
// always carries a Kind and wraps an underlying cause where one exists.
type Error struct {
	Kind   Kind
	Locus  string
	Digest string
	Cause  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Locus != "" {
		msg = fmt.Sprintf("%s: locus %s", msg, e.Locus)
	}
	if e.Digest != "" {
		msg = fmt.Sprintf("%s: digest %s", msg, e.Digest)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, sgerr.SchemaMismatch) style checks by comparing
// Kind via a sentinel wrapper, since Kind itself is a plain string type.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an *Error of the given kind wrapping cause, with optional
// locus/digest context attached via With.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// WithLocus returns a copy of e with Locus set.
func (e *Error) WithLocus(locus string) *Error {
	cp := *e
	cp.Locus = locus
	return &cp
}

// WithDigest returns a copy of e with Digest set.
func (e *Error) WithDigest(digest string) *Error {
	cp := *e
	cp.Digest = digest
	return &cp
}

// Of reports the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
