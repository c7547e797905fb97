// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

// Package epaerr defines the error taxonomy used across the placement
// pipeline.
//
// Every error produced by the core packages wraps one of the sentinels
// defined here, so callers can use errors.Is to decide how to react
// (skip a query, abort a stage, or abort the whole run) without parsing
// error strings.
package epaerr

import "errors"

// Sentinel error kinds.
var (
	// ErrInputShape indicates a query sequence whose length does not
	// match the reference alignment.
	ErrInputShape = errors.New("input shape mismatch")

	// ErrEmptyRange indicates that premasking found no non-gap site in
	// a query sequence.
	ErrEmptyRange = errors.New("empty valid range")

	// ErrBadState indicates that the charmap rejected a sequence
	// character.
	ErrBadState = errors.New("bad sequence state")

	// ErrDegenerateBranch indicates a placement with logl = -Inf, or a
	// distal/pendant invariant breach.
	ErrDegenerateBranch = errors.New("degenerate branch placement")

	// ErrTransport indicates that the message-passing substrate
	// returned a non-success code.
	ErrTransport = errors.New("transport failure")

	// ErrBudgetInfeasible indicates a memory constraint below the
	// computed minimum footprint.
	ErrBudgetInfeasible = errors.New("memory budget infeasible")

	// ErrCheckpointMismatch indicates that a reloaded checkpoint does
	// not describe the same reference structure as expected.
	ErrCheckpointMismatch = errors.New("checkpoint mismatch")
)

// Fatal reports whether an error kind always aborts the whole run, as
// opposed to ErrEmptyRange, which only skips the offending query.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEmptyRange) {
		return false
	}
	return true
}
