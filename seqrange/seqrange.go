// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

// Package seqrange implements the valid, non-gap window of an aligned
// sequence.
package seqrange

// Range is a half-open window [Begin, Begin+Span) over an aligned
// sequence.
type Range struct {
	Begin uint32
	Span  uint32
}

// Empty reports whether r has no sites.
func (r Range) Empty() bool {
	return r.Span == 0
}

// End returns the one-past-the-last index of r.
func (r Range) End() uint32 {
	return r.Begin + r.Span
}

// isGap reports whether c is a gap or ambiguity placeholder for the
// purposes of GetValidRange: any of '-', '.', '?', 'N', 'X' (case
// insensitive).
func isGap(c byte) bool {
	switch c {
	case '-', '.', '?', 'N', 'n', 'X', 'x':
		return true
	}
	return false
}

// GetValidRange scans sites once and returns the half-open interval from
// the first to one-past-the-last non-gap position. If sites has no
// non-gap character, it returns the empty Range.
func GetValidRange(sites string) Range {
	first := -1
	last := -1
	for i := 0; i < len(sites); i++ {
		if isGap(sites[i]) {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if first < 0 {
		return Range{}
	}
	return Range{Begin: uint32(first), Span: uint32(last - first + 1)}
}

// Superset returns the smallest Range containing both a and b.
func Superset(a, b Range) Range {
	if a.Empty() {
		return b
	}
	if b.Empty() {
		return a
	}
	begin := a.Begin
	if b.Begin < begin {
		begin = b.Begin
	}
	end := a.End()
	if b.End() > end {
		end = b.End()
	}
	return Range{Begin: begin, Span: end - begin}
}
