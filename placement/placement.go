// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

// Package placement defines the per-(query,branch) placement record and
// the per-query, order-preserving collection of placements produced by
// the placement kernel.
package placement

import (
	"fmt"
	"math"

	"github.com/js-arias/epa/epaerr"
)

// Sequence is an immutable aligned sequence, as read by an external
// FASTA/PHYLIP parser (out of scope for this module).
type Sequence struct {
	Header string
	Sites  string
}

// Placement is the maximum-likelihood insertion point and pendant branch
// length for a query sequence on one reference branch.
type Placement struct {
	BranchID      uint32
	LogL          float64
	PendantLength float64
	DistalLength  float64

	// LWR is the likelihood weight ratio, attached post-hoc by the
	// candidate selector. It is zero until ComputeAndSetLWR has run.
	LWR float64
}

// NewPlacement validates and builds a Placement.
//
// originalBranchLength is the un-split length of the reference branch
// that DistalLength must not exceed.
func NewPlacement(branchID uint32, logl, pendant, distal, originalBranchLength float64) (Placement, error) {
	if pendant < 0 {
		return Placement{}, fmt.Errorf("%w: negative pendant length %.6g on branch %d", epaerr.ErrDegenerateBranch, pendant, branchID)
	}
	if distal < 0 || distal > originalBranchLength {
		return Placement{}, fmt.Errorf("%w: distal length %.6g outside [0, %.6g] on branch %d", epaerr.ErrDegenerateBranch, distal, originalBranchLength, branchID)
	}
	if math.IsInf(logl, 0) || math.IsNaN(logl) {
		return Placement{}, fmt.Errorf("%w: non-finite logl on branch %d", epaerr.ErrDegenerateBranch, branchID)
	}
	return Placement{
		BranchID:      branchID,
		LogL:          logl,
		PendantLength: pendant,
		DistalLength:  distal,
	}, nil
}

// PQuery is the ordered list of placements found for one query sequence.
type PQuery struct {
	QueryID    uint32
	Header     string
	Placements []Placement
}
