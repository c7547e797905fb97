// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

// Package kernel scores, and optionally optimises, one query sequence
// against one reference branch through a bound Tiny-Tree, following
// Tiny_Tree.cpp's place() step by step.
package kernel

import (
	"fmt"
	"math"
	"sync"

	"github.com/js-arias/epa/epaerr"
	"github.com/js-arias/epa/numerics"
	"github.com/js-arias/epa/placement"
	"github.com/js-arias/epa/reftree"
	"github.com/js-arias/epa/seqrange"
	"github.com/js-arias/epa/tinytree"
)

// Options controls how Place runs joint branch-length optimisation.
type Options struct {
	// Premasking restricts both optimisation and the final
	// log-likelihood to the query's valid (non-gap) range.
	Premasking bool

	// SlidingBLO seeds each optimisation sweep with the previous
	// sweep's branch lengths instead of resetting to the midpoint
	// guess every time.
	SlidingBLO bool

	// MaxSweeps caps the number of joint Brent sweeps. Zero selects
	// the default of 20.
	MaxSweeps int
}

const defaultMaxSweeps = 20

// convergenceEps is the Δlogl threshold below which joint optimisation
// sweeps stop.
const convergenceEps = 1e-3

func (o Options) maxSweeps() int {
	if o.MaxSweeps > 0 {
		return o.MaxSweeps
	}
	return defaultMaxSweeps
}


// Place scores seq against the reference branch tt is bound to. When
// optBranches is set, it jointly optimises the triplet of branch
// lengths first.
func Place(tt *tinytree.TinyTree, seq placement.Sequence, optBranches bool, opts Options) (placement.Placement, error) {
	part := tt.Partition()

	if len(seq.Sites) != part.Sites() {
		return placement.Placement{}, fmt.Errorf("%w: sequence length %d, partition expects %d", epaerr.ErrInputShape, len(seq.Sites), part.Sites())
	}

	var rng seqrange.Range
	if opts.Premasking {
		rng = seqrange.GetValidRange(seq.Sites)
		if rng.Empty() {
			return placement.Placement{}, epaerr.ErrEmptyRange
		}
	}

	if err := part.SetTipStates(tinytree.NewTipCLV, seq.Sites); err != nil {
		return placement.Placement{}, fmt.Errorf("%w: %v", epaerr.ErrBadState, err)
	}

	triplet := tt.Triplet()
	distal, proximal := triplet[1], triplet[0]
	pendant := triplet[2]

	if optBranches {
		obj := newObjective(tt, opts.Premasking, rng)
		d, p, innerLen, err := optimizeJoint(obj, triplet, opts)
		if err != nil {
			return placement.Placement{}, err
		}
		distal, proximal, pendant = d, p, innerLen

		// Reset the triplet to the canonical, un-split state so the
		// next Place call on this Tiny-Tree starts fresh.
		defer func() {
			half := tt.OriginalBranchLength() / 2
			tt.SetTriplet(half, half, tinytreeDefaultPendant)
		}()
	}

	// Install the (possibly optimised) triplet one last time: a Brent
	// sweep's final trial point is not necessarily its argmax, so the
	// log-likelihood below must be evaluated at the winning lengths,
	// before distal is rescaled for reporting.
	if err := tt.SetTriplet(proximal, distal, pendant); err != nil {
		return placement.Placement{}, err
	}

	logl, err := edgeLogLikelihood(part, opts.Premasking, rng)
	if err != nil {
		return placement.Placement{}, err
	}

	if optBranches {
		// Rescale distal so distal+proximal sums back to the
		// original, un-split branch length. This is a reporting-only
		// transform: it must not feed back into the Tiny-Tree's
		// pmatrices, or the reported logl would stop matching the
		// optimum actually found.
		total := distal + proximal
		if total > 0 {
			distal = (tt.OriginalBranchLength() / total) * distal
		}
	}

	if math.IsInf(logl, -1) {
		return placement.Placement{}, fmt.Errorf("%w: branch %d", epaerr.ErrDegenerateBranch, tt.BranchID())
	}

	return placement.NewPlacement(tt.BranchID(), logl, pendant, distal, tt.OriginalBranchLength())
}

// tinytreeDefaultPendant mirrors tinytree's own default pendant length;
// duplicated rather than exported since it is tinytree's implementation
// detail, not part of its public contract.
const tinytreeDefaultPendant = 0.1

// edgeLogLikelihood computes the log-likelihood between the query tip
// and the inner CLV, restricted to rng when premasking is set.
func edgeLogLikelihood(part numerics.Partition, premasking bool, rng seqrange.Range) (float64, error) {
	if !premasking {
		logl, err := part.EdgeLogLikelihood(tinytree.NewTipCLV, numerics.ScaleBufferNone, tinytree.InnerCLV, numerics.ScaleBufferNone, tinytree.InnerCLV, []int{0}, nil)
		return logl, err
	}
	perSite := make([]float64, part.Sites())
	if _, err := part.EdgeLogLikelihood(tinytree.NewTipCLV, numerics.ScaleBufferNone, tinytree.InnerCLV, numerics.ScaleBufferNone, tinytree.InnerCLV, []int{0}, perSite); err != nil {
		return 0, err
	}
	var total float64
	for i := rng.Begin; i < rng.End(); i++ {
		total += perSite[i]
	}
	return total, nil
}

// PlaceAll fans the placement of one query against every branch of ref
// out across workers goroutines, one Tiny-Tree per goroutine per
// branch. Tiny-Trees are never shared across threads.
func PlaceAll(ref *reftree.Tree, part numerics.Partition, seq placement.Sequence, queryID uint32, optBranches bool, opts Options, workers int) (*placement.Sample, error) {
	branches := ref.Branches()
	ids := make([]uint32, len(branches))
	for i, b := range branches {
		ids[i] = b.ID
	}
	return PlaceBranches(ref, part, seq, queryID, ids, optBranches, opts, workers)
}

// PlaceBranches fans the placement of one query against exactly the
// named branchIDs out across workers goroutines, one Tiny-Tree per
// goroutine per branch. This is the worker pool the pipeline driver's
// Score stage uses to re-place only the candidate branches a query
// survived prescoring on, rather than every reference branch.
// Tiny-Trees are never shared across threads.
func PlaceBranches(ref *reftree.Tree, part numerics.Partition, seq placement.Sequence, queryID uint32, branchIDs []uint32, optBranches bool, opts Options, workers int) (*placement.Sample, error) {
	if workers < 1 {
		workers = 1
	}

	type result struct {
		p   placement.Placement
		err error
	}

	jobs := make(chan uint32)
	results := make(chan result, len(branchIDs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				tt, err := tinytree.New(ref, part, id)
				if err != nil {
					results <- result{err: err}
					continue
				}
				p, err := Place(tt, seq, optBranches, opts)
				tt.Close()
				if err != nil {
					results <- result{err: err}
					continue
				}
				results <- result{p: p}
			}
		}()
	}

	go func() {
		for _, id := range branchIDs {
			jobs <- id
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	sample := placement.NewSample()
	for r := range results {
		if r.err != nil {
			if epaerr.Fatal(r.err) {
				return nil, r.err
			}
			continue
		}
		sample.AddPlacement(queryID, seq.Header, r.p)
	}
	return sample, nil
}
