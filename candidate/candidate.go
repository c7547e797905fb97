// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

// Package candidate distills a per-query matrix of placements into a
// compact ranked set of candidate branches, by computing likelihood
// weight ratios and pruning by support or by accumulated mass.
package candidate

import (
	"math"
	"sort"

	"github.com/js-arias/epa/placement"
)

// ComputeAndSetLWR sets the LWR field of every placement in every PQuery
// of s.
//
// For a PQuery with log-likelihoods logl_i, let L* = max logl_i. Then
// w_i = exp(logl_i - L*) and lwr_i = w_i / sum_j w_j. This is the same
// numerically-stable log-sum-exp used to normalize pixel likelihoods
// during ancestral reconstruction: track the running maximum, accumulate
// exp(p-max), and only exponentiate relative to that maximum.
//
// Non-finite logl values are dropped before the ratio is computed; if
// every placement in a PQuery is non-finite, the PQuery is left empty.
func ComputeAndSetLWR(s *placement.Sample) {
	for _, pq := range s.Queries() {
		finite := pq.Placements[:0:0]
		for _, p := range pq.Placements {
			if math.IsInf(p.LogL, 0) || math.IsNaN(p.LogL) {
				continue
			}
			finite = append(finite, p)
		}
		pq.Placements = finite
		if len(pq.Placements) == 0 {
			continue
		}

		max := -math.MaxFloat64
		for _, p := range pq.Placements {
			if p.LogL > max {
				max = p.LogL
			}
		}
		var sum float64
		for _, p := range pq.Placements {
			sum += math.Exp(p.LogL - max)
		}
		for i := range pq.Placements {
			pq.Placements[i].LWR = math.Exp(pq.Placements[i].LogL-max) / sum
		}
	}
}

// sortByLWRDesc sorts placements by descending LWR, breaking ties by
// ascending branch_id.
func sortByLWRDesc(p []placement.Placement) {
	sort.SliceStable(p, func(i, j int) bool {
		if p[i].LWR != p[j].LWR {
			return p[i].LWR > p[j].LWR
		}
		return p[i].BranchID < p[j].BranchID
	})
}

// DiscardBySupportThreshold removes every placement whose LWR is below
// theta, except that each PQuery retains at least one placement (the
// highest-LWR one, even if it is below theta).
//
// theta == 0 is a no-op. theta > 1 retains exactly one placement per
// PQuery. An empty PQuery is left untouched.
func DiscardBySupportThreshold(s *placement.Sample, theta float64) {
	for _, pq := range s.Queries() {
		if len(pq.Placements) == 0 {
			continue
		}
		best := 0
		for i, p := range pq.Placements {
			if p.LWR > pq.Placements[best].LWR {
				best = i
			}
		}
		kept := pq.Placements[:0:0]
		for i, p := range pq.Placements {
			if p.LWR >= theta || i == best {
				kept = append(kept, p)
			}
		}
		pq.Placements = kept
	}
}

// DiscardByAccumulatedThreshold sorts each PQuery by descending LWR
// (branch_id tie-break) and retains the shortest prefix whose cumulative
// LWR is at least theta. At least one placement is always kept.
func DiscardByAccumulatedThreshold(s *placement.Sample, theta float64) {
	for _, pq := range s.Queries() {
		if len(pq.Placements) == 0 {
			continue
		}
		sortByLWRDesc(pq.Placements)

		var cum float64
		cut := len(pq.Placements)
		for i, p := range pq.Placements {
			cum += p.LWR
			if cum >= theta {
				cut = i + 1
				break
			}
		}
		if cut < 1 {
			cut = 1
		}
		pq.Placements = pq.Placements[:cut]
	}
}
