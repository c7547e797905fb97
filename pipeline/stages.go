// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

package pipeline

import (
	"github.com/js-arias/epa/candidate"
	"github.com/js-arias/epa/kernel"
	"github.com/js-arias/epa/lookupstore"
	"github.com/js-arias/epa/numerics"
	"github.com/js-arias/epa/placement"
	"github.com/js-arias/epa/reftree"
)

// ReadStage is the pipeline's source: it chunks a pre-loaded query
// list into Data tokens of at most ChunkSize queries, then emits one
// EOF token. Parsing the underlying alignment format is out of this
// module's scope; Queries must already be decoded.
type ReadStage struct {
	Queries   []placement.Sequence
	ChunkSize int

	// IDOffset is added to every generated query_id. A multi-rank
	// driver splitting one query list into contiguous per-rank shards
	// sets this to the shard's starting position, so IDs stay globally
	// unique and Samples from different ranks merge by query_id
	// without collision.
	IDOffset uint32
}

func (s *ReadStage) chunkSize() int {
	if s.ChunkSize > 0 {
		return s.ChunkSize
	}
	return 1
}

func (s *ReadStage) Run(in <-chan Token, out chan<- Token) {
	size := s.chunkSize()
	for i := 0; i < len(s.Queries); i += size {
		end := i + size
		if end > len(s.Queries) {
			end = len(s.Queries)
		}
		ids := make([]uint32, end-i)
		for j := range ids {
			ids[j] = s.IDOffset + uint32(i+j)
		}
		out <- Token{Status: Data, QueryIDs: ids, Queries: s.Queries[i:end]}
	}
	out <- Token{Status: EOF}
}

// PrescoreStage computes, for every query in a token, an approximate
// per-branch log-likelihood via the lookup store (summing each site's
// precomputed homogeneous-tip logl for the symbol actually observed at
// that site), then keeps the shortest branch prefix whose accumulated
// LWR clears Threshold.
type PrescoreStage struct {
	Ref       *reftree.Tree
	Part      numerics.Partition
	Store     *lookupstore.Store
	Threshold float64
}

func (s *PrescoreStage) approxLogl(branchID uint32, seq placement.Sequence) (float64, error) {
	var total float64
	for site := 0; site < len(seq.Sites); site++ {
		row, err := s.Store.Get(branchID, seq.Sites[site])
		if err != nil {
			return 0, err
		}
		total += row[site]
	}
	return total, nil
}

func (s *PrescoreStage) Run(in <-chan Token, out chan<- Token) {
	for t := range in {
		if t.Status != Data {
			out <- t
			if t.Status == EOF {
				return
			}
			continue
		}

		sample := placement.NewSample()
		for i, seq := range t.Queries {
			queryID := t.QueryIDs[i]
			for _, b := range s.Ref.Branches() {
				logl, err := s.approxLogl(b.ID, seq)
				if err != nil {
					continue
				}
				p, err := placement.NewPlacement(b.ID, logl, 0, 0, b.Length)
				if err != nil {
					continue
				}
				sample.AddPlacement(queryID, seq.Header, p)
			}
		}
		candidate.ComputeAndSetLWR(sample)
		candidate.DiscardByAccumulatedThreshold(sample, s.Threshold)

		out <- Token{Status: Data, QueryIDs: t.QueryIDs, Queries: t.Queries, Sample: sample}
	}
}

// ScoreStage re-places each query exactly (joint branch-length
// optimisation optional) on only the branches that survived
// PrescoreStage's pruning, replacing the approximate placements with
// exact ones.
type ScoreStage struct {
	Ref         *reftree.Tree
	Part        numerics.Partition
	OptBranches bool
	Opts        kernel.Options
	Workers     int
}

func (s *ScoreStage) workers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return 1
}

func (s *ScoreStage) Run(in <-chan Token, out chan<- Token) {
	for t := range in {
		if t.Status != Data {
			out <- t
			if t.Status == EOF {
				return
			}
			continue
		}

		final := placement.NewSample()
		if t.Sample != nil {
			seqOf := make(map[uint32]placement.Sequence, len(t.QueryIDs))
			for i, id := range t.QueryIDs {
				seqOf[id] = t.Queries[i]
			}
			for _, pq := range t.Sample.Queries() {
				seq, ok := seqOf[pq.QueryID]
				if !ok {
					continue
				}
				branchIDs := make([]uint32, len(pq.Placements))
				for i, cand := range pq.Placements {
					branchIDs[i] = cand.BranchID
				}
				sub, err := kernel.PlaceBranches(s.Ref, s.Part, seq, pq.QueryID, branchIDs, s.OptBranches, s.Opts, s.workers())
				if err != nil {
					continue
				}
				final.Merge(sub)
			}
		}
		candidate.ComputeAndSetLWR(final)

		out <- Token{Status: Data, QueryIDs: t.QueryIDs, Queries: t.Queries, Sample: final}
	}
}

// WriteStage is the pipeline's sink: it accumulates every Data token's
// Sample into a running total. Serialising that Sample to jplace is
// out of this module's scope; Result exposes the accumulated Sample
// for an external writer to encode.
type WriteStage struct {
	acc *placement.Sample
}

func (s *WriteStage) Run(in <-chan Token, out chan<- Token) {
	s.acc = placement.NewSample()
	for t := range in {
		if t.Status == Data && t.Sample != nil {
			s.acc.Merge(t.Sample)
		}
		out <- t
		if t.Status == EOF {
			return
		}
	}
}

// Result returns the Sample accumulated across every Data token seen
// so far.
func (s *WriteStage) Result() *placement.Sample {
	if s.acc == nil {
		return placement.NewSample()
	}
	return s.acc
}
