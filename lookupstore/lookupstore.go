// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

// Package lookupstore precomputes, per reference branch and per
// alphabet symbol, the per-site log-likelihood vector obtained by
// placing a homogeneous "ccc...c" query on that branch, a cache that
// lets the pipeline skip a full Tiny-Tree placement for prescoring
// homogeneous runs. Population is lazy and single-writer-per-branch,
// using the same mutex-guarded lazy-population idiom as other
// per-key caches in this module.
package lookupstore

import (
	"fmt"
	"sync"

	"github.com/js-arias/epa/numerics"
	"github.com/js-arias/epa/reftree"
	"github.com/js-arias/epa/tinytree"
)

// NTMapSize and AAMapSize are the alphabet sizes the footprint
// formula and the dense per-branch table are sized against.
const (
	NTMapSize = 16
	AAMapSize = 23
)

// Store is a dense, per-branch, per-symbol cache of per-site
// log-likelihood vectors.
type Store struct {
	ref     *reftree.Tree
	part    numerics.Partition
	symbols []byte

	mu   []sync.Mutex
	rows [][][]float64 // [branch][symbol code] -> per-site logl
}

// New builds an empty Store for ref/part, populated lazily. symbols is
// the alphabet this store will be queried with (its order defines the
// "symbol code" index Get accepts).
func New(ref *reftree.Tree, part numerics.Partition, symbols []byte) *Store {
	n := ref.Len()
	s := &Store{
		ref:     ref,
		part:    part,
		symbols: symbols,
		mu:      make([]sync.Mutex, n),
		rows:    make([][][]float64, n),
	}
	for i := range s.rows {
		s.rows[i] = make([][]float64, len(symbols))
	}
	return s
}

// Get returns the per-site log-likelihood vector for branchID under
// the homogeneous sequence made of symbol, populating it on first
// access under that branch's mutex.
func (s *Store) Get(branchID uint32, symbol byte) ([]float64, error) {
	code := -1
	for i, c := range s.symbols {
		if c == symbol {
			code = i
			break
		}
	}
	if code < 0 {
		return nil, fmt.Errorf("lookupstore: symbol %q not in alphabet", symbol)
	}

	s.mu[branchID].Lock()
	defer s.mu[branchID].Unlock()

	if row := s.rows[branchID][code]; row != nil {
		return row, nil
	}

	tt, err := tinytree.New(s.ref, s.part, branchID)
	if err != nil {
		return nil, err
	}
	defer tt.Close()

	sites := s.part.Sites()
	seq := make([]byte, sites)
	for i := range seq {
		seq[i] = symbol
	}

	if err := tt.Partition().SetTipStates(tinytree.NewTipCLV, string(seq)); err != nil {
		return nil, fmt.Errorf("lookupstore: %w", err)
	}

	perSite := make([]float64, sites)
	if _, err := tt.Partition().EdgeLogLikelihood(tinytree.NewTipCLV, numerics.ScaleBufferNone, tinytree.InnerCLV, numerics.ScaleBufferNone, tinytree.InnerCLV, []int{0}, perSite); err != nil {
		return nil, err
	}

	s.rows[branchID][code] = perSite
	return perSite, nil
}

// FootprintBytes returns the dense footprint of a fully-populated
// store: branches * effective_states * sites * 8 bytes.
func FootprintBytes(branches, effectiveStates, sites int) int64 {
	return int64(branches) * int64(effectiveStates) * int64(sites) * 8
}

// EffectiveStates returns NTMapSize for nucleotide alphabets (states <=
// 4) or AAMapSize otherwise, the alphabet-size basis for the lookup
// footprint.
func EffectiveStates(states int) int {
	if states <= 4 {
		return NTMapSize
	}
	return AAMapSize
}
