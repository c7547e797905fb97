// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

// Package tinytree builds the minimal three-tip sub-likelihood problem
// used to place one query sequence on one reference branch. It owns a
// small scratch numerics.Partition of its own, never the reference
// tree's partition, whose CLV indices must survive untouched across
// every branch a placement run visits, and aliases only the read-only,
// model-wide parameters (frequencies, exchange rates, rate categories,
// charmap, pattern weights) straight off it. The two conditional
// likelihood vectors the Tiny-Tree actually needs are deep-copied out
// of the reference partition into the scratch one.
package tinytree

import (
	"fmt"

	"github.com/js-arias/epa/numerics"
	"github.com/js-arias/epa/reftree"
)

// Fixed node layout of the scratch partition. Tip
// indices 0..2 fall in the tip-pattern range (PartitionConfig.Tips ==
// 3), so the numerics provider stores them as compact character
// arrays; CLV indices 3..5 are full conditional likelihood buffers.
//
// NewTipCLV and InnerCLV are exported: the placement kernel and the
// lookup store both need to call SetTipStates/EdgeLogLikelihood
// directly against a Tiny-Tree's scratch Partition, and must agree
// with Tiny-Tree on where the query sequence goes and which CLV it is
// scored against.
const (
	NewTipCLV    = 0 // the query sequence, set by the placement kernel
	InnerCLV     = 3 // the virtual-root CLV the query tip is scored against
	distalTipIdx = 2 // the old tip, only used in the tip-tip case

	scratchTips = 3

	innerCLV    = InnerCLV
	proximalCLV = 4
	distalCLV   = 5
)

// CopyDepth selects how Clone duplicates a TinyTree.
type CopyDepth int

const (
	// Shallow re-duplicates only the deep-copied CLVs/scalers; the
	// scratch partition's aliased model parameters keep pointing at
	// the same backing arrays as the original (they are never
	// mutated through TinyTree, so sharing them is safe).
	Shallow CopyDepth = iota
	// Deep additionally asks the numerics provider for independently
	// owned copies of the aliased parameters.
	Deep
)

// TinyTree is a scoped, per-thread, per-branch compute object: a fresh
// three-tip numerics.Partition plus the bookkeeping to route the
// reference tree's real data through it.
type TinyTree struct {
	branchID uint32

	ref     *reftree.Tree
	refPart numerics.Partition

	// scratch is this TinyTree's own small partition. Close releases
	// it along with whatever buffers it holds; there is no
	// null-before-destroy ritual (Design Note §9) because nothing
	// outside this TinyTree ever observes scratch.
	scratch numerics.Partition

	originalBranchLength float64
	tipTip               bool

	triplet [3]float64 // [proximal, distal, inner] branch lengths
}

// defaultPendant is the initial pendant-branch length for the new tip,
// before branch-length optimisation runs.
const defaultPendant = 0.1

// New builds a TinyTree bound to the oriented reference edge identified
// by branchID in ref, sourcing CLVs and model parameters from refPart.
func New(ref *reftree.Tree, refPart numerics.Partition, branchID uint32) (*TinyTree, error) {
	if int(branchID) >= ref.Len() {
		return nil, fmt.Errorf("tinytree: branch %d out of range", branchID)
	}
	distal := ref.Node(int(branchID))
	if distal.IsRoot() {
		return nil, fmt.Errorf("tinytree: branch %d names the root, which has no parent edge", branchID)
	}
	proximal := ref.Node(distal.Parent)

	// Detect the tip-tip case: swap so the tip endpoint, if any, is
	// always distal.
	tipTip := false
	d, p := distal, proximal
	if d.IsTip() {
		tipTip = true
	} else if p.IsTip() {
		tipTip = true
		d, p = p, d
	}

	scratch, err := numerics.PartitionCreate(numerics.PartitionConfig{
		Tips:           scratchTips,
		InnerNodes:     2,
		CLVBuffers:     6,
		States:         refPart.States(),
		Sites:          refPart.Sites(),
		RateMatrices:   1,
		PMatrices:      6,
		RateCats:       refPart.RateCats(),
		ScaleBuffers:   1,
		Attrs:          numerics.Attributes{CPU: refPart.Attrs().CPU, PatternTip: true},
		Charmap:        refPart.Charmap(),
		Frequencies:    refPart.Frequencies(),
		ExchangeRates:  refPart.ExchangeRates(),
		RateCategories: refPart.RateCategories(),
		PropInvar:      refPart.PropInvar(),
		PatternWeights: refPart.PatternWeights(),
	})
	if err != nil {
		return nil, fmt.Errorf("tinytree: building scratch partition: %w", err)
	}

	tt := &TinyTree{
		branchID:             branchID,
		ref:                  ref,
		refPart:              refPart,
		scratch:              scratch,
		originalBranchLength: distal.Length,
		tipTip:               tipTip,
		triplet:              [3]float64{distal.Length / 2, distal.Length / 2, defaultPendant},
	}

	// Deep-copy the proximal CLV (step 5): the proximal endpoint is
	// always an inner node, by construction of the tip-tip swap.
	scratch.SetCLV(proximalCLV, refPart.CLV(p.CLVIndex))
	if s := refPart.Scaler(p.ScalerIndex); s != nil {
		scratch.SetScaler(proximalCLV, s)
	}

	if tipTip {
		scratch.SetTipChars(distalTipIdx, refPart.TipChars(d.CLVIndex))
	} else {
		scratch.SetCLV(distalCLV, refPart.CLV(d.CLVIndex))
		if s := refPart.Scaler(d.ScalerIndex); s != nil {
			scratch.SetScaler(distalCLV, s)
		}
	}

	if err := tt.precompute(); err != nil {
		return nil, err
	}
	return tt, nil
}

// BranchID returns the reference branch this TinyTree is bound to.
func (t *TinyTree) BranchID() uint32 { return t.branchID }

// OriginalBranchLength returns the un-split length of the bound branch.
func (t *TinyTree) OriginalBranchLength() float64 { return t.originalBranchLength }

// TipTip reports whether this TinyTree was built for an edge with a
// tip endpoint.
func (t *TinyTree) TipTip() bool { return t.tipTip }

// Partition exposes the scratch numerics partition so the placement
// kernel can call SetTipStates/UpdateProbMatrices/UpdatePartials/
// EdgeLogLikelihood against it directly.
func (t *TinyTree) Partition() numerics.Partition { return t.scratch }

// Triplet returns the current (proximal, distal, inner) branch lengths.
func (t *TinyTree) Triplet() [3]float64 { return t.triplet }

func (t *TinyTree) distalMatrixIdx() int {
	if t.tipTip {
		return distalTipIdx
	}
	return distalCLV
}

// SetTriplet installs new (proximal, distal, inner) branch lengths,
// recomputes the three probability matrices, and, since the inner CLV
// is a function of the distal/proximal pmatrices, refreshes the inner
// CLV by re-running the distal+proximal partial-update using the
// possibly-updated pmatrices. Every call that changes distal or
// proximal must repeat this, including the many trial evaluations a
// Brent line search makes, or the objective would score stale partials.
func (t *TinyTree) SetTriplet(proximal, distal, inner float64) error {
	t.triplet = [3]float64{proximal, distal, inner}
	if err := t.scratch.UpdateProbMatrices(
		[]int{0},
		[]int{proximalCLV, t.distalMatrixIdx(), innerCLV},
		[]float64{proximal, distal, inner},
	); err != nil {
		return err
	}
	return t.refreshInnerCLV()
}

// refreshInnerCLV recombines the distal and proximal CLVs through their
// current pmatrices into the inner (virtual-root) CLV.
func (t *TinyTree) refreshInnerCLV() error {
	distalClvIdx := distalCLV
	distalScaler := int32(distalCLV)
	if t.tipTip {
		distalClvIdx = distalTipIdx
		distalScaler = numerics.ScaleBufferNone
	}

	op := numerics.Operation{
		ParentCLV:    innerCLV,
		ParentScaler: numerics.ScaleBufferNone,
		Child1CLV:    distalClvIdx,
		Child1Scaler: distalScaler,
		Child1Matrix: t.distalMatrixIdx(),
		Child2CLV:    proximalCLV,
		Child2Scaler: proximalCLV,
		Child2Matrix: proximalCLV,
	}
	return t.scratch.UpdatePartials([]numerics.Operation{op})
}

// precompute resets the triplet to (l/2, l/2, defaultPendant) and
// refreshes the inner CLV, ready for the placement kernel to set the
// query sequence at NewTipCLV and optimise.
func (t *TinyTree) precompute() error {
	return t.SetTriplet(t.triplet[0], t.triplet[1], t.triplet[2])
}

// Clone duplicates a TinyTree by building a fresh scratch partition
// initialised from the same CLVs/tip characters/scalers the original
// holds, so mutating the clone's triplet or query tip never affects
// the original. Shallow and Deep differ only in whether the aliased
// model-wide parameters (read-only, and never mutated through
// TinyTree) are independently owned; both produce a scratch partition
// that is fully isolated from the original's for every field this
// package writes to.
func (t *TinyTree) Clone(depth CopyDepth) *TinyTree {
	scratch, err := numerics.PartitionCreate(numerics.PartitionConfig{
		Tips:           scratchTips,
		InnerNodes:     2,
		CLVBuffers:     6,
		States:         t.scratch.States(),
		Sites:          t.scratch.Sites(),
		RateMatrices:   1,
		PMatrices:      6,
		RateCats:       t.scratch.RateCats(),
		ScaleBuffers:   1,
		Attrs:          t.scratch.Attrs(),
		Charmap:        copyCharmap(t.scratch.Charmap(), depth),
		Frequencies:    copyFloats(t.scratch.Frequencies(), depth),
		ExchangeRates:  copyFloats(t.scratch.ExchangeRates(), depth),
		RateCategories: copyFloats(t.scratch.RateCategories(), depth),
		PropInvar:      t.scratch.PropInvar(),
		PatternWeights: copyFloats(t.scratch.PatternWeights(), depth),
	})
	if err != nil {
		// Cloning an already-valid TinyTree with its own already-valid
		// parameters cannot fail; PartitionCreate only rejects
		// malformed configs.
		panic(fmt.Sprintf("tinytree: Clone: %v", err))
	}

	scratch.SetCLV(proximalCLV, t.scratch.CLV(proximalCLV))
	if s := t.scratch.Scaler(proximalCLV); s != nil {
		scratch.SetScaler(proximalCLV, s)
	}
	if t.tipTip {
		scratch.SetTipChars(distalTipIdx, t.scratch.TipChars(distalTipIdx))
	} else {
		scratch.SetCLV(distalCLV, t.scratch.CLV(distalCLV))
		if s := t.scratch.Scaler(distalCLV); s != nil {
			scratch.SetScaler(distalCLV, s)
		}
	}
	scratch.SetCLV(innerCLV, t.scratch.CLV(innerCLV))

	return &TinyTree{
		branchID:             t.branchID,
		ref:                  t.ref,
		refPart:              t.refPart,
		scratch:              scratch,
		originalBranchLength: t.originalBranchLength,
		tipTip:               t.tipTip,
		triplet:              t.triplet,
	}
}

func copyFloats(v []float64, depth CopyDepth) []float64 {
	if depth == Shallow {
		return v
	}
	cp := make([]float64, len(v))
	copy(cp, v)
	return cp
}

func copyCharmap(m map[byte]uint32, depth CopyDepth) map[byte]uint32 {
	if depth == Shallow {
		return m
	}
	cp := make(map[byte]uint32, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Close releases the scratch partition's buffers. It never touches the
// reference tree or the reference partition's own state.
func (t *TinyTree) Close() {
	t.scratch = nil
}
