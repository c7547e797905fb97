// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

// Package numerics declares the phylogenetic numerics provider that the
// placement kernel and Tiny-Tree treat as an opaque collaborator (spec
// §6.1): partition construction, tip-state assignment, probability
// matrix and partial-likelihood recursion, and edge log-likelihood.
//
// A default implementation, backed by gonum's eigen decomposition, is
// provided in gonum.go so the rest of this module is runnable without a
// cgo-backed numerics library; swapping in one later means implementing
// Partition, nothing more.
package numerics

import "errors"

// ScaleBufferNone is the sentinel scaler index meaning "this node (a
// tip) carries no scale buffer".
const ScaleBufferNone int32 = -1

// CPUFeatures reports which SIMD instruction sets a numerics provider
// may use. Per Design Note §9, this replaces hidden global SIMD-probe
// flags with an explicit dependency injected at driver construction.
type CPUFeatures struct {
	AVX2 bool
	AVX  bool
	SSE3 bool
}

// Attributes configures a partition's internal layout.
type Attributes struct {
	CPU CPUFeatures

	// PatternTip enables the tip-pattern optimisation: nodes with
	// clv_index < Tips are stored as compact character arrays rather
	// than full CLVs. Tiny-Tree relies on this to place its aliased
	// CLV pseudo-tips at indices >= Tips.
	PatternTip bool
}

// Operation describes one partial-likelihood update: combine the CLVs
// (or tip states) of two children through their probability matrices
// into the parent's CLV.
type Operation struct {
	ParentCLV    int
	ParentScaler int32

	Child1CLV     int
	Child1Scaler  int32
	Child1Matrix  int
	Child2CLV     int
	Child2Scaler  int32
	Child2Matrix  int
}

// PartitionConfig carries every model-wide parameter needed to build a
// Partition.
type PartitionConfig struct {
	Tips         int
	InnerNodes   int
	CLVBuffers   int
	States       int
	Sites        int
	RateMatrices int
	PMatrices    int
	RateCats     int
	ScaleBuffers int
	Attrs        Attributes

	// Charmap maps an alignment character to a bitmask of compatible
	// states (bit i set means state i is compatible with the
	// character); ambiguity codes set more than one bit.
	Charmap map[byte]uint32

	Frequencies    []float64 // per state, length States
	ExchangeRates  []float64 // symmetric exchangeabilities, upper triangle row-major, length States*(States-1)/2
	RateCategories []float64 // relative rates, length RateCats, mean 1
	PropInvar      float64
	PatternWeights []float64 // per site, length Sites; nil means all-ones
}

// Partition is the phylogenetic numerics provider's live state for one
// alignment under one substitution model.
type Partition interface {
	Sites() int
	States() int
	RateCats() int
	Tips() int
	Attrs() Attributes

	// SetTipStates assigns the tip at clvIndex from seq via the
	// partition's charmap. It fails with an error wrapping
	// epaerr.ErrBadState if any character is not in the charmap.
	SetTipStates(clvIndex int, seq string) error

	// UpdateProbMatrices recomputes the named probability matrices for
	// the given branch lengths.
	UpdateProbMatrices(paramIndices []int, matrixIndices []int, branchLengths []float64) error

	// UpdatePartials applies every operation in order.
	UpdatePartials(ops []Operation) error

	// EdgeLogLikelihood computes the log-likelihood of the tree rooted
	// at the edge between a child node (clv or tip) and its parent,
	// through probability matrix matrix. If perSiteOut is non-nil, it
	// is filled with the per-site log-likelihood contributions.
	EdgeLogLikelihood(childCLV int, childScaler int32, parentCLV int, parentScaler int32, matrix int, paramIndices []int, perSiteOut []float64) (float64, error)

	// PatternWeights returns the per-site pattern weights, aliasable
	// by Tiny-Tree.
	PatternWeights() []float64

	// Charmap returns the character-to-state-bitmask map, aliasable by
	// Tiny-Tree.
	Charmap() map[byte]uint32

	// Frequencies, ExchangeRates, RateCategories and PropInvar expose
	// the model-wide parameters Tiny-Tree aliases rather than copies.
	Frequencies() []float64
	ExchangeRates() []float64
	RateCategories() []float64
	PropInvar() float64

	// CLV and SetCLV read/replace the raw [site][cat][state] buffer at
	// idx, used by Tiny-Tree to deep-copy CLVs.
	CLV(idx int) []float64
	SetCLV(idx int, v []float64)

	// TipChars and SetTipChars read/replace the raw tip character
	// buffer at idx (tip-tip case deep copy).
	TipChars(idx int) []byte
	SetTipChars(idx int, v []byte)

	// Scaler and SetScaler read/replace a scale buffer.
	Scaler(idx int32) []uint32
	SetScaler(idx int32, v []uint32)

	// Config returns the PartitionConfig this Partition was built
	// from, letting a caller like checkpoint.Save rebuild an
	// equivalent Partition via PartitionCreate without having to
	// thread the config through separately.
	Config() PartitionConfig

	// CLVBuffers reports how many CLV slots this Partition was built
	// with, the upper bound for valid CLV/SetCLV/TipChars/SetTipChars
	// indices.
	CLVBuffers() int

	// ScaleBuffers reports how many scale buffer slots this Partition
	// was built with, the upper bound for valid non-negative Scaler
	// indices.
	ScaleBuffers() int
}

// ErrUnsupportedStates is returned by PartitionCreate for a state count
// the default implementation does not know how to build a model for.
var ErrUnsupportedStates = errors.New("numerics: unsupported number of states")

// PartitionCreate builds the default gonum-backed Partition for cfg.
func PartitionCreate(cfg PartitionConfig) (Partition, error) {
	return newGonumPartition(cfg)
}
