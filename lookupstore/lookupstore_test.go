// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

package lookupstore_test

import (
	"math"
	"testing"

	"github.com/js-arias/epa/lookupstore"
	"github.com/js-arias/epa/numerics"
	"github.com/js-arias/epa/reftree"
)

func jcConfig(tips, sites int) numerics.PartitionConfig {
	charmap := map[byte]uint32{
		'A': 1 << 0, 'C': 1 << 1, 'G': 1 << 2, 'T': 1 << 3,
		'-': 0b1111, 'N': 0b1111,
	}
	return numerics.PartitionConfig{
		Tips:           tips,
		InnerNodes:     2,
		CLVBuffers:     6,
		States:         4,
		Sites:          sites,
		RateMatrices:   1,
		PMatrices:      6,
		RateCats:       1,
		ScaleBuffers:   1,
		Attrs:          numerics.Attributes{PatternTip: true},
		Charmap:        charmap,
		Frequencies:    []float64{0.25, 0.25, 0.25, 0.25},
		ExchangeRates:  []float64{1, 1, 1, 1, 1, 1},
		RateCategories: []float64{1},
	}
}

func buildRefTree(t *testing.T, part numerics.Partition) *reftree.Tree {
	t.Helper()
	nodes := []reftree.Node{
		{ID: 0, Parent: 3, Children: [2]int{-1, -1}, CLVIndex: 0, ScalerIndex: numerics.ScaleBufferNone, Length: 0.1},
		{ID: 1, Parent: 3, Children: [2]int{-1, -1}, CLVIndex: 1, ScalerIndex: numerics.ScaleBufferNone, Length: 0.2},
		{ID: 2, Parent: 4, Children: [2]int{-1, -1}, CLVIndex: 2, ScalerIndex: numerics.ScaleBufferNone, Length: 0.3},
		{ID: 3, Parent: 4, Children: [2]int{0, 1}, CLVIndex: 3, ScalerIndex: numerics.ScaleBufferNone, Length: 0.15},
		{ID: 4, Parent: -1, Children: [2]int{3, 2}, CLVIndex: 4, ScalerIndex: numerics.ScaleBufferNone, Length: 0},
	}
	tr, err := reftree.New(nodes)
	if err != nil {
		t.Fatalf("reftree.New: %v", err)
	}
	for i, seq := range []string{"ACGT", "ACGA", "ACGG"} {
		if err := part.SetTipStates(i, seq); err != nil {
			t.Fatalf("SetTipStates(%d): %v", i, err)
		}
	}
	if err := part.UpdateProbMatrices([]int{0}, []int{0, 1}, []float64{0.1, 0.2}); err != nil {
		t.Fatalf("UpdateProbMatrices: %v", err)
	}
	if err := part.UpdatePartials([]numerics.Operation{{
		ParentCLV: 3, ParentScaler: numerics.ScaleBufferNone,
		Child1CLV: 0, Child1Scaler: numerics.ScaleBufferNone, Child1Matrix: 0,
		Child2CLV: 1, Child2Scaler: numerics.ScaleBufferNone, Child2Matrix: 1,
	}}); err != nil {
		t.Fatalf("UpdatePartials: %v", err)
	}
	if err := part.UpdateProbMatrices([]int{0}, []int{3, 2}, []float64{0.15, 0.3}); err != nil {
		t.Fatalf("UpdateProbMatrices (root): %v", err)
	}
	if err := part.UpdatePartials([]numerics.Operation{{
		ParentCLV: 4, ParentScaler: numerics.ScaleBufferNone,
		Child1CLV: 3, Child1Scaler: numerics.ScaleBufferNone, Child1Matrix: 3,
		Child2CLV: 2, Child2Scaler: numerics.ScaleBufferNone, Child2Matrix: 2,
	}}); err != nil {
		t.Fatalf("UpdatePartials (root): %v", err)
	}
	return tr
}

func TestGetPopulatesLazily(t *testing.T) {
	part, err := numerics.PartitionCreate(jcConfig(3, 4))
	if err != nil {
		t.Fatalf("PartitionCreate: %v", err)
	}
	tr := buildRefTree(t, part)

	store := lookupstore.New(tr, part, []byte("ACGT"))
	row, err := store.Get(0, 'A')
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(row) != 4 {
		t.Fatalf("Get returned %d sites, want 4", len(row))
	}
	for _, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("expected finite per-site logl, got %v", v)
		}
	}

	row2, err := store.Get(0, 'A')
	if err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	if &row[0] != &row2[0] {
		t.Errorf("second Get should return the cached slice, not recompute")
	}
}

func TestGetRejectsUnknownSymbol(t *testing.T) {
	part, err := numerics.PartitionCreate(jcConfig(3, 4))
	if err != nil {
		t.Fatalf("PartitionCreate: %v", err)
	}
	tr := buildRefTree(t, part)

	store := lookupstore.New(tr, part, []byte("ACGT"))
	if _, err := store.Get(0, 'Z'); err == nil {
		t.Errorf("expected error for symbol outside the alphabet")
	}
}

func TestFootprintBytesAndEffectiveStates(t *testing.T) {
	if lookupstore.EffectiveStates(4) != lookupstore.NTMapSize {
		t.Errorf("EffectiveStates(4) = %d, want %d", lookupstore.EffectiveStates(4), lookupstore.NTMapSize)
	}
	if lookupstore.EffectiveStates(20) != lookupstore.AAMapSize {
		t.Errorf("EffectiveStates(20) = %d, want %d", lookupstore.EffectiveStates(20), lookupstore.AAMapSize)
	}
	got := lookupstore.FootprintBytes(10, lookupstore.NTMapSize, 100)
	want := int64(10 * 16 * 100 * 8)
	if got != want {
		t.Errorf("FootprintBytes = %d, want %d", got, want)
	}
}
