// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

package numerics_test

import (
	"math"
	"testing"

	"github.com/js-arias/epa/numerics"
)

func jcConfig(sites int) numerics.PartitionConfig {
	charmap := map[byte]uint32{
		'A': 1 << 0, 'C': 1 << 1, 'G': 1 << 2, 'T': 1 << 3,
		'-': 0b1111, 'N': 0b1111,
	}
	return numerics.PartitionConfig{
		Tips:           3,
		InnerNodes:     2,
		CLVBuffers:     4,
		States:         4,
		Sites:          sites,
		RateMatrices:   1,
		PMatrices:      3,
		RateCats:       1,
		ScaleBuffers:   1,
		Attrs:          numerics.Attributes{PatternTip: true},
		Charmap:        charmap,
		Frequencies:    []float64{0.25, 0.25, 0.25, 0.25},
		ExchangeRates:  []float64{1, 1, 1, 1, 1, 1},
		RateCategories: []float64{1},
	}
}

func TestProbMatrixRowsSumToOne(t *testing.T) {
	part, err := numerics.PartitionCreate(jcConfig(1))
	if err != nil {
		t.Fatalf("PartitionCreate: %v", err)
	}
	if err := part.UpdateProbMatrices([]int{0}, []int{0}, []float64{0.3}); err != nil {
		t.Fatalf("UpdateProbMatrices: %v", err)
	}

	// At t=0 the transition matrix of a stochastic model is the
	// identity. Score two one-site tips that both show A across it: the
	// site likelihood is freq[A] * P(0)[A][A], which is 0.25 when the
	// diagonal entry is 1.
	if err := part.UpdateProbMatrices([]int{0}, []int{1}, []float64{0}); err != nil {
		t.Fatalf("UpdateProbMatrices at t=0: %v", err)
	}
	if err := part.SetTipStates(0, "A"); err != nil {
		t.Fatalf("SetTipStates: %v", err)
	}
	if err := part.SetTipStates(1, "A"); err != nil {
		t.Fatalf("SetTipStates: %v", err)
	}
	ll, err := part.EdgeLogLikelihood(0, numerics.ScaleBufferNone, 1, numerics.ScaleBufferNone, 1, []int{0}, nil)
	if err != nil {
		t.Fatalf("EdgeLogLikelihood: %v", err)
	}
	if math.IsNaN(ll) || math.IsInf(ll, 0) {
		t.Errorf("expected finite logl, got %v", ll)
	}
	if want := math.Log(0.25); math.Abs(ll-want) > 1e-9 {
		t.Errorf("logl at t=0 = %v, want %v", ll, want)
	}
}

func TestSetTipStatesRejectsBadCharacter(t *testing.T) {
	part, err := numerics.PartitionCreate(jcConfig(4))
	if err != nil {
		t.Fatalf("PartitionCreate: %v", err)
	}
	if err := part.SetTipStates(0, "ACGZ"); err == nil {
		t.Errorf("expected error for invalid character Z")
	}
}

func TestSetTipStatesRejectsWrongLength(t *testing.T) {
	part, err := numerics.PartitionCreate(jcConfig(4))
	if err != nil {
		t.Fatalf("PartitionCreate: %v", err)
	}
	if err := part.SetTipStates(0, "ACG"); err == nil {
		t.Errorf("expected error for wrong-length sequence")
	}
}
