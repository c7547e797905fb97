// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

package memplan_test

import (
	"errors"
	"testing"

	"github.com/js-arias/epa/epaerr"
	"github.com/js-arias/epa/memplan"
)

func smallRef() memplan.ReferenceInfo {
	return memplan.ReferenceInfo{
		Tips:        100,
		InnerNodes:  99,
		Branches:    197,
		Sites:       1000,
		NonGapSites: 1000,
	}
}

func smallModel() memplan.ModelInfo {
	return memplan.ModelInfo{
		States:       4,
		RateCats:     4,
		RateMatrices: 1,
	}
}

func TestEstimateRejectsRepeats(t *testing.T) {
	_, err := memplan.Estimate(smallRef(), memplan.QueryInfo{Sequences: 10}, smallModel(), memplan.Options{Repeats: true})
	if err == nil {
		t.Fatal("expected an error when site repeats are requested")
	}
}

func TestEstimateProducesPositiveFootprint(t *testing.T) {
	f, err := memplan.Estimate(smallRef(), memplan.QueryInfo{Sequences: 500}, smallModel(), memplan.Options{ChunkSize: 50})
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if f.Partition <= 0 {
		t.Errorf("Partition footprint = %d, want > 0", f.Partition)
	}
	if f.MaxNumCLV != int64(smallRef().InnerNodes)*3 {
		t.Errorf("MaxNumCLV = %d, want %d", f.MaxNumCLV, smallRef().InnerNodes*3)
	}
	if f.Total() <= f.Partition {
		t.Errorf("Total() = %d should exceed Partition alone (%d) once RefMSA/QueryStreamBuf/AllWork are added", f.Total(), f.Partition)
	}
	if f.Minimum() >= f.Total() {
		t.Errorf("Minimum() = %d should be strictly below Total() = %d when CLVBuffer exceeds its logn floor", f.Minimum(), f.Total())
	}
}

func TestEstimatePrescoringAddsLookupAndPreSample(t *testing.T) {
	f, err := memplan.Estimate(smallRef(), memplan.QueryInfo{Sequences: 500}, smallModel(), memplan.Options{Prescoring: true, ChunkSize: 50})
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if f.Lookup <= 0 {
		t.Errorf("Lookup = %d, want > 0 when prescoring is enabled", f.Lookup)
	}
	if f.PreSample <= 0 {
		t.Errorf("PreSample = %d, want > 0 when prescoring is enabled", f.PreSample)
	}
	if f.AllWork != 0 {
		t.Errorf("AllWork = %d, want 0 when prescoring replaces the full work table", f.AllWork)
	}
}

func TestPlanModeOffKeepsFullCLVBuffer(t *testing.T) {
	f, err := memplan.Estimate(smallRef(), memplan.QueryInfo{Sequences: 10}, smallModel(), memplan.Options{ChunkSize: 10})
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	cfg, err := memplan.Plan(f, memplan.ModeOff, 0)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if cfg.CLVSlots != f.MaxNumCLV {
		t.Errorf("ModeOff CLVSlots = %d, want %d", cfg.CLVSlots, f.MaxNumCLV)
	}
}

func TestPlanModeFullShrinksToMinimum(t *testing.T) {
	f, err := memplan.Estimate(smallRef(), memplan.QueryInfo{Sequences: 10}, smallModel(), memplan.Options{ChunkSize: 10})
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	cfg, err := memplan.Plan(f, memplan.ModeFull, 0)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if cfg.CLVSlots != f.LogNCLV {
		t.Errorf("ModeFull CLVSlots = %d, want the logn floor %d (budget is exactly zero)", cfg.CLVSlots, f.LogNCLV)
	}
}

func TestPlanModeAutoFallsBackWhenOverConstraint(t *testing.T) {
	f, err := memplan.Estimate(smallRef(), memplan.QueryInfo{Sequences: 10}, smallModel(), memplan.Options{ChunkSize: 10})
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}

	// A generous constraint: ModeAuto should leave the CLV buffer full.
	cfg, err := memplan.Plan(f, memplan.ModeAuto, f.Total()*10)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if cfg.CLVSlots != f.MaxNumCLV {
		t.Errorf("ModeAuto under a generous constraint: CLVSlots = %d, want %d", cfg.CLVSlots, f.MaxNumCLV)
	}

	// A tight constraint between the minimum and the total footprint:
	// ModeAuto should shrink the CLV buffer rather than leave it full.
	tight := (f.Minimum() + f.Total()) / 2
	cfg, err = memplan.Plan(f, memplan.ModeAuto, tight)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if cfg.CLVSlots >= f.MaxNumCLV {
		t.Errorf("ModeAuto under a tight constraint: CLVSlots = %d, want fewer than %d", cfg.CLVSlots, f.MaxNumCLV)
	}
	if cfg.CLVSlots < f.LogNCLV {
		t.Errorf("ModeAuto under a tight constraint: CLVSlots = %d, should never fall below the logn floor %d", cfg.CLVSlots, f.LogNCLV)
	}
}

func TestPlanRejectsConstraintBelowMinimum(t *testing.T) {
	f, err := memplan.Estimate(smallRef(), memplan.QueryInfo{Sequences: 10}, smallModel(), memplan.Options{ChunkSize: 10})
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	_, err = memplan.Plan(f, memplan.ModeAuto, f.Minimum()/2)
	if !errors.Is(err, epaerr.ErrBudgetInfeasible) {
		t.Errorf("Plan below minimum: err = %v, want epaerr.ErrBudgetInfeasible", err)
	}
}

func TestPlanModeCustomIsRejected(t *testing.T) {
	f, err := memplan.Estimate(smallRef(), memplan.QueryInfo{Sequences: 10}, smallModel(), memplan.Options{ChunkSize: 10})
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	_, err = memplan.Plan(f, memplan.ModeCustom, f.Total())
	if !errors.Is(err, epaerr.ErrBudgetInfeasible) {
		t.Errorf("Plan with ModeCustom: err = %v, want epaerr.ErrBudgetInfeasible", err)
	}
}

func TestFormatByteNum(t *testing.T) {
	cases := []struct {
		n    float64
		want string
	}{
		{512, "512.0"},
		{1536, "1.5KiB"},
		{1 << 20, "1.0MiB"},
		{1 << 30, "1.0GiB"},
	}
	for _, c := range cases {
		got := memplan.FormatByteNum(c.n)
		if got != c.want {
			t.Errorf("FormatByteNum(%v) = %q, want %q", c.n, got, c.want)
		}
	}
}

func TestParseMemString(t *testing.T) {
	cases := []struct {
		s    string
		want int64
	}{
		{"512M", 512 << 20},
		{"2G", 2 << 30},
		{"1K", 1 << 10},
		{"100", 100 << 20},
	}
	for _, c := range cases {
		got, err := memplan.ParseMemString(c.s)
		if err != nil {
			t.Fatalf("ParseMemString(%q): %v", c.s, err)
		}
		if got != c.want {
			t.Errorf("ParseMemString(%q) = %d, want %d", c.s, got, c.want)
		}
	}
}

func TestParseMemStringRejectsGarbage(t *testing.T) {
	if _, err := memplan.ParseMemString("not-a-size"); err == nil {
		t.Error("expected an error for an unparseable memory string")
	}
	if _, err := memplan.ParseMemString(""); err == nil {
		t.Error("expected an error for an empty memory string")
	}
}
