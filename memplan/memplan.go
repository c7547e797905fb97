// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

// Package memplan estimates a placement run's memory footprint and
// plans a CLV-buffer policy under an operator-supplied or
// system-detected budget, translated directly from
// original_source/src/util/memory.cpp.
package memplan

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/js-arias/epa/epaerr"
	"github.com/js-arias/epa/lookupstore"
	"github.com/prometheus/procfs"
)

// ReferenceInfo describes the reference alignment/tree sizes the
// footprint estimate needs.
type ReferenceInfo struct {
	Tips       int
	InnerNodes int
	Branches   int
	Sites      int
	NonGapSites int
}

// QueryInfo describes the query stream the footprint estimate needs.
type QueryInfo struct {
	Sequences int
}

// ModelInfo describes the substitution model's shape.
type ModelInfo struct {
	States       int
	StatesPadded int // 0 means "same as States" (no SIMD padding)
	RateCats     int
	RateMatrices int
}

func (m ModelInfo) statesPadded() int {
	if m.StatesPadded > 0 {
		return m.StatesPadded
	}
	return m.States
}

// Options carries the planner-relevant subset of the CLI's run options.
type Options struct {
	Premasking bool
	Prescoring bool
	Repeats    bool
	ChunkSize  int
}

// Footprint is the estimated byte breakdown of one placement run,
// mirroring Memory_Footprint's fields.
type Footprint struct {
	Partition      int64
	PerCLV         int64
	CLVBuffer      int64
	MaxNumCLV      int64
	LogNCLV        int64
	Lookup         int64
	PreSample      int64
	RefMSA         int64
	QueryStreamBuf int64
	AllWork        int64
}

// Total sums every field into the estimated resident-set size.
func (f Footprint) Total() int64 {
	return f.Partition + f.Lookup + f.PreSample + f.RefMSA + f.QueryStreamBuf + f.AllWork
}

// Minimum is the smallest footprint achievable by shrinking the CLV
// buffer down to its logarithmic-slot floor.
func (f Footprint) Minimum() int64 {
	return f.Total() - f.CLVBuffer + f.LogNCLV*f.PerCLV
}

// queryStreamBlockLength is the fixed read-ahead buffer size reserved
// per query stream; three such buffers are kept in flight per stream.
const queryStreamBlockLength = 1 << 20

// perSequenceLabelBytes is a fixed guess at the average length of a
// sequence label.
const perSequenceLabelBytes = 50

// Estimate computes the full Footprint for one placement run.
func Estimate(ref ReferenceInfo, query QueryInfo, model ModelInfo, opts Options) (Footprint, error) {
	if opts.Repeats {
		return Footprint{}, fmt.Errorf("memplan: cannot estimate memory footprint when site repeats are enabled")
	}

	numSites := ref.Sites
	if opts.Premasking {
		numSites = ref.NonGapSites
	}

	perClv := int64(numSites)*int64(model.statesPadded())*int64(model.RateCats)*8 + 8

	numCLVs := int64(ref.InnerNodes) * 3
	if opts.Repeats {
		numCLVs += int64(ref.Tips)
	}
	clvBuffer := numCLVs * perClv

	logn := int64(math.Ceil(math.Log2(float64(ref.Tips)) + 2))

	var partition int64
	partition += int64(model.RateMatrices) * 8 // eigendecomposition-valid flags
	partition += clvBuffer
	partition += int64(model.RateMatrices) * int64(model.States) * int64(model.statesPadded()) * int64(model.RateCats) * 8 // pmatrices (approximation of PLL's packed layout)
	partition += int64(model.RateMatrices) * int64(model.States) * int64(model.statesPadded()) * 8                        // eigenvectors
	partition += int64(model.RateMatrices) * int64(model.States) * int64(model.statesPadded()) * 8                        // inverse eigenvectors
	partition += int64(model.RateMatrices) * int64(model.statesPadded()) * 8                                              // eigenvalues
	partition += int64(model.RateMatrices) * int64(model.States) * int64(model.States-1) / 2 * 8                          // exchange rates
	partition += int64(model.RateMatrices) * int64(model.statesPadded()) * 8                                              // frequencies
	partition += int64(model.RateCats) * 8 * 2                                                                            // rates + rate weights
	partition += int64(model.RateMatrices) * 8                                                                            // prop invar
	partition += int64(numSites) * 4                                                                                      // pattern weights

	f := Footprint{
		Partition:  partition,
		PerCLV:     perClv,
		CLVBuffer:  clvBuffer,
		MaxNumCLV:  numCLVs,
		LogNCLV:    logn,
		RefMSA:     msaFootprint(ref, query, opts),
		QueryStreamBuf: queryStreamBlockLength * 3,
	}

	if opts.Prescoring {
		f.Lookup = lookupstore.FootprintBytes(ref.Branches, lookupstore.EffectiveStates(model.States), numSites)
		chunk := opts.ChunkSize
		if chunk > query.Sequences {
			chunk = query.Sequences
		}
		f.PreSample = int64(chunk) * int64(ref.Branches) * preplacementRecordBytes
	} else {
		chunk := opts.ChunkSize
		if chunk > query.Sequences {
			chunk = query.Sequences
		}
		f.AllWork = int64(ref.Branches) * 4 * int64(chunk) * 8
	}

	return f, nil
}

// preplacementRecordBytes approximates sizeof(Preplacement): a branch
// id plus a log-likelihood, the slim record used during prescoring.
const preplacementRecordBytes = 4 + 8

func msaFootprint(ref ReferenceInfo, query QueryInfo, opts Options) int64 {
	sites := ref.Sites
	if opts.Premasking {
		sites = ref.NonGapSites
	}
	return int64(query.Sequences)*int64(sites) + int64(query.Sequences)*perSequenceLabelBytes
}

// Mode selects a memsave policy.
type Mode int

const (
	ModeOff Mode = iota
	ModeAuto
	ModeFull
	ModeCustom
)

// Config is the resolved memsave plan.
type Config struct {
	PreplaceLookupEnabled bool
	CLVSlots              int64
}

// Plan resolves mode against footprint f and a byte constraint. Custom
// mode is rejected outright rather than fabricating semantics for a
// mode with no defined behavior.
func Plan(f Footprint, mode Mode, constraint int64) (Config, error) {
	switch mode {
	case ModeOff:
		return Config{CLVSlots: f.MaxNumCLV}, nil
	case ModeCustom:
		return Config{}, fmt.Errorf("%w: custom memsave mode is not implemented", epaerr.ErrBudgetInfeasible)
	case ModeAuto:
		if float64(f.Total()) <= 0.95*float64(constraint) {
			return Config{CLVSlots: f.MaxNumCLV}, nil
		}
		return plan(f, constraint)
	case ModeFull:
		return plan(f, f.Minimum())
	default:
		return Config{}, fmt.Errorf("memplan: unknown mode %d", mode)
	}
}

func plan(f Footprint, constraint int64) (Config, error) {
	minmem := f.Minimum()
	if constraint < minmem {
		return Config{}, fmt.Errorf("%w: constraint %d bytes is below the minimum required %d bytes", epaerr.ErrBudgetInfeasible, constraint, minmem)
	}

	budget := constraint - minmem

	cfg := Config{}
	if f.Lookup > 0 && f.Lookup < budget {
		budget -= f.Lookup
		cfg.PreplaceLookupEnabled = true
	}

	var extra int64
	if f.PerCLV > 0 {
		extra = int64(math.Floor(float64(budget) / float64(f.PerCLV)))
	}
	cfg.CLVSlots = f.LogNCLV + extra
	if cfg.CLVSlots > f.MaxNumCLV {
		cfg.CLVSlots = f.MaxNumCLV
	}
	return cfg, nil
}

// FormatByteNum renders n bytes as a human-readable size with the same
// magnitude ladder and one-decimal precision as format_byte_num.
func FormatByteNum(n float64) string {
	magnitude := []string{"", "KiB", "MiB", "GiB", "TiB", "PiB"}
	lvl := 0
	for n >= 1024 && lvl < len(magnitude)-1 {
		n /= 1024
		lvl++
	}
	return fmt.Sprintf("%.1f%s", n, magnitude[lvl])
}

// ParseMemString parses a SLURM-style memory string ("512M", "2G",
// "1.5MiB", "2.0KiB", or a bare number defaulting to megabytes) into a
// byte count, matching slurm_memstring_to_bytes.
func ParseMemString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("memplan: empty memory string")
	}

	upper := strings.ToUpper(s)
	suffixes := []struct {
		suffix string
		mult   float64
	}{
		{"KIB", 1 << 10}, {"MIB", 1 << 20}, {"GIB", 1 << 30}, {"TIB", 1 << 40},
		{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30}, {"T", 1 << 40},
	}
	for _, suf := range suffixes {
		if strings.HasSuffix(upper, suf.suffix) {
			numStr := strings.TrimSpace(s[:len(s)-len(suf.suffix)])
			v, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("memplan: invalid memory string %q: %w", s, err)
			}
			return int64(v * suf.mult), nil
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("memplan: invalid memory string %q: %w", s, err)
	}
	return int64(v * (1 << 20)), nil
}

// DetectSystemMemory reads the process-wide memory ceiling: the
// smaller of /proc/meminfo's MemAvailable and an environment-supplied
// SLURM_MEM_PER_NODE, matching get_max_memory().
func DetectSystemMemory() (int64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, fmt.Errorf("memplan: opening procfs: %w", err)
	}
	info, err := fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("memplan: reading /proc/meminfo: %w", err)
	}
	if info.MemAvailable == nil {
		return 0, fmt.Errorf("memplan: /proc/meminfo has no MemAvailable field")
	}
	maxmem := int64(*info.MemAvailable) * 1024 // procfs reports kB

	if slurmMem := os.Getenv("SLURM_MEM_PER_NODE"); slurmMem != "" {
		slurmBytes, err := ParseMemString(slurmMem)
		if err != nil {
			return 0, fmt.Errorf("memplan: parsing SLURM_MEM_PER_NODE: %w", err)
		}
		if slurmBytes < maxmem {
			maxmem = slurmBytes
		}
	}
	return maxmem, nil
}
