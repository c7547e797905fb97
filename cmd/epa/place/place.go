// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

// Package place implements the command that places query sequences
// onto a fixed reference tree.
package place

import (
	"bufio"
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/js-arias/command"

	"github.com/js-arias/epa/checkpoint"
	"github.com/js-arias/epa/kernel"
	"github.com/js-arias/epa/lookupstore"
	"github.com/js-arias/epa/manifest"
	"github.com/js-arias/epa/memplan"
	"github.com/js-arias/epa/numerics"
	"github.com/js-arias/epa/pipeline"
	"github.com/js-arias/epa/placement"
	"github.com/js-arias/epa/reftree"
	"github.com/js-arias/epa/schedule"
	"github.com/js-arias/epa/transport"
)

var Command = &command.Command{
	Usage: `place [--prescoring] [--prescoring-threshold <value>]
	[--premasking] [--sliding-blo] [--opt-branches]
	[--chunk-size <value>] [--memsave-mode <mode>]
	[--memsave-constraint <size>] [--repeats] [--ranks <value>]
	<manifest-file>`,
	Short: "place query sequences on a fixed reference tree",
	Long: `
Command place reads a run manifest naming a reference tree, reference
alignment, query alignment and model file (built and checkpointed by a
separate tool), loads the checkpointed reference tree and its live
partition, and places every query sequence on the tree by maximum
likelihood.

By default every reference branch is scored exactly for every query. With
--prescoring, an approximate per-branch score from the lookup store is
computed first, and only the candidate branches surviving
--prescoring-threshold's accumulated-mass pruning are scored exactly.

--premasking restricts both optimisation and the reported log-likelihood to
a query's non-gap range. --sliding-blo and --opt-branches control the joint
branch-length optimisation step. --chunk-size controls how many queries
travel through the pipeline per token.

--memsave-mode selects a CLV-buffer policy (off, auto, full; custom is not
implemented) under --memsave-constraint (a byte size such as 4G; mutually
exclusive with --repeats, since the memory planner cannot estimate a
footprint when site repeats are enabled).

--ranks splits the query list into that many contiguous shards, each run
through its own pipeline and merged back through the message-passing
substrate's send/receive primitives, standing in for ranks distributed
across a cluster in a single process.
	`,
	SetFlags: setFlags,
	Run:      run,
}

var (
	prescoring          bool
	prescoringThreshold float64
	premasking          bool
	slidingBLO          bool
	optBranches         bool
	chunkSize           int
	memsaveMode         string
	memsaveConstraint   string
	repeats             bool
	ranks               int
)

func setFlags(c *command.Command) {
	c.Flags().BoolVar(&prescoring, "prescoring", false, "")
	c.Flags().Float64Var(&prescoringThreshold, "prescoring-threshold", 0.99, "")
	c.Flags().BoolVar(&premasking, "premasking", false, "")
	c.Flags().BoolVar(&slidingBLO, "sliding-blo", false, "")
	c.Flags().BoolVar(&optBranches, "opt-branches", false, "")
	c.Flags().IntVar(&chunkSize, "chunk-size", 1, "")
	c.Flags().StringVar(&memsaveMode, "memsave-mode", "off", "")
	c.Flags().StringVar(&memsaveConstraint, "memsave-constraint", "", "")
	c.Flags().BoolVar(&repeats, "repeats", false, "")
	c.Flags().IntVar(&ranks, "ranks", 2, "")
}

func run(c *command.Command, args []string) error {
	if len(args) < 1 {
		return c.UsageError("expecting manifest file")
	}
	if memsaveConstraint != "" && repeats {
		return c.UsageError("--memsave-constraint and --repeats are mutually exclusive")
	}

	m, err := manifest.Read(args[0])
	if err != nil {
		return fmt.Errorf("unable to open manifest %q: %v", args[0], err)
	}

	ckptPath, err := m.Require(manifest.Checkpoint)
	if err != nil {
		return err
	}
	ref, part, err := checkpoint.Load(ckptPath)
	if err != nil {
		return err
	}

	queryPath, err := m.Require(manifest.QueryAlignment)
	if err != nil {
		return err
	}
	queries, err := readQueryList(queryPath)
	if err != nil {
		return fmt.Errorf("on file %q: %v", queryPath, err)
	}

	mode, err := parseMode(memsaveMode)
	if err != nil {
		return c.UsageError(err.Error())
	}

	refInfo := memplan.ReferenceInfo{
		Tips:        ref.Tips(),
		InnerNodes:  ref.Len() - ref.Tips(),
		Branches:    ref.Len() - 1,
		Sites:       part.Sites(),
		NonGapSites: part.Sites(),
	}
	modelInfo := memplan.ModelInfo{
		States:       part.States(),
		RateCats:     part.RateCats(),
		RateMatrices: part.Config().RateMatrices,
	}
	queryInfo := memplan.QueryInfo{Sequences: len(queries)}
	planOpts := memplan.Options{
		Premasking: premasking,
		Prescoring: prescoring,
		Repeats:    repeats,
		ChunkSize:  chunkSize,
	}

	if !repeats {
		footprint, err := memplan.Estimate(refInfo, queryInfo, modelInfo, planOpts)
		if err != nil {
			return err
		}
		constraint, err := resolveConstraint(memsaveConstraint)
		if err != nil {
			return err
		}
		cfg, err := memplan.Plan(footprint, mode, constraint)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.Stdout(), "memory plan: %d CLV slots, lookup table %v\n", cfg.CLVSlots, cfg.PreplaceLookupEnabled)
	}

	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	nodes := workers
	if nodes < 2 {
		nodes = 2
	}
	stages, err := schedule.Solve(2, nodes, schedule.ToDifficulty([]float64{0.3, 0.7}))
	if err != nil {
		return err
	}
	scoreWorkers := stages[1]

	kopts := kernel.Options{Premasking: premasking, SlidingBLO: slidingBLO}

	sample, err := runAcrossRanks(ref, part, queries, scoreWorkers, kopts, ranks)
	if err != nil {
		return err
	}

	return writeSummary(c, m, sample)
}

// runShard runs one rank's pipeline over queries, a contiguous slice
// of the full query list starting at idOffset in that list, so every
// token it emits carries globally-unique query IDs.
func runShard(ref *reftree.Tree, part numerics.Partition, queries []placement.Sequence, idOffset uint32, scoreWorkers int, kopts kernel.Options) *placement.Sample {
	driverStages := []pipeline.Stage{
		&pipeline.ReadStage{Queries: queries, ChunkSize: chunkSize, IDOffset: idOffset},
	}
	if prescoring {
		symbols := []byte("ACGTN-")
		store := lookupstore.New(ref, part, symbols)
		driverStages = append(driverStages, &pipeline.PrescoreStage{
			Ref: ref, Part: part, Store: store, Threshold: prescoringThreshold,
		})
	}
	driverStages = append(driverStages,
		&pipeline.ScoreStage{Ref: ref, Part: part, OptBranches: optBranches, Opts: kopts, Workers: scoreWorkers},
		&pipeline.WriteStage{},
	)

	driver := pipeline.Driver{Stages: driverStages, ChunkSize: uint32(chunkSize)}
	return driver.Run()
}

// rankResultTag is the message tag a worker rank's placement payload
// travels under.
const rankResultTag = 1

// runAcrossRanks splits queries into nranks contiguous shards, one per
// rank, and runs runShard for each. Rank 0 runs its own shard locally
// and collects every other rank's encoded Sample over a transport.Hub
// (an in-process stand-in for the cluster-wide message-passing
// substrate §6.2 abstracts), merging them by query_id as they arrive;
// PQuery merges are commutative, so arrival order does not matter.
// nranks <= 1 skips the substrate entirely and just runs one shard.
func runAcrossRanks(ref *reftree.Tree, part numerics.Partition, queries []placement.Sequence, scoreWorkers int, kopts kernel.Options, nranks int) (*placement.Sample, error) {
	if nranks < 1 {
		nranks = 1
	}
	if nranks == 1 || len(queries) == 0 {
		return runShard(ref, part, queries, 0, scoreWorkers, kopts), nil
	}

	shardLen := (len(queries) + nranks - 1) / nranks
	hub := transport.NewHub(nranks)
	defer hub.Close()

	type outcome struct{ err error }
	done := make(chan outcome, nranks-1)
	for r := 1; r < nranks; r++ {
		begin := r * shardLen
		if begin >= len(queries) {
			done <- outcome{}
			continue
		}
		end := begin + shardLen
		if end > len(queries) {
			end = len(queries)
		}
		go func(r, begin, end int) {
			sample := runShard(ref, part, queries[begin:end], uint32(begin), scoreWorkers, kopts)
			payload, err := encodeSample(sample)
			if err != nil {
				done <- outcome{err: err}
				return
			}
			sub := hub.Rank(r)
			if err := sub.Send(context.Background(), 0, rankResultTag, payload); err != nil {
				done <- outcome{err: fmt.Errorf("rank %d: sending placements: %w", r, err)}
				return
			}
			done <- outcome{}
		}(r, begin, end)
	}

	end := shardLen
	if end > len(queries) {
		end = len(queries)
	}
	final := runShard(ref, part, queries[:end], 0, scoreWorkers, kopts)

	rank0 := hub.Rank(0)
	for r := 1; r < nranks; r++ {
		if r*shardLen >= len(queries) {
			continue
		}
		payload, _, err := rank0.Recv(context.Background(), transport.AnySource, rankResultTag)
		if err != nil {
			return nil, fmt.Errorf("receiving placements from a worker rank: %w", err)
		}
		sub, err := decodeSample(payload)
		if err != nil {
			return nil, err
		}
		final.Merge(sub)
	}

	for r := 1; r < nranks; r++ {
		if o := <-done; o.err != nil {
			return nil, o.err
		}
	}
	return final, nil
}

// encodeSample gob-encodes a Sample's PQueries for the transport
// substrate, which moves opaque byte payloads.
func encodeSample(s *placement.Sample) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.Queries()); err != nil {
		return nil, fmt.Errorf("encoding rank result: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeSample reverses encodeSample.
func decodeSample(payload []byte) (*placement.Sample, error) {
	var pqs []*placement.PQuery
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&pqs); err != nil {
		return nil, fmt.Errorf("decoding rank result: %w", err)
	}
	return placement.FromQueries(pqs), nil
}

func parseMode(s string) (memplan.Mode, error) {
	switch strings.ToLower(s) {
	case "off", "":
		return memplan.ModeOff, nil
	case "auto":
		return memplan.ModeAuto, nil
	case "full":
		return memplan.ModeFull, nil
	case "custom":
		return 0, fmt.Errorf("memsave mode %q is not implemented", s)
	default:
		return 0, fmt.Errorf("unknown memsave mode %q", s)
	}
}

func resolveConstraint(s string) (int64, error) {
	if s != "" {
		return memplan.ParseMemString(s)
	}
	return memplan.DetectSystemMemory()
}

// writeSummary reports each query's best placement. Serialising the
// full sample to jplace is out of this module's scope; this is a
// plain-text stand-in written to the manifest's output path.
func writeSummary(c *command.Command, m *manifest.Manifest, sample *placement.Sample) error {
	w := c.Stdout()
	if out := m.Path(manifest.Output); out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		bw := bufio.NewWriter(f)
		defer bw.Flush()
		w = bw
	}

	for _, pq := range sample.Queries() {
		if len(pq.Placements) == 0 {
			fmt.Fprintf(w, "%s\tno placement\n", pq.Header)
			continue
		}
		best := pq.Placements[0]
		for _, p := range pq.Placements[1:] {
			if p.LWR > best.LWR {
				best = p
			}
		}
		fmt.Fprintf(w, "%s\tbranch=%d\tlogl=%g\tlwr=%g\n", pq.Header, best.BranchID, best.LogL, best.LWR)
	}
	return nil
}
