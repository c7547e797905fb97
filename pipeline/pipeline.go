// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

// Package pipeline streams queries through Read, Prescore, Score and
// Write stages connected by bounded channels, using a
// buffered-channel-plus-worker-pool idiom for the Token/Stage design.
package pipeline

import (
	"sync"

	"github.com/js-arias/epa/placement"
)

// TokenStatus marks what a Token carries.
type TokenStatus int

const (
	// Data carries a batch of queries (and, from Prescore onward, a
	// partial Sample) through the pipeline.
	Data TokenStatus = iota

	// EOF signals the end of the query stream; a stage forwards it
	// and exits after draining whatever Data tokens precede it.
	EOF

	// Flush asks a stage to emit any buffered partial results without
	// terminating.
	Flush
)

// Token is the unit of work passed between stages.
type Token struct {
	Status TokenStatus

	// QueryIDs parallels Queries: QueryIDs[i] is the stable
	// placement.Sample key for Queries[i]. It lets Split/Merge
	// partition and reassemble Sample entries by query_id without the
	// stages re-deriving identity from slice position, which breaks
	// once Split has reordered queries across workers.
	QueryIDs []uint32
	Queries  []placement.Sequence

	Sample *placement.Sample
}

// Stage processes Tokens read from in and writes Tokens to out. A
// stage that originates data (ReadStage) ignores in. Every stage must
// forward Status unchanged and return once it forwards an EOF token,
// per §4.J ("On EOF, a stage forwards and exits after draining").
type Stage interface {
	Run(in <-chan Token, out chan<- Token)
}

// Collector is implemented by a terminal stage that accumulates a
// final Sample across every Data token it sees.
type Collector interface {
	Result() *placement.Sample
}

// Driver wires Stages together with bounded channels and runs them
// concurrently, one goroutine per stage: the coarse-grained layer of
// a two-layer concurrency model (the fine-grained layer is
// kernel.PlaceBranches' per-branch worker pool inside ScoreStage).
type Driver struct {
	Stages    []Stage
	ChunkSize uint32
}

func (d *Driver) chunkSize() int {
	if d.ChunkSize > 0 {
		return int(d.ChunkSize)
	}
	return 1
}

// Run starts every stage and blocks until all of them have exited,
// then returns the terminal stage's accumulated Sample if it
// implements Collector.
func (d *Driver) Run() *placement.Sample {
	if len(d.Stages) == 0 {
		return nil
	}

	chans := make([]chan Token, len(d.Stages)+1)
	for i := range chans {
		chans[i] = make(chan Token, d.chunkSize())
	}
	close(chans[0])

	var wg sync.WaitGroup
	for i, stage := range d.Stages {
		wg.Add(1)
		go func(i int, stage Stage) {
			defer wg.Done()
			defer close(chans[i+1])
			stage.Run(chans[i], chans[i+1])
		}(i, stage)
	}
	wg.Wait()

	if c, ok := d.Stages[len(d.Stages)-1].(Collector); ok {
		return c.Result()
	}
	return nil
}

// Split partitions t's queries across workers buckets by query_id
// modulo workers (§4.J "Fan-out"), propagating Status unchanged onto
// every resulting Token. A non-Data token yields workers tokens that
// carry only its Status, so every downstream worker observes it.
func Split(t Token, workers int) []Token {
	if workers < 1 {
		workers = 1
	}
	parts := make([]Token, workers)
	for w := range parts {
		parts[w] = Token{Status: t.Status}
	}
	if t.Status != Data {
		return parts
	}

	for i, id := range t.QueryIDs {
		w := int(id) % workers
		parts[w].QueryIDs = append(parts[w].QueryIDs, id)
		parts[w].Queries = append(parts[w].Queries, t.Queries[i])
		if t.Sample != nil {
			if pq, ok := t.Sample.Get(id); ok {
				if parts[w].Sample == nil {
					parts[w].Sample = placement.NewSample()
				}
				for _, p := range pq.Placements {
					parts[w].Sample.AddPlacement(pq.QueryID, pq.Header, p)
				}
			}
		}
	}
	return parts
}

// Merge folds parts back into a single Token, concatenating queries in
// part order and merging every part's Sample. Every part is expected
// to carry the same Status, which Merge propagates onto the result
// unchanged (§4.J "Fan-out").
func Merge(parts []Token) Token {
	if len(parts) == 0 {
		return Token{}
	}
	out := Token{Status: parts[0].Status}
	for _, p := range parts {
		out.QueryIDs = append(out.QueryIDs, p.QueryIDs...)
		out.Queries = append(out.Queries, p.Queries...)
		if p.Sample != nil {
			if out.Sample == nil {
				out.Sample = placement.NewSample()
			}
			out.Sample.Merge(p.Sample)
		}
	}
	return out
}
