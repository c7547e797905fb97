// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

// Package schedule assigns ranks to pipeline stages so that no stage's
// predicted wall time dominates the others, translated from
// original_source/src/schedule.hpp's three free functions.
package schedule

import "fmt"

// ToDifficulty normalises per-stage average costs into a difficulty
// vector that sums to one, returned as a new slice; avgCost is not
// modified.
func ToDifficulty(avgCost []float64) []float64 {
	var sum float64
	for _, c := range avgCost {
		sum += c
	}
	out := make([]float64, len(avgCost))
	if sum <= 0 {
		for i := range out {
			out[i] = 1.0 / float64(len(avgCost))
		}
		return out
	}
	for i, c := range avgCost {
		out[i] = c / sum
	}
	return out
}

// Solve distributes nodes ranks across stages so that the slowest
// stage's predicted wall time (difficulty[s] / nodesPerStage[s]) is as
// small as possible: one rank floors every stage, then the remaining
// ranks go one at a time to whichever stage currently has the highest
// predicted wall time.
func Solve(stages, nodes int, difficulty []float64) ([]int, error) {
	if stages <= 0 {
		return nil, fmt.Errorf("schedule: stages must be positive, got %d", stages)
	}
	if len(difficulty) != stages {
		return nil, fmt.Errorf("schedule: difficulty has %d entries, want %d", len(difficulty), stages)
	}
	if nodes < stages {
		return nil, fmt.Errorf("schedule: %d nodes is fewer than %d stages, cannot assign one node to every stage", nodes, stages)
	}

	nodesPerStage := make([]int, stages)
	for s := range nodesPerStage {
		nodesPerStage[s] = 1
	}

	for remaining := nodes - stages; remaining > 0; remaining-- {
		worst := 0
		worstTime := difficulty[0] / float64(nodesPerStage[0])
		for s := 1; s < stages; s++ {
			t := difficulty[s] / float64(nodesPerStage[s])
			if t > worstTime {
				worst = s
				worstTime = t
			}
		}
		nodesPerStage[worst]++
	}
	return nodesPerStage, nil
}

// Assign expands a nodesPerStage distribution into a rank-to-stage
// lookup: ranks 0..nodesPerStage[0]-1 belong to stage 0, the next
// nodesPerStage[1] ranks to stage 1, and so on.
func Assign(nodesPerStage []int) []int {
	total := 0
	for _, n := range nodesPerStage {
		total += n
	}
	stageOfRank := make([]int, total)
	rank := 0
	for s, n := range nodesPerStage {
		for i := 0; i < n; i++ {
			stageOfRank[rank] = s
			rank++
		}
	}
	return stageOfRank
}
