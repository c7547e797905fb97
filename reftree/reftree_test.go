// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

package reftree_test

import (
	"testing"

	"github.com/js-arias/epa/reftree"
)

// buildSmallTree builds ((A,B),C); three tips, two inner nodes
// (including the root), four branches.
func buildSmallTree(t *testing.T) *reftree.Tree {
	t.Helper()
	nodes := []reftree.Node{
		{ID: 0, Parent: 3, Children: [2]int{-1, -1}, Length: 0.1}, // A
		{ID: 1, Parent: 3, Children: [2]int{-1, -1}, Length: 0.2}, // B
		{ID: 2, Parent: 4, Children: [2]int{-1, -1}, Length: 0.3}, // C
		{ID: 3, Parent: 4, Children: [2]int{0, 1}, Length: 0.15},  // (A,B)
		{ID: 4, Parent: -1, Children: [2]int{3, 2}, Length: 0},    // root
	}
	tr, err := reftree.New(nodes)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func TestTreeBasics(t *testing.T) {
	tr := buildSmallTree(t)
	if tr.Tips() != 3 {
		t.Errorf("Tips() = %d, want 3", tr.Tips())
	}
	if tr.Root() != 4 {
		t.Errorf("Root() = %d, want 4", tr.Root())
	}
	if !tr.IsTerm(0) || tr.IsTerm(3) {
		t.Errorf("IsTerm mismatched for leaf/inner nodes")
	}
	branches := tr.Branches()
	if len(branches) != 4 {
		t.Fatalf("Branches() = %d, want 4", len(branches))
	}
}

func TestIsTermDetectsTipTipBranches(t *testing.T) {
	tr := buildSmallTree(t)
	// the branch ending at node 0 (a tip) is a tip-tip-style edge: its
	// distal endpoint is a tip, so Tiny-Tree construction takes the
	// tip-tip path without swapping its endpoints.
	if !tr.IsTerm(0) {
		t.Errorf("node 0 should be a tip")
	}
	if tr.IsTerm(3) {
		t.Errorf("node 3 should not be a tip")
	}
}
