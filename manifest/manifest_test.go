// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

package manifest_test

import (
	"os"
	"reflect"
	"slices"
	"testing"

	"github.com/js-arias/epa/manifest"
)

type setPath struct {
	set  manifest.Dataset
	path string
}

func TestManifest(t *testing.T) {
	m := manifest.New()

	sets := []setPath{
		{manifest.RefTree, "reference.tree"},
		{manifest.RefAlignment, "reference.fasta"},
		{manifest.QueryAlignment, "query.fasta"},
		{manifest.Model, "model.json"},
		{manifest.Output, "result.jplace"},
	}

	for _, s := range sets {
		m.Add(s.set, s.path)
	}
	testManifest(t, m, sets)

	name := "tmp-manifest-for-test.tab"
	defer os.Remove(name)

	m.SetName(name)
	if err := m.Write(); err != nil {
		t.Fatalf("error when writing data: %v", err)
	}

	nm, err := manifest.Read(name)
	if err != nil {
		t.Fatalf("error when reading data: %v", err)
	}
	testManifest(t, nm, sets)
}

func testManifest(t testing.TB, m *manifest.Manifest, sets []setPath) {
	t.Helper()

	for _, s := range sets {
		if path := m.Path(s.set); path != s.path {
			t.Errorf("set %s: got path %q, want %q", s.set, path, s.path)
		}
	}
	datasets := make([]manifest.Dataset, 0, len(sets))
	for _, v := range sets {
		datasets = append(datasets, v.set)
	}
	slices.Sort(datasets)

	if ls := m.Sets(); !reflect.DeepEqual(ls, datasets) {
		t.Errorf("sets: got %v, want %v", ls, datasets)
	}
}

func TestRequireMissingDataset(t *testing.T) {
	m := manifest.New()
	if _, err := m.Require(manifest.RefTree); err == nil {
		t.Error("expected an error requiring an undefined dataset")
	}

	m.Add(manifest.RefTree, "reference.tree")
	path, err := m.Require(manifest.RefTree)
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	if path != "reference.tree" {
		t.Errorf("Require: got %q, want %q", path, "reference.tree")
	}
}

func TestReadRejectsMissingHeader(t *testing.T) {
	name := "tmp-manifest-bad-header.tab"
	defer os.Remove(name)
	if err := os.WriteFile(name, []byte("wrong\theader\nreftree\tref.tree\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := manifest.Read(name); err == nil {
		t.Error("expected an error reading a manifest with an invalid header")
	}
}
