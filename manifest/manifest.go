// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

// Package manifest implements reading and writing of placement-run
// manifest files.
//
// A manifest is a tab-delimited file (TSV) used to store the paths of
// the different inputs and outputs a placement run needs, the same
// role a PhyGeo project file plays for a biogeographic analysis.
package manifest

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"
)

// Dataset is a keyword identifying the kind of file a manifest entry
// points to.
type Dataset string

// Valid dataset kinds.
const (
	// File for the reference phylogenetic tree.
	RefTree Dataset = "reftree"

	// File for the reference multiple sequence alignment.
	RefAlignment Dataset = "refalign"

	// File for the query sequences to be placed.
	QueryAlignment Dataset = "queryalign"

	// File for the substitution model parameters (frequencies,
	// exchange rates, rate categories).
	Model Dataset = "model"

	// File for a previously-saved binary checkpoint.
	Checkpoint Dataset = "checkpoint"

	// File where the plain-text placement summary is written; no
	// jplace output is produced.
	Output Dataset = "output"
)

// A Manifest represents a collection of paths for a placement run's
// datasets.
type Manifest struct {
	name  string
	paths map[Dataset]string
}

// New creates a new empty manifest.
func New() *Manifest {
	return &Manifest{
		paths: make(map[Dataset]string),
	}
}

var header = []string{
	"dataset",
	"path",
}

// Read reads a manifest from a TSV file.
//
// The TSV must contain the following fields:
//
//   - dataset, for the kind of file
//   - path, for the path of the file
//
// Here is an example file:
//
//	# epa placement manifest
//	dataset	path
//	reftree	reference.tree
//	refalign	reference.fasta
//	queryalign	query.fasta
//	model	model.json
//	output	result.jplace
func Read(name string) (*Manifest, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tsv := csv.NewReader(f)
	tsv.Comma = '\t'
	tsv.Comment = '#'

	head, err := tsv.Read()
	if err != nil {
		return nil, fmt.Errorf("on file %q: header: %v", name, err)
	}
	fields := make(map[string]int, len(head))
	for i, h := range head {
		h = strings.ToLower(h)
		fields[h] = i
	}
	for _, h := range header {
		if _, ok := fields[h]; !ok {
			return nil, fmt.Errorf("on file %q: expecting field %q", name, h)
		}
	}

	m := New()
	m.name = name
	for {
		row, err := tsv.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		ln, _ := tsv.FieldPos(0)
		if err != nil {
			return nil, fmt.Errorf("on file %q: on row %d: %v", name, ln, err)
		}

		f := "dataset"
		d := Dataset(row[fields[f]])

		f = "path"
		path := row[fields[f]]
		m.paths[d] = path
	}

	return m, nil
}

// Add adds a filepath of a dataset to a given manifest. It returns the
// previous value for the dataset.
func (m *Manifest) Add(set Dataset, path string) string {
	prev := m.paths[set]
	if path == "" {
		delete(m.paths, set)
		return prev
	}

	m.paths[set] = path
	return prev
}

// Path returns the path of the given dataset.
func (m *Manifest) Path(set Dataset) string {
	return m.paths[set]
}

// Sets returns the datasets defined on a manifest.
func (m *Manifest) Sets() []Dataset {
	var sets []Dataset
	for s := range m.paths {
		sets = append(sets, s)
	}
	slices.Sort(sets)
	return sets
}

// SetName sets the manifest file name.
func (m *Manifest) SetName(name string) {
	m.name = name
}

// Write writes a manifest into a file.
func (m *Manifest) Write() (err error) {
	f, err := os.Create(m.name)
	if err != nil {
		return err
	}
	defer func() {
		e := f.Close()
		if e != nil && err == nil {
			err = e
		}
	}()

	bw := bufio.NewWriter(f)
	fmt.Fprintf(bw, "# epa placement manifest\n")
	fmt.Fprintf(bw, "# data save on: %s\n", time.Now().Format(time.RFC3339))
	tsv := csv.NewWriter(bw)
	tsv.Comma = '\t'
	tsv.UseCRLF = true

	if err := tsv.Write(header); err != nil {
		return fmt.Errorf("on file %q: while writing header: %v", m.name, err)
	}

	sets := m.Sets()
	for _, s := range sets {
		row := []string{
			string(s),
			m.paths[s],
		}
		if err := tsv.Write(row); err != nil {
			return fmt.Errorf("on file %q: %v", m.name, err)
		}
	}

	tsv.Flush()
	if err := tsv.Error(); err != nil {
		return fmt.Errorf("on file %q: while writing data: %v", m.name, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("on file %q: while writing data: %v", m.name, err)
	}
	return nil
}

// Require returns the path of set, or an error naming the manifest and
// the missing dataset if it is undefined.
func (m *Manifest) Require(set Dataset) (string, error) {
	path := m.paths[set]
	if path == "" {
		return "", fmt.Errorf("%s not defined in manifest %q", set, m.name)
	}
	return path, nil
}
