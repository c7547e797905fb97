// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

// Package checkpoint persists a reference tree and its partition's
// live numeric state to a single embedded key-value store, giving a
// round-trip guarantee: placing any query against a reloaded
// checkpoint reproduces the same log-likelihood, distal and pendant
// lengths as against the pre-checkpoint tree, bit-for-bit.
package checkpoint

import (
	"bytes"
	"encoding/gob"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/js-arias/epa/epaerr"
	"github.com/js-arias/epa/numerics"
	"github.com/js-arias/epa/reftree"
)

// checkpointKey is the single badger key every checkpoint is stored
// under; one checkpoint occupies one database.
var checkpointKey = []byte("checkpoint")

// document is the gob-encoded payload: the reference tree's nodes plus
// a full snapshot of its partition's live buffers.
type document struct {
	Nodes []reftree.Node

	Config numerics.PartitionConfig

	CLVs     map[int][]float64
	TipChars map[int][]byte
	Scalers  map[int32][]uint32
}

// Save writes ref and part's current state to the badger database
// rooted at path, creating it if necessary.
func Save(path string, ref *reftree.Tree, part numerics.Partition) error {
	doc := document{
		Nodes:    make([]reftree.Node, ref.Len()),
		Config:   part.Config(),
		CLVs:     make(map[int][]float64),
		TipChars: make(map[int][]byte),
		Scalers:  make(map[int32][]uint32),
	}
	for i := 0; i < ref.Len(); i++ {
		doc.Nodes[i] = ref.Node(i)
	}
	for idx := 0; idx < part.CLVBuffers(); idx++ {
		if v := part.CLV(idx); v != nil {
			doc.CLVs[idx] = v
		}
		if v := part.TipChars(idx); v != nil {
			doc.TipChars[idx] = v
		}
	}
	for idx := int32(0); idx < int32(part.ScaleBuffers()); idx++ {
		if v := part.Scaler(idx); v != nil {
			doc.Scalers[idx] = v
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("checkpoint: encoding: %w", err)
	}

	db, err := badger.Open(badger.DefaultOptions(path))
	if err != nil {
		return fmt.Errorf("checkpoint: opening %s: %w", path, err)
	}
	defer db.Close()

	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey, buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("checkpoint: writing %s: %w", path, err)
	}
	return nil
}

// Load rebuilds a reference tree and partition from the badger
// database rooted at path. A badger checksum failure or an undecodable
// payload is reported as epaerr.ErrCheckpointMismatch.
func Load(path string) (*reftree.Tree, numerics.Partition, error) {
	db, err := badger.Open(badger.DefaultOptions(path))
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: opening %s: %w", path, err)
	}
	defer db.Close()

	var payload []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey)
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading %s: %v", epaerr.ErrCheckpointMismatch, path, err)
	}

	var doc document
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding %s: %v", epaerr.ErrCheckpointMismatch, path, err)
	}

	ref, err := reftree.New(doc.Nodes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: rebuilding reference tree: %v", epaerr.ErrCheckpointMismatch, err)
	}

	part, err := numerics.PartitionCreate(doc.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: rebuilding partition: %v", epaerr.ErrCheckpointMismatch, err)
	}
	for idx, v := range doc.CLVs {
		part.SetCLV(idx, v)
	}
	for idx, v := range doc.TipChars {
		part.SetTipChars(idx, v)
	}
	for idx, v := range doc.Scalers {
		part.SetScaler(idx, v)
	}

	return ref, part, nil
}
