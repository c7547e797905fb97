// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

package placement

// Sample is a mapping query_id -> PQuery that preserves insertion order
// for iteration, mirroring the dataset-keyword-to-path bookkeeping used
// elsewhere in this project's ancestry (slice of keys plus a lookup map).
type Sample struct {
	order []uint32
	byID  map[uint32]*PQuery
}

// NewSample returns an empty Sample.
func NewSample() *Sample {
	return &Sample{
		byID: make(map[uint32]*PQuery),
	}
}

// AddPlacement appends p to the PQuery for queryID, creating the PQuery
// (and recording its first-observed order) if this is the first
// placement seen for that query.
func (s *Sample) AddPlacement(queryID uint32, header string, p Placement) {
	pq, ok := s.byID[queryID]
	if !ok {
		pq = &PQuery{QueryID: queryID, Header: header}
		s.byID[queryID] = pq
		s.order = append(s.order, queryID)
	}
	pq.Placements = append(pq.Placements, p)
}

// Get returns the PQuery for queryID, if present.
func (s *Sample) Get(queryID uint32) (*PQuery, bool) {
	pq, ok := s.byID[queryID]
	return pq, ok
}

// Queries returns every PQuery in the order their query_id was first
// observed.
func (s *Sample) Queries() []*PQuery {
	out := make([]*PQuery, len(s.order))
	for i, id := range s.order {
		out[i] = s.byID[id]
	}
	return out
}

// Len returns the number of distinct queries in the sample.
func (s *Sample) Len() int {
	return len(s.order)
}

// FromQueries rebuilds a Sample by replaying every PQuery's placements
// through AddPlacement, in slice order. It reconstructs a Sample
// decoded off a transport payload sent by another rank, whose own
// Queries() order was already query_id-first-observed.
func FromQueries(pqs []*PQuery) *Sample {
	s := NewSample()
	for _, pq := range pqs {
		for _, p := range pq.Placements {
			s.AddPlacement(pq.QueryID, pq.Header, p)
		}
	}
	return s
}

// Merge folds other into s. PQueries are keyed by query_id, so the merge
// is commutative: if s already has the query, other's placements are
// appended to it (preserving s's order position); otherwise the whole
// PQuery is adopted at the end of s's order.
func (s *Sample) Merge(other *Sample) {
	if other == nil {
		return
	}
	for _, id := range other.order {
		opq := other.byID[id]
		pq, ok := s.byID[id]
		if !ok {
			cp := &PQuery{QueryID: opq.QueryID, Header: opq.Header}
			cp.Placements = append(cp.Placements, opq.Placements...)
			s.byID[id] = cp
			s.order = append(s.order, id)
			continue
		}
		pq.Placements = append(pq.Placements, opq.Placements...)
	}
}
