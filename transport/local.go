// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

package transport

import (
	"context"
	"sync"
)

// message is one queued datagram, carrying the same envelope fields a
// real MPI status reports.
type message struct {
	from    int
	tag     int
	payload []byte
}

// Hub wires a fixed set of in-process ranks together. It plays the
// role of an MPI_Comm: Local.Send/Issend enqueue into the destination
// rank's queue under the Hub's lock, and Local.Probe/Recv drain their
// own rank's queue, blocking via a condition variable when empty.
type Hub struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues [][]message
	closed bool
}

// NewHub builds a Hub with n ranks, numbered 0..n-1.
func NewHub(n int) *Hub {
	h := &Hub{queues: make([][]message, n)}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Rank returns a Substrate bound to rank i of the hub.
func (h *Hub) Rank(i int) *Local {
	return &Local{hub: h, rank: i, outstanding: make(map[int]*localRequest)}
}

// Close unblocks every rank waiting on Probe or Recv with ErrUnknown.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cond.Broadcast()
}

// Local is a Substrate backed by a Hub's shared queues, the default
// for single-node runs and every test except the GRPC substrate's own.
type Local struct {
	hub  *Hub
	rank int

	mu          sync.Mutex
	outstanding map[int]*localRequest
}

type localRequest struct{}

// Wait is a no-op: a Local send completes synchronously before
// Issend returns, so any earlier request is already done by
// construction.
func (r *localRequest) Wait() error { return nil }

func (l *Local) Rank() int { return l.rank }

func (l *Local) Close() error { return nil }

func (l *Local) enqueue(dest, tag int, payload []byte) error {
	if dest < 0 || dest >= len(l.hub.queues) {
		return ErrInvalidRank
	}
	l.hub.mu.Lock()
	l.hub.queues[dest] = append(l.hub.queues[dest], message{from: l.rank, tag: tag, payload: payload})
	l.hub.mu.Unlock()
	l.hub.cond.Broadcast()
	return nil
}

// Send enqueues payload on dest's queue. The local hub has no network
// buffering limit, so this never blocks beyond acquiring the hub's
// lock.
func (l *Local) Send(ctx context.Context, dest int, tag int, payload []byte) error {
	return l.enqueue(dest, tag, payload)
}

// Issend enforces one outstanding request per destination: a prior
// request to the same dest is already resolved by the time this
// returns (see localRequest.Wait), matching epa_mpi_isend's
// wait-then-send ordering without needing an actual wait here.
func (l *Local) Issend(ctx context.Context, dest int, tag int, payload []byte) (Request, error) {
	l.mu.Lock()
	prev := l.outstanding[dest]
	l.mu.Unlock()
	if prev != nil {
		if err := prev.Wait(); err != nil {
			return nil, err
		}
	}
	if err := l.enqueue(dest, tag, payload); err != nil {
		return nil, err
	}
	req := &localRequest{}
	l.mu.Lock()
	l.outstanding[dest] = req
	l.mu.Unlock()
	return req, nil
}

func matches(m message, source int) bool {
	return source == AnySource || m.from == source
}

// Probe blocks until a message from source is queued and reports its
// envelope without removing it.
func (l *Local) Probe(ctx context.Context, source int) (Status, error) {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()
	for {
		for _, m := range l.hub.queues[l.rank] {
			if matches(m, source) {
				return Status{Source: m.from, Tag: m.tag, Count: len(m.payload)}, nil
			}
		}
		if l.hub.closed {
			return Status{}, ErrUnknown
		}
		if err := ctx.Err(); err != nil {
			return Status{}, err
		}
		l.hub.cond.Wait()
	}
}

// Recv blocks until a message matching source and tag is queued, then
// consumes and returns it.
func (l *Local) Recv(ctx context.Context, source int, tag int) ([]byte, Status, error) {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()
	for {
		q := l.hub.queues[l.rank]
		for i, m := range q {
			if matches(m, source) && (tag == AnyTag || m.tag == tag) {
				l.hub.queues[l.rank] = append(q[:i], q[i+1:]...)
				return m.payload, Status{Source: m.from, Tag: m.tag, Count: len(m.payload)}, nil
			}
		}
		if l.hub.closed {
			return nil, Status{}, ErrUnknown
		}
		if err := ctx.Err(); err != nil {
			return nil, Status{}, err
		}
		l.hub.cond.Wait()
	}
}
