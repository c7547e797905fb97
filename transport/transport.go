// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

// Package transport provides the message-passing substrate the place
// command gathers per-rank placement results over, translated
// from epa_mpi_util.hpp's send/issend/probe/recv primitives.
package transport

import (
	"context"
	"fmt"

	"github.com/js-arias/epa/epaerr"
)

// AnySource matches any sender in Probe and Recv, mirroring MPI_ANY_SOURCE.
const AnySource = -1

// AnyTag matches any tag in Probe and Recv, mirroring MPI_ANY_TAG.
const AnyTag = -1

// Status describes a message's envelope without consuming it.
type Status struct {
	Source int
	Tag    int
	Count  int
}

// Request is a handle to an outstanding asynchronous send. Before a
// rank issues a second Issend to the same destination, it must Wait
// for the first; see Substrate.Issend.
type Request interface {
	Wait() error
}

// Substrate is the message-passing interface shared by the Local and
// GRPC implementations.
type Substrate interface {
	// Send blocks until payload has been handed off to dest.
	Send(ctx context.Context, dest int, tag int, payload []byte) error

	// Issend starts an asynchronous synchronous-mode send to dest and
	// returns immediately with a Request tracking it. Implementations
	// must enforce one outstanding Issend per destination: issuing a
	// second one before the first's Request.Wait returns blocks on
	// the first.
	Issend(ctx context.Context, dest int, tag int, payload []byte) (Request, error)

	// Probe blocks until a message matching source is available and
	// reports its envelope without consuming it.
	Probe(ctx context.Context, source int) (Status, error)

	// Recv blocks until a message matching source and tag is
	// available, consumes it, and returns its payload.
	Recv(ctx context.Context, source int, tag int) ([]byte, Status, error)

	// Rank reports this substrate's own rank.
	Rank() int

	// Close releases any resources the substrate holds open.
	Close() error
}

// Error codes, mapped from the taxonomy in §6.2/§7: invalid
// communicator, invalid datatype, invalid count, invalid tag, invalid
// rank, unknown.
var (
	ErrInvalidComm  = fmt.Errorf("%w: invalid communicator", epaerr.ErrTransport)
	ErrInvalidType  = fmt.Errorf("%w: invalid datatype", epaerr.ErrTransport)
	ErrInvalidCount = fmt.Errorf("%w: invalid count", epaerr.ErrTransport)
	ErrInvalidTag   = fmt.Errorf("%w: invalid tag", epaerr.ErrTransport)
	ErrInvalidRank  = fmt.Errorf("%w: invalid rank", epaerr.ErrTransport)
	ErrUnknown      = fmt.Errorf("%w: unknown failure", epaerr.ErrTransport)
)
