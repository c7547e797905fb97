// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/js-arias/epa/transport"
)

func TestGRPCSendRecv(t *testing.T) {
	peers := []string{"127.0.0.1:18171", "127.0.0.1:18172"}

	r0, err := transport.NewGRPC(0, peers)
	if err != nil {
		t.Fatalf("NewGRPC(0): %v", err)
	}
	defer r0.Close()

	r1, err := transport.NewGRPC(1, peers)
	if err != nil {
		t.Fatalf("NewGRPC(1): %v", err)
	}
	defer r1.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r0.Send(ctx, 1, 3, []byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	payload, status, err := r1.Recv(ctx, transport.AnySource, transport.AnyTag)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(payload) != "ping" {
		t.Errorf("Recv payload = %q, want %q", payload, "ping")
	}
	if status.Source != 0 || status.Tag != 3 {
		t.Errorf("Recv status = %+v, want {Source:0 Tag:3 ...}", status)
	}
}

func TestGRPCIssendWaitsOnPriorRequest(t *testing.T) {
	peers := []string{"127.0.0.1:18173", "127.0.0.1:18174"}

	r0, err := transport.NewGRPC(0, peers)
	if err != nil {
		t.Fatalf("NewGRPC(0): %v", err)
	}
	defer r0.Close()

	r1, err := transport.NewGRPC(1, peers)
	if err != nil {
		t.Fatalf("NewGRPC(1): %v", err)
	}
	defer r1.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req1, err := r0.Issend(ctx, 1, 1, []byte("first"))
	if err != nil {
		t.Fatalf("Issend: %v", err)
	}
	if err := req1.Wait(); err != nil {
		t.Fatalf("req1.Wait: %v", err)
	}

	req2, err := r0.Issend(ctx, 1, 2, []byte("second"))
	if err != nil {
		t.Fatalf("Issend: %v", err)
	}
	if err := req2.Wait(); err != nil {
		t.Fatalf("req2.Wait: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, _, err := r1.Recv(ctx, transport.AnySource, transport.AnyTag); err != nil {
			t.Fatalf("Recv #%d: %v", i, err)
		}
	}
}
