// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package local_test

import (
	"context"
	"testing"

	"github.com/creachadair/chainrpc/durable"
	"github.com/creachadair/chainrpc/local"
	"github.com/google/go-cmp/cmp"
)

type calc struct{ n float64 }

func (c *calc) Add(a, b float64) float64 { return a + b }

func (c *calc) Increment() float64 { c.n++; return c.n }

func TestLocalClient(t *testing.T) {
	cli := local.NewClient(&calc{}, nil)
	defer cli.Close()
	ctx := context.Background()

	got, err := cli.Root().Get("add").Call(2, 3).Await(ctx)
	if err != nil {
		t.Fatalf("add(2, 3): unexpected error: %v", err)
	}
	if got != 5.0 {
		t.Errorf("add(2, 3): got %v, want 5", got)
	}
}

func TestInstanceClient(t *testing.T) {
	reg := durable.NewRegistry(nil)
	reg.Bind("calc", func(*durable.Instance) any { return &calc{} })
	inst, err := reg.Instance("calc", "main")
	if err != nil {
		t.Fatalf("Instance: unexpected error: %v", err)
	}

	cli := local.NewInstanceClient(inst, nil)
	defer cli.Close()
	ctx := context.Background()

	root := cli.Root()
	got, err := cli.Gather(ctx, root.Get("increment").Call(), root.Get("increment").Call())
	if err != nil {
		t.Fatalf("Gather: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]any{1.0, 2.0}, got); diff != "" {
		t.Errorf("Two increments: (-want, +got)\n%s", diff)
	}

	// The same instance serves a second client with retained state.
	cli2 := local.NewInstanceClient(inst, nil)
	defer cli2.Close()
	v, err := cli2.Root().Get("increment").Call().Await(ctx)
	if err != nil {
		t.Fatalf("increment: unexpected error: %v", err)
	}
	if v != 3.0 {
		t.Errorf("increment: got %v, want 3", v)
	}
}
