// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package durable_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/chainrpc"
	"github.com/creachadair/chainrpc/codec"
	"github.com/creachadair/chainrpc/durable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probe struct {
	active  atomic.Int32
	overlap atomic.Bool
	n       float64
}

func (p *probe) Increment() float64 { p.n++; return p.n }

// Busy reports whether another batch overlapped its execution.
func (p *probe) Busy() bool {
	if p.active.Add(1) != 1 {
		p.overlap.Store(true)
	}
	time.Sleep(5 * time.Millisecond)
	p.active.Add(-1)
	return p.overlap.Load()
}

func incBatch(t *testing.T, id string) *chainrpc.BatchRequest {
	t.Helper()
	return oneChain(t, id, chainrpc.Chain{chainrpc.Get("increment"), chainrpc.Apply()})
}

func oneChain(t *testing.T, id string, chain chainrpc.Chain) *chainrpc.BatchRequest {
	t.Helper()
	ent, err := chainrpc.EncodeEntry(id, chain, nil)
	require.NoError(t, err)
	return &chainrpc.BatchRequest{ID: id, Entries: []chainrpc.BatchEntry{ent}}
}

func TestInstanceIdentity(t *testing.T) {
	reg := durable.NewRegistry(nil)
	reg.Bind("p", func(*durable.Instance) any { return &probe{} })

	a, err := reg.Instance("p", "one")
	require.NoError(t, err)
	b, err := reg.Instance("p", "one")
	require.NoError(t, err)
	c, err := reg.Instance("p", "two")
	require.NoError(t, err)

	assert.Same(t, a, b, "same key must yield the same instance")
	assert.NotSame(t, a, c, "distinct keys must yield distinct instances")
	assert.NotSame(t, a.Target(), c.Target())
}

func TestUnknownBinding(t *testing.T) {
	reg := durable.NewRegistry(nil)
	_, err := reg.Instance("nope", "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown binding")
}

func TestStateIsPerInstance(t *testing.T) {
	reg := durable.NewRegistry(nil)
	reg.Bind("p", func(*durable.Instance) any { return &probe{} })
	ctx := context.Background()

	one, _ := reg.Instance("p", "one")
	two, _ := reg.Instance("p", "two")

	rsp, err := one.Exec(ctx, incBatch(t, "a"))
	require.NoError(t, err)
	require.True(t, rsp.Entries[0].Success)

	rsp, err = two.Exec(ctx, incBatch(t, "b"))
	require.NoError(t, err)
	v, err := codec.Unmarshal(rsp.Entries[0].Result, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v, "each instance owns its own counter")
}

func TestBatchesSerialize(t *testing.T) {
	reg := durable.NewRegistry(nil)
	reg.Bind("p", func(*durable.Instance) any { return &probe{} })
	inst, err := reg.Instance("p", "main")
	require.NoError(t, err)
	ctx := context.Background()

	busy := oneChain(t, "busy", chainrpc.Chain{chainrpc.Get("busy"), chainrpc.Apply()})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rsp, err := inst.Exec(ctx, busy)
			assert.NoError(t, err)
			assert.True(t, rsp.Entries[0].Success)
		}()
	}
	wg.Wait()

	assert.False(t, inst.Target().(*probe).overlap.Load(),
		"concurrent batches must not overlap on one instance")
}

func TestExecHonorsContext(t *testing.T) {
	reg := durable.NewRegistry(nil)
	reg.Bind("p", func(*durable.Instance) any { return &probe{} })
	inst, err := reg.Instance("p", "main")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = inst.Exec(ctx, incBatch(t, "a"))
	require.Error(t, err)
}

func TestRegistryLimits(t *testing.T) {
	reg := durable.NewRegistry(&durable.Options{MaxDepth: 2})
	reg.Bind("p", func(*durable.Instance) any { return &probe{} })
	inst, err := reg.Instance("p", "main")
	require.NoError(t, err)

	deep := oneChain(t, "deep", chainrpc.Chain{
		chainrpc.Get("a"), chainrpc.Get("b"), chainrpc.Get("c"),
	})
	rsp, err := inst.Exec(context.Background(), deep)
	require.NoError(t, err)
	require.False(t, rsp.Entries[0].Success)
	assert.Contains(t, rsp.Entries[0].Error.Message, "too deep")
	assert.Contains(t, rsp.Entries[0].Error.Message, "3 > 2")
}

func TestEnvRegistry(t *testing.T) {
	reg := durable.NewRegistry(&durable.Options{
		Env: map[string]any{"REGION": "test-1"},
	})
	reg.Bind("p", func(*durable.Instance) any { return &probe{} })
	inst, err := reg.Instance("p", "main")
	require.NoError(t, err)

	rsp, err := inst.Exec(context.Background(), oneChain(t, "env", chainrpc.Chain{
		chainrpc.Get("env"), chainrpc.Get("REGION"),
	}))
	require.NoError(t, err)
	require.True(t, rsp.Entries[0].Success)
	v, err := codec.Unmarshal(rsp.Entries[0].Result, nil)
	require.NoError(t, err)
	assert.Equal(t, "test-1", v)
}
