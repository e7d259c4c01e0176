// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package proxy_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/creachadair/chainrpc"
	"github.com/creachadair/chainrpc/codec"
	"github.com/creachadair/chainrpc/proxy"
	"github.com/google/go-cmp/cmp"
)

// localTransport executes batches in memory against a target, in the manner
// of a direct channel pair: one Call is one transport send.
type localTransport struct {
	exec   *chainrpc.Executor
	target any

	mu     sync.Mutex
	calls  int
	closed bool
}

func (t *localTransport) Call(ctx context.Context, req *chainrpc.BatchRequest) (*chainrpc.BatchResponse, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, chainrpc.Errorf(chainrpc.KindTransport, "client disconnected")
	}
	t.calls++
	t.mu.Unlock()
	return t.exec.ExecBatch(ctx, t.target, req), nil
}

func (t *localTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *localTransport) sends() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type counter struct{ n float64 }

func (c *counter) Increment() float64 { c.n++; return c.n }

func (c *counter) Add(a, b float64) float64 { return a + b }

func (c *counter) GetObject() *holder { return &holder{Nested: &leaf{}} }

func (c *counter) ThrowError(msg string) error {
	return &chainrpc.Error{Kind: chainrpc.KindUser, Name: "TestError", Message: msg,
		Custom: map[string]any{"code": "E_TEST"}}
}

type holder struct{ Nested *leaf }

type leaf struct{}

func (*leaf) GetValue() float64 { return 42 }

func newClient(t *testing.T, target any) (*proxy.Client, *localTransport) {
	t.Helper()
	tp := &localTransport{exec: &chainrpc.Executor{}, target: target}
	cli := proxy.New(&proxy.Options{
		Transport: func(*proxy.Options) (proxy.Transport, error) { return tp, nil },
	})
	return cli, tp
}

func TestCall(t *testing.T) {
	proxy.SetInspect(true)
	defer proxy.SetInspect(false)

	cli, tp := newClient(t, &counter{})
	got, err := cli.Root().Get("add").Call(5, 3).Await(context.Background())
	if err != nil {
		t.Fatalf("add(5, 3): unexpected error: %v", err)
	}
	if got != 8.0 {
		t.Errorf("add(5, 3): got %v, want 8", got)
	}
	if tp.sends() != 1 {
		t.Errorf("Transport sends: got %d, want 1", tp.sends())
	}

	batch := proxy.LastBatch()
	if batch == nil || len(batch.Entries) != 1 {
		t.Fatalf("Recorded batch: got %+v, want 1 entry", batch)
	}
	chain := entryChain(t, batch.Entries[0])
	if got, want := chain.String(), ".add(2)"; got != want {
		t.Errorf("Recorded chain: got %v, want %v", got, want)
	}
}

// entryChain decodes the operations envelope of a batch entry.
func entryChain(t *testing.T, ent chainrpc.BatchEntry) chainrpc.Chain {
	t.Helper()
	v, err := codec.Unmarshal(ent.Operations, nil)
	if err != nil {
		t.Fatalf("Decoding operations: %v", err)
	}
	chain, err := chainrpc.ChainFromValue(v)
	if err != nil {
		t.Fatalf("Parsing operations: %v", err)
	}
	return chain
}

func TestGatherIsOneBatch(t *testing.T) {
	cli, tp := newClient(t, &counter{})
	root := cli.Root()
	a := root.Get("increment").Call()
	b := root.Get("increment").Call()

	got, err := cli.Gather(context.Background(), a, b)
	if err != nil {
		t.Fatalf("Gather: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]any{1.0, 2.0}, got); diff != "" {
		t.Errorf("Two increments: (-want, +got)\n%s", diff)
	}
	if tp.sends() != 1 {
		t.Errorf("Transport sends: got %d, want 1", tp.sends())
	}
}

func TestPipelinedAlias(t *testing.T) {
	proxy.SetInspect(true)
	defer proxy.SetInspect(false)

	cli, tp := newClient(t, &counter{})
	root := cli.Root()
	x := root.Get("increment").Call()
	y := root.Get("add").Call(x, 10)
	z := root.Get("add").Call(x, 20)

	got, err := cli.Gather(context.Background(), y, z)
	if err != nil {
		t.Fatalf("Gather: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]any{11.0, 21.0}, got); diff != "" {
		t.Errorf("Pipelined results: (-want, +got)\n%s", diff)
	}
	if tp.sends() != 1 {
		t.Errorf("Transport sends: got %d, want 1", tp.sends())
	}

	// The batch carries two entries; the second argument marker is an alias
	// with a refId and no chain.
	batch := proxy.LastBatch()
	if len(batch.Entries) != 2 {
		t.Fatalf("Batch entries: got %d, want 2", len(batch.Entries))
	}
	first := argMarker(t, batch.Entries[0])
	second := argMarker(t, batch.Entries[1])
	if first[chainrpc.ChainField] == nil {
		t.Error("First embedding does not carry the chain")
	}
	if second[chainrpc.ChainField] != nil {
		t.Error("Second embedding carries a chain; want refId only")
	}
	if first[chainrpc.RefIDField] != second[chainrpc.RefIDField] {
		t.Errorf("RefIds differ: %v vs %v", first[chainrpc.RefIDField], second[chainrpc.RefIDField])
	}
}

// argMarker extracts the first apply argument of an entry as a marker map.
func argMarker(t *testing.T, ent chainrpc.BatchEntry) map[string]any {
	t.Helper()
	v, err := codec.Unmarshal(ent.Operations, nil)
	if err != nil {
		t.Fatalf("Decoding operations: %v", err)
	}
	for _, elt := range v.([]any) {
		op := elt.(map[string]any)
		if op["type"] != chainrpc.OpApply {
			continue
		}
		args := op["args"].([]any)
		m, ok := args[0].(map[string]any)
		if !ok {
			t.Fatalf("First argument has type %T, want marker map", args[0])
		}
		return m
	}
	t.Fatal("Entry has no apply operation")
	return nil
}

func TestIdenticalChainsBothExecute(t *testing.T) {
	cli, tp := newClient(t, &counter{})
	a := cli.Root().Get("increment").Call()
	b := cli.Root().Get("increment").Call()

	got, err := cli.Gather(context.Background(), a, b)
	if err != nil {
		t.Fatalf("Gather: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]any{1.0, 2.0}, got); diff != "" {
		t.Errorf("Identical chains: (-want, +got)\n%s", diff)
	}
	_ = tp
}

func TestPrefixFilter(t *testing.T) {
	proxy.SetInspect(true)
	defer proxy.SetInspect(false)

	cli, _ := newClient(t, &counter{})
	got, err := cli.Root().Get("getObject").Call().Get("nested").Get("getValue").Call().Await(context.Background())
	if err != nil {
		t.Fatalf("Await: unexpected error: %v", err)
	}
	if got != 42.0 {
		t.Errorf("Chained call: got %v, want 42", got)
	}

	// Intermediate handles were recorded along the way; only the leaf chain
	// may execute.
	batch := proxy.LastBatch()
	if len(batch.Entries) != 1 {
		t.Fatalf("Batch entries: got %d, want 1", len(batch.Entries))
	}
	chain := entryChain(t, batch.Entries[0])
	if len(chain) != 5 {
		t.Errorf("Leaf chain length: got %d, want 5", len(chain))
	}
}

func TestCrossBatchEmbeddingReExecutes(t *testing.T) {
	cli, _ := newClient(t, &counter{})
	ctx := context.Background()
	root := cli.Root()

	x := root.Get("increment").Call()
	y, err := root.Get("add").Call(x, 0).Await(ctx)
	if err != nil {
		t.Fatalf("First batch: unexpected error: %v", err)
	}
	z, err := root.Get("add").Call(x, 0).Await(ctx)
	if err != nil {
		t.Fatalf("Second batch: unexpected error: %v", err)
	}
	if y != 1.0 || z != 2.0 {
		t.Errorf("Cross-batch embeddings: got %v, %v; want 1, 2", y, z)
	}
}

func TestUserErrorSurfaces(t *testing.T) {
	cli, _ := newClient(t, &counter{})
	_, err := cli.Root().Get("throwError").Call("msg").Await(context.Background())
	var cerr *chainrpc.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("Await: got %v, want *chainrpc.Error", err)
	}
	if cerr.Name != "TestError" || cerr.Message != "msg" {
		t.Errorf("Error: got %q/%q, want TestError/msg", cerr.Name, cerr.Message)
	}
	if cerr.Custom["code"] != "E_TEST" {
		t.Errorf("Custom code: got %v, want E_TEST", cerr.Custom["code"])
	}
}

func TestRemoteFunctionResult(t *testing.T) {
	cli, _ := newClient(t, &counter{})
	ctx := context.Background()

	got, err := cli.Root().Get("getObject").Call().Await(ctx)
	if err != nil {
		t.Fatalf("getObject(): unexpected error: %v", err)
	}
	obj := got.(map[string]any)
	nested := obj["nested"].(map[string]any)
	fn, ok := nested["getValue"].(*proxy.Handle)
	if !ok {
		t.Fatalf("getValue has type %T, want *proxy.Handle", nested["getValue"])
	}
	v, err := fn.Call().Await(ctx)
	if err != nil {
		t.Fatalf("Remote function call: unexpected error: %v", err)
	}
	if v != 42.0 {
		t.Errorf("Remote function call: got %v, want 42", v)
	}
}

func TestAsObject(t *testing.T) {
	cli, _ := newClient(t, &counter{})
	desc, err := cli.Root().AsObject(context.Background())
	if err != nil {
		t.Fatalf("AsObject: unexpected error: %v", err)
	}
	for _, name := range []string{"increment", "add", "getObject", "throwError"} {
		if desc[name] != name+" [Function]" {
			t.Errorf("Description of %q: got %v, want %q", name, desc[name], name+" [Function]")
		}
	}
}

func TestCloseThenReconnect(t *testing.T) {
	target := &counter{}
	tps := make([]*localTransport, 0, 2)
	cli := proxy.New(&proxy.Options{
		Transport: func(*proxy.Options) (proxy.Transport, error) {
			tp := &localTransport{exec: &chainrpc.Executor{}, target: target}
			tps = append(tps, tp)
			return tp, nil
		},
	})
	ctx := context.Background()

	if _, err := cli.Root().Get("increment").Call().Await(ctx); err != nil {
		t.Fatalf("First call: unexpected error: %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}

	// The next call transparently constructs a fresh transport.
	got, err := cli.Root().Get("increment").Call().Await(ctx)
	if err != nil {
		t.Fatalf("Call after close: unexpected error: %v", err)
	}
	if got != 2.0 {
		t.Errorf("Call after close: got %v, want 2", got)
	}
	if len(tps) != 2 {
		t.Errorf("Transports constructed: got %d, want 2", len(tps))
	}
}
