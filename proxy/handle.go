// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package proxy

import (
	"context"
	"fmt"

	"github.com/creachadair/chainrpc"
)

// A Handle is a recorded view of a remote value. Reading a member or
// invoking the value does not touch the network; it returns a new handle
// whose chain extends the parent's by one operation. The chain executes
// remotely when the handle is awaited, flushed, or embedded as an argument
// of another handle.
//
// Handles are created by Client.Root and by the Get and Call methods, and
// are not safe for concurrent mutation; share them only after they resolve.
type Handle struct {
	c      *Client
	parent *Handle
	chain  chainrpc.Chain
	depth  int

	// Assigned by the client on first embedding; stable thereafter.
	refID int64

	// Result state, guarded by the owning client's mutex.
	entryID  string
	pending  bool // registered for the next flush
	inflight bool // included in an outbound batch
	done     chan struct{}
	result   any
	err      error
}

// Get records a property read and returns the extended handle.
func (h *Handle) Get(key string) *Handle {
	child := &Handle{
		c:      h.c,
		parent: h,
		chain:  h.chain.Extend(chainrpc.Get(key)),
		depth:  h.depth + 1,
		done:   make(chan struct{}),
	}
	h.c.register(child)
	return child
}

// Call records an invocation of the current value and returns the extended
// handle. Arguments may include other handles; an embedded handle executes
// once per batch and its result is substituted in place, so independent
// chains can pipeline without an extra round trip.
func (h *Handle) Call(args ...any) *Handle {
	for _, arg := range args {
		embedHandles(arg)
	}
	child := &Handle{
		c:      h.c,
		parent: h,
		chain:  h.chain.Extend(chainrpc.Apply(args...)),
		depth:  h.depth + 1,
		done:   make(chan struct{}),
	}
	h.c.register(child)
	return child
}

// embedHandles withdraws every handle in the argument graph from the flush
// set: an embedded handle travels as a nested-operation marker, not as its
// own batch entry.
func embedHandles(arg any) {
	switch t := arg.(type) {
	case *Handle:
		t.c.unregister(t)
	case []any:
		for _, elt := range t {
			embedHandles(elt)
		}
	case map[string]any:
		for _, elt := range t {
			embedHandles(elt)
		}
	}
}

// Await flushes the handle's chain (together with everything else recorded
// since the last flush) and blocks until its result arrives or ctx ends.
func (h *Handle) Await(ctx context.Context) (any, error) {
	if len(h.chain) == 0 {
		return nil, chainrpc.Errorf(chainrpc.KindValidation, "cannot await the root handle")
	}
	if err := h.c.flushFor(ctx, h); err != nil {
		return nil, err
	}
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, chainrpc.Errorf(chainrpc.KindTransport, "await interrupted: %v", ctx.Err())
	}
}

// AsObject retrieves a shallow description of the remote value: member
// names, with every reachable method rendered as "<name> [Function]".
func (h *Handle) AsObject(ctx context.Context) (map[string]any, error) {
	v, err := h.Get(chainrpc.AsObjectKey).Call().Await(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected description of type %T", v)
	}
	return m, nil
}

// resolve delivers a result to h. The caller must hold the client's mutex.
func (h *Handle) resolve(v any, err error) {
	if h.settled() {
		return
	}
	h.result, h.err = v, err
	close(h.done)
}

// settled reports whether h already has a result.
func (h *Handle) settled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// isAncestorOf reports whether h is a proper ancestor of other in the handle
// construction lineage. Lineage, not chain content, decides comparability:
// two independently built handles with identical chains are unrelated.
func (h *Handle) isAncestorOf(other *Handle) bool {
	for p := other.parent; p != nil; p = p.parent {
		if p == h {
			return true
		}
	}
	return false
}
