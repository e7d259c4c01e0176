// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package durable hosts the server-side state containers targeted by chain
// RPC: a registry of bindings, one addressable instance per (binding, key)
// pair, and the per-instance socket set used for downstream messaging.
package durable

import (
	"context"
	"fmt"
	"sync"

	"github.com/creachadair/chainrpc"
	"golang.org/x/sync/semaphore"
)

// Options control the behaviour of a registry created by NewRegistry.
// A nil *Options provides sensible defaults.
type Options struct {
	// If set, chains beginning with a get of "env" pivot into this map.
	Env map[string]any

	// Limits applied to every chain executed through the registry.
	MaxDepth int
	MaxArgs  int

	// If not nil, send debug text logs here.
	Logger chainrpc.Logger
}

func (o *Options) logger() chainrpc.Logger {
	if o == nil {
		return nil
	}
	return o.Logger
}

func (o *Options) executor() *chainrpc.Executor {
	if o == nil {
		return &chainrpc.Executor{}
	}
	return &chainrpc.Executor{
		MaxDepth: o.MaxDepth,
		MaxArgs:  o.MaxArgs,
		Env:      o.Env,
		Logger:   o.Logger,
	}
}

// A Registry maps binding names to instance factories and owns the live
// instances. Instances are created on first use and retained for the life
// of the registry.
type Registry struct {
	exec *chainrpc.Executor
	log  chainrpc.Logger

	mu        sync.Mutex
	bindings  map[string]func(*Instance) any
	instances map[instKey]*Instance
}

type instKey struct{ binding, key string }

// NewRegistry constructs an empty registry with the given options.
func NewRegistry(opts *Options) *Registry {
	return &Registry{
		exec:      opts.executor(),
		log:       opts.logger(),
		bindings:  make(map[string]func(*Instance) any),
		instances: make(map[instKey]*Instance),
	}
}

// Executor returns the executor shared by the registry's instances.
func (r *Registry) Executor() *chainrpc.Executor { return r.exec }

// Bind registers a factory for the named binding. The factory receives the
// instance wrapper, through which the target can reach its sockets for
// downstream sends. Bind panics if factory == nil.
func (r *Registry) Bind(name string, factory func(*Instance) any) {
	if factory == nil {
		panic("nil instance factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[name] = factory
}

// Instance returns the instance for (binding, key), creating it on first
// use. It reports an error if the binding is not registered.
func (r *Registry) Instance(binding, key string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := instKey{binding, key}
	if inst, ok := r.instances[id]; ok {
		return inst, nil
	}
	factory, ok := r.bindings[binding]
	if !ok {
		return nil, fmt.Errorf("unknown binding %q", binding)
	}
	inst := &Instance{
		Binding: binding,
		Key:     key,
		reg:     r,
		sem:     semaphore.NewWeighted(1),
		sockets: make(map[*Socket]bool),
		log:     r.log,
	}
	inst.target = factory(inst)
	r.instances[id] = inst
	r.log.Printf("Created instance %s/%s", binding, key)
	return inst, nil
}

// An Instance is one addressable state container. Batches against an
// instance serialize through its semaphore, so target methods observe
// single-threaded execution.
type Instance struct {
	Binding string
	Key     string

	reg    *Registry
	target any
	sem    *semaphore.Weighted
	log    chainrpc.Logger

	mu      sync.Mutex
	sockets map[*Socket]bool
}

// Target returns the user value backing the instance.
func (i *Instance) Target() any { return i.target }

// Exec replays req against the instance target. Concurrent batches queue on
// the instance and execute one at a time.
func (i *Instance) Exec(ctx context.Context, req *chainrpc.BatchRequest) (*chainrpc.BatchResponse, error) {
	if err := i.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer i.sem.Release(1)
	batchesTotal.Inc()
	return i.reg.exec.ExecBatch(ctx, i.target, req), nil
}
