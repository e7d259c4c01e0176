// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package local connects a chain RPC client directly to a server target in
// the same process, with no sockets or framing in between. It is useful for
// tests and for programs that want the recorder API against an in-process
// object.
package local

import (
	"context"

	"github.com/creachadair/chainrpc"
	"github.com/creachadair/chainrpc/durable"
	"github.com/creachadair/chainrpc/proxy"
)

// Options configure a local client. A nil *Options provides defaults.
type Options struct {
	// Executor settings applied to every batch. Nil uses default limits.
	Executor *chainrpc.Executor

	// Client options. The transport is replaced by the local connection.
	Client *proxy.Options
}

func (o *Options) executor() *chainrpc.Executor {
	if o == nil {
		return nil
	}
	return o.Executor
}

func (o *Options) client() *proxy.Options {
	if o == nil || o.Client == nil {
		return new(proxy.Options)
	}
	return o.Client
}

// NewClient returns a client whose batches execute synchronously against
// target. One Gather or Await is one (in-memory) transport round trip, the
// same observable grouping as the network transports.
func NewClient(target any, opts *Options) *proxy.Client {
	x := opts.executor()
	copts := opts.client()
	copts.Transport = func(*proxy.Options) (proxy.Transport, error) {
		return transport{exec: x, target: target}, nil
	}
	return proxy.New(copts)
}

// NewInstanceClient returns a client bound to a durable instance, so
// batches serialize through the instance like remote traffic does.
func NewInstanceClient(inst *durable.Instance, opts *Options) *proxy.Client {
	copts := opts.client()
	copts.Transport = func(*proxy.Options) (proxy.Transport, error) {
		return instanceTransport{inst: inst}, nil
	}
	return proxy.New(copts)
}

type transport struct {
	exec   *chainrpc.Executor
	target any
}

func (t transport) Call(ctx context.Context, req *chainrpc.BatchRequest) (*chainrpc.BatchResponse, error) {
	return t.exec.ExecBatch(ctx, t.target, req), nil
}

func (transport) Close() error { return nil }

type instanceTransport struct{ inst *durable.Instance }

func (t instanceTransport) Call(ctx context.Context, req *chainrpc.BatchRequest) (*chainrpc.BatchResponse, error) {
	return t.inst.Exec(ctx, req)
}

func (instanceTransport) Close() error { return nil }
