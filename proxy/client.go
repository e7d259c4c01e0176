// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package proxy implements the client side of the chain RPC protocol: a
// recorder that turns member reads and calls into operation chains, and a
// client that flushes recorded chains to a transport in batches.
package proxy

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/chainrpc"
	"github.com/creachadair/chainrpc/chttp"
	"github.com/creachadair/chainrpc/codec"
	"github.com/creachadair/chainrpc/cws"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// A Transport delivers batch requests to a server and reports the matching
// batch responses.
type Transport interface {
	// Call delivers req and blocks until its response arrives or ctx ends.
	Call(ctx context.Context, req *chainrpc.BatchRequest) (*chainrpc.BatchResponse, error)

	// Close releases the transport. Pending calls fail with a transport
	// error; they are never retried.
	Close() error
}

// Options control the behaviour of a client created by New. A nil *Options
// is invalid; BaseURL (or Transport) is required.
type Options struct {
	// If set, this factory constructs the transport. When the transport is
	// closed, the next call constructs a fresh one. If unset, the factory is
	// chosen from the BaseURL scheme: ws or wss selects the WebSocket
	// transport, anything else the HTTP transport.
	Transport func(o *Options) (Transport, error)

	// Server origin, for example "https://host:8787" or "wss://host:8787".
	BaseURL string

	// URL prefix of the RPC surface. Defaults to "__rpc".
	Prefix string

	// Binding and instance key addressing the durable target.
	Binding  string
	Instance string

	// Per-batch deadline. Zero means no deadline beyond the caller's ctx.
	Timeout time.Duration

	// Extra HTTP request headers.
	Headers http.Header

	// HTTP client used by the HTTP transport. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Dialer used by the WebSocket transport. Defaults to
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Tag identifying this client for downstream addressing. Defaults to a
	// random id.
	ClientID string

	// Extra WebSocket subprotocols.
	AdditionalProtocols []string

	// If set, server-initiated downstream payloads are delivered here.
	// Setting this (or OnClose) enables keep-alive heartbeats on the
	// WebSocket transport.
	OnDownstream func(payload any)

	// If set, this function observes socket closure.
	OnClose func(err error)

	// If set, this function observes connection state changes.
	OnConnectionChange func(connected bool)

	// If not nil, send debug text logs here.
	Logger chainrpc.Logger
}

func (o *Options) prefix() string {
	if o.Prefix == "" {
		return "__rpc"
	}
	return strings.Trim(o.Prefix, "/")
}

func (o *Options) clientID() string {
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	return o.ClientID
}

// callURL reports the URL of the HTTP call endpoint.
func (o *Options) callURL() string {
	return strings.TrimSuffix(o.BaseURL, "/") + "/" + o.prefix() + "/" + o.Binding + "/" + o.Instance + "/call"
}

// socketURL reports the URL of the WebSocket endpoint, including the client
// tag used for downstream addressing.
func (o *Options) socketURL() string {
	base := strings.TrimSuffix(o.BaseURL, "/") + "/" + o.prefix() + "/" + o.Binding + "/" + o.Instance
	return base + "?clientId=" + url.QueryEscape(o.clientID())
}

func (o *Options) transportFactory() func(*Options) (Transport, error) {
	if o.Transport != nil {
		return o.Transport
	}
	if strings.HasPrefix(o.BaseURL, "ws://") || strings.HasPrefix(o.BaseURL, "wss://") {
		return newSocketTransport
	}
	return newHTTPTransport
}

func newHTTPTransport(o *Options) (Transport, error) {
	return chttp.NewTransport(&chttp.TransportOptions{
		URL:        o.callURL(),
		Headers:    o.Headers,
		HTTPClient: o.HTTPClient,
		Logger:     o.Logger,
	}), nil
}

func newSocketTransport(o *Options) (Transport, error) {
	tp, err := cws.New(&cws.Options{
		URL:                o.socketURL(),
		Dialer:             o.Dialer,
		Headers:            o.Headers,
		Protocols:          o.AdditionalProtocols,
		OnDownstream:       o.OnDownstream,
		OnClose:            o.OnClose,
		OnConnectionChange: o.OnConnectionChange,
		Logger:             o.Logger,
	})
	if err != nil {
		return nil, err
	}
	return tp, nil
}

// A Client records operation chains against a remote instance and flushes
// them in batches over a transport.
type Client struct {
	opts *Options
	log  chainrpc.Logger

	mu      sync.Mutex
	tp      Transport
	bracket []*Handle // handles recorded since the last flush, in order
	nextRef int64
}

// New constructs a client from opts.
func New(opts *Options) *Client {
	return &Client{opts: opts, log: opts.Logger, nextRef: 1}
}

// Root returns the handle for the remote instance itself. The root records
// nothing and cannot be awaited; extend it with Get and Call.
func (c *Client) Root() *Handle { return &Handle{c: c} }

// register adds h to the current flush bracket. Called on handle creation.
func (c *Client) register(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.pending = true
	c.bracket = append(c.bracket, h)
}

// unregister withdraws h from the flush bracket, if present.
func (c *Client) unregister(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.pending = false
}

// refFor assigns the stable reference ID for h on first embedding. The
// caller must hold c.mu.
func (c *Client) refFor(h *Handle) int64 {
	if h.refID == 0 {
		h.refID = c.nextRef
		c.nextRef++
	}
	return h.refID
}

// transport returns the live transport, constructing one if needed.
// The caller must hold c.mu.
func (c *Client) transportLocked() (Transport, error) {
	if c.tp != nil {
		return c.tp, nil
	}
	tp, err := c.opts.transportFactory()(c.opts)
	if err != nil {
		return nil, chainrpc.Errorf(chainrpc.KindTransport, "connect: %v", err)
	}
	c.tp = tp
	return tp, nil
}

// Close shuts down the client's transport. Pending batches fail with a
// transport error and are not retried; a later call constructs a fresh
// transport.
func (c *Client) Close() error {
	c.mu.Lock()
	tp := c.tp
	c.tp = nil
	c.mu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Close()
}

// Gather flushes the current bracket as a single batch and returns the
// results of hs in order. It is the grouped-await form: one call, one
// transport send.
func (c *Client) Gather(ctx context.Context, hs ...*Handle) ([]any, error) {
	for _, h := range hs {
		if len(h.chain) == 0 {
			return nil, chainrpc.Errorf(chainrpc.KindValidation, "cannot await the root handle")
		}
	}
	if err := c.flushFor(ctx, hs...); err != nil {
		return nil, err
	}
	out := make([]any, len(hs))
	for i, h := range hs {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, chainrpc.Errorf(chainrpc.KindTransport, "await interrupted: %v", ctx.Err())
		}
		if h.err != nil {
			return nil, h.err
		}
		out[i] = h.result
	}
	return out, nil
}

// Flush sends every chain recorded since the last flush without demanding
// any particular result. Chains that were extended further are dropped in
// favour of their descendants.
func (c *Client) Flush(ctx context.Context) error { return c.flushFor(ctx) }

// flushFor flushes the bracket, guaranteeing that each demanded handle is
// part of the outbound batch unless it is already settled or in flight.
func (c *Client) flushFor(ctx context.Context, demand ...*Handle) error {
	c.mu.Lock()

	demanded := make(map[*Handle]bool, len(demand))
	needSend := len(demand) == 0
	for _, h := range demand {
		demanded[h] = true
		if !h.settled() && !h.inflight {
			if !h.pending {
				// The handle was previously dropped as a superseded prefix or
				// belongs to an earlier bracket; give it a fresh entry.
				h.pending = true
				c.bracket = append(c.bracket, h)
			}
			needSend = true
		}
	}
	if !needSend {
		c.mu.Unlock()
		return nil
	}

	// Take the bracket and keep only live entries: demanded handles, and
	// handles that no other member of the bracket descends from. Lineage,
	// not chain equality, decides the prefix relation.
	take := c.bracket
	c.bracket = nil
	var entries []*Handle
	for _, h := range take {
		if !h.pending || h.settled() || h.inflight {
			continue
		}
		// A handle is superseded when anything recorded this bracket descends
		// from it, whether or not the descendant still executes as its own
		// entry (it may have been withdrawn by embedding).
		superseded := false
		for _, other := range take {
			if other != h && h.isAncestorOf(other) {
				superseded = true
				break
			}
		}
		if demanded[h] || !superseded {
			entries = append(entries, h)
		} else {
			h.pending = false // may be re-demanded later
		}
	}
	if len(entries) == 0 {
		c.mu.Unlock()
		return nil
	}

	req, err := c.buildBatchLocked(entries)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	tp, err := c.transportLocked()
	if err != nil {
		c.failLocked(entries, err)
		c.mu.Unlock()
		return err
	}
	for _, h := range entries {
		h.pending = false
		h.inflight = true
	}
	c.mu.Unlock()

	recordBatch(req)
	c.log.Printf("Outgoing batch %q: %d entries", req.ID, len(req.Entries))

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	rsp, err := tp.Call(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = chainrpc.Errorf(chainrpc.KindTransport, "batch %q timed out after %v", req.ID, c.opts.Timeout)
		}
		c.failLocked(entries, err)
		return err
	}
	c.deliverLocked(entries, rsp)
	return nil
}

// buildBatchLocked encodes entries into a batch request. The first
// embedding of a handle within the batch carries its chain; every later
// embedding carries only its reference ID. The caller must hold c.mu.
func (c *Client) buildBatchLocked(entries []*Handle) (*chainrpc.BatchRequest, error) {
	embedded := make(map[*Handle]bool)
	copts := &codec.Options{EncodeHook: func(v any) (any, bool) {
		h, ok := v.(*Handle)
		if !ok {
			return nil, false
		}
		marker := map[string]any{chainrpc.RefIDField: c.refFor(h)}
		if !embedded[h] {
			embedded[h] = true
			marker[chainrpc.ChainField] = h.chain.Value()
		}
		return marker, true
	}}

	req := &chainrpc.BatchRequest{ID: uuid.NewString()}
	for _, h := range entries {
		h.entryID = uuid.NewString()
		ent, err := chainrpc.EncodeEntry(h.entryID, h.chain, copts)
		if err != nil {
			return nil, chainrpc.Errorf(chainrpc.KindSerialization, "%v", err)
		}
		req.Entries = append(req.Entries, ent)
	}
	return req, nil
}

// failLocked rejects every unsettled entry with err. The caller must hold
// c.mu.
func (c *Client) failLocked(entries []*Handle, err error) {
	for _, h := range entries {
		h.inflight = false
		h.resolve(nil, err)
	}
}

// deliverLocked matches response entries to handles by entry ID and settles
// them. The caller must hold c.mu.
func (c *Client) deliverLocked(entries []*Handle, rsp *chainrpc.BatchResponse) {
	byID := make(map[string]*Handle, len(entries))
	for _, h := range entries {
		h.inflight = false
		byID[h.entryID] = h
	}
	for _, res := range rsp.Entries {
		h := byID[res.ID]
		if h == nil {
			c.log.Printf("Discarding response for unknown entry %q", res.ID)
			continue
		}
		delete(byID, res.ID)
		v, err := c.decodeResult(res)
		h.resolve(v, err)
	}
	for id, h := range byID {
		c.log.Printf("No response for entry %q", id)
		h.resolve(nil, chainrpc.Errorf(chainrpc.KindTransport, "no response for entry %q", id))
	}
}

// decodeResult converts one batch result into a value or error. Remote
// function markers decode into callable handles bound to this client.
func (c *Client) decodeResult(res chainrpc.BatchResult) (any, error) {
	if !res.Success {
		return nil, chainrpc.ErrorFromDetail(res.Error)
	}
	v, err := codec.Unmarshal(res.Result, &codec.Options{DecodeHook: c.decodeRemoteFunc})
	if err != nil {
		return nil, chainrpc.Errorf(chainrpc.KindSerialization, "decoding result: %v", err)
	}
	if _, ok := v.(codec.Undefined); ok {
		return nil, nil
	}
	return v, nil
}

func (c *Client) decodeRemoteFunc(v any) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	if flag, _ := m[chainrpc.RemoteFuncField].(bool); !flag {
		return nil, false
	}
	chain, err := chainrpc.ChainFromValue(m[chainrpc.FuncChainField])
	if err != nil {
		return nil, false
	}
	// The handle is detached: it does not join the flush bracket until it
	// is extended by a call.
	return &Handle{c: c, chain: chain, done: make(chan struct{})}, true
}
