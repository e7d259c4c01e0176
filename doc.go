// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package chainrpc implements a batched remote-procedure-call protocol in
// which a client records chains of property reads and method calls against a
// remote target object, and a server replays those chains and returns their
// results.
//
// # Operations and chains
//
// A chain is an ordered sequence of operations beginning with a get. Each get
// reads a member of the current value; each apply invokes the current value
// with a list of arguments. The client never resolves a chain locally: it
// ships the whole chain to the server, which walks it step by step against
// the target instance.
//
// Chains may embed other chains as arguments. The executor evaluates each
// embedded chain once per batch, identified by its reference ID, so that two
// argument positions referring to the same computation observe the same
// value.
//
// # Batches
//
// Independent chains flushed together travel as a single batch. The server
// executes batch entries sequentially in order, and the response carries one
// entry per request entry with a matching ID.
//
// The server side of the protocol is provided by the Executor in this
// package together with the durable and chttp packages. The client side is
// provided by the proxy package. Values cross the wire in the structural
// tuple encoding implemented by the codec package.
package chainrpc
