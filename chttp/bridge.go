// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package chttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/creachadair/chainrpc"
	"github.com/creachadair/chainrpc/durable"
	"github.com/gorilla/websocket"
)

// A Bridge is an http.Handler that serves the chain RPC surface of a durable
// registry.
//
// POST {prefix}/{binding}/{key}/call executes a batch against the named
// instance and answers 200 when every entry succeeded, or 500 with the full
// per-entry outcomes when any entry failed. Other methods on the call path
// answer 405.
//
// A WebSocket upgrade at {prefix}/{binding}/{key} hands the connection to
// the instance: batch frames execute and answer in place, the heartbeat ping
// is answered without waking the target, and binary frames pass to the
// target's HandleMessage hook if it has one.
//
// Every request that does not match the RPC surface falls through to the
// Next handler, so user routes coexist with RPC at the same origin.
type Bridge struct {
	reg    *durable.Registry
	prefix string
	next   http.Handler
	log    chainrpc.Logger
	up     websocket.Upgrader
}

// BridgeOptions are optional settings for a Bridge. A nil pointer is ready
// for use and provides defaults.
type BridgeOptions struct {
	// URL prefix of the RPC surface. Defaults to "__rpc".
	Prefix string

	// Handler for requests outside the RPC surface. Defaults to NotFound.
	Next http.Handler

	// If set, this function gates WebSocket upgrades by origin. By default
	// all origins are accepted.
	CheckOrigin func(*http.Request) bool

	// If not nil, send debug text logs here.
	Logger chainrpc.Logger
}

func (o *BridgeOptions) prefix() string {
	if o == nil || o.Prefix == "" {
		return "__rpc"
	}
	return strings.Trim(o.Prefix, "/")
}

func (o *BridgeOptions) next() http.Handler {
	if o == nil || o.Next == nil {
		return http.NotFoundHandler()
	}
	return o.Next
}

func (o *BridgeOptions) checkOrigin() func(*http.Request) bool {
	if o == nil || o.CheckOrigin == nil {
		return func(*http.Request) bool { return true }
	}
	return o.CheckOrigin
}

func (o *BridgeOptions) logger() chainrpc.Logger {
	if o == nil {
		return nil
	}
	return o.Logger
}

// NewBridge constructs a bridge serving reg.
func NewBridge(reg *durable.Registry, opts *BridgeOptions) *Bridge {
	return &Bridge{
		reg:    reg,
		prefix: opts.prefix(),
		next:   opts.next(),
		log:    opts.logger(),
		up:     websocket.Upgrader{CheckOrigin: opts.checkOrigin()},
	}
}

// MessageHandler is the optional hook an instance target may implement to
// receive non-RPC WebSocket frames.
type MessageHandler interface {
	HandleMessage(sock *durable.Socket, data []byte)
}

// ServeHTTP implements the required method of http.Handler.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	binding, key, rest, ok := b.splitPath(req.URL.Path)
	if !ok {
		b.next.ServeHTTP(w, req)
		return
	}

	switch {
	case rest == "call":
		if req.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		inst, err := b.reg.Instance(binding, key)
		if err != nil {
			b.next.ServeHTTP(w, req)
			return
		}
		b.serveCall(w, req, inst)

	case rest == "" && websocket.IsWebSocketUpgrade(req):
		inst, err := b.reg.Instance(binding, key)
		if err != nil {
			b.next.ServeHTTP(w, req)
			return
		}
		b.serveSocket(w, req, inst)

	default:
		b.next.ServeHTTP(w, req)
	}
}

// splitPath parses {prefix}/{binding}/{key}[/call] out of path.
func (b *Bridge) splitPath(path string) (binding, key, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/"+b.prefix+"/")
	if trimmed == path {
		return "", "", "", false
	}
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	if len(parts) == 3 {
		rest = parts[2]
	}
	return parts[0], parts[1], rest, true
}

func (b *Bridge) serveCall(w http.ResponseWriter, req *http.Request, inst *durable.Instance) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	batch, err := chainrpc.ParseBatchRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rsp, err := inst.Exec(req.Context(), batch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeBatchResponse(w, rsp)
}

func writeBatchResponse(w http.ResponseWriter, rsp *chainrpc.BatchResponse) {
	status := http.StatusOK
	if rsp.Failed() {
		status = http.StatusInternalServerError
	}
	data, err := json.Marshal(rsp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (b *Bridge) serveSocket(w http.ResponseWriter, req *http.Request, inst *durable.Instance) {
	conn, err := b.up.Upgrade(w, req, nil)
	if err != nil {
		b.log.Printf("Upgrade failed: %v", err)
		return
	}
	sock := inst.Accept(conn, req.URL.Query().Get("clientId"))
	defer sock.Close()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			b.log.Printf("Socket %s closed: %v", sock.ID(), err)
			return
		}
		switch mt {
		case websocket.TextMessage:
			if string(data) == chainrpc.HeartbeatPing {
				sock.SendText(chainrpc.HeartbeatPong)
				continue
			}
			batch, err := chainrpc.ParseBatchRequest(data)
			if err != nil {
				if mh, ok := inst.Target().(MessageHandler); ok {
					mh.HandleMessage(sock, data)
				} else {
					b.log.Printf("Discarding unrecognized frame on %s: %v", sock.ID(), err)
				}
				continue
			}
			rsp, err := inst.Exec(req.Context(), batch)
			if err != nil {
				b.log.Printf("Batch %q failed: %v", batch.ID, err)
				continue
			}
			if err := sock.Send(rsp); err != nil {
				b.log.Printf("Reply on %s failed: %v", sock.ID(), err)
				return
			}

		case websocket.BinaryMessage:
			// Binary frames are not RPC traffic; they pass through to the
			// target unmodified.
			if mh, ok := inst.Target().(MessageHandler); ok {
				mh.HandleMessage(sock, data)
			}
		}
	}
}

// HandleRPCRequest embeds the call surface in a hand-rolled handler. It
// executes the request against target when it is an RPC frame (a POST whose
// JSON body parses as a batch) and reports whether it did so; on false the
// caller should fall through to its own routing. The response carries the
// same status rules as the Bridge.
func HandleRPCRequest(w http.ResponseWriter, req *http.Request, target any, x *chainrpc.Executor) bool {
	if req.Method != http.MethodPost {
		return false
	}
	if ct := req.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		return false
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return false
	}
	batch, err := chainrpc.ParseBatchRequest(body)
	if err != nil {
		return false
	}
	writeBatchResponse(w, x.ExecBatch(req.Context(), target, batch))
	return true
}

// HandleRPCMessage is the WebSocket analogue of HandleRPCRequest: when data
// is a batch frame it executes against target and returns the encoded
// response frame with ok true. A heartbeat ping returns the pong. Any other
// frame reports ok false so the caller can route it itself.
func HandleRPCMessage(ctx context.Context, data []byte, target any, x *chainrpc.Executor) ([]byte, bool) {
	if string(data) == chainrpc.HeartbeatPing {
		return []byte(chainrpc.HeartbeatPong), true
	}
	batch, err := chainrpc.ParseBatchRequest(data)
	if err != nil {
		return nil, false
	}
	out, err := json.Marshal(x.ExecBatch(ctx, target, batch))
	if err != nil {
		return nil, false
	}
	return out, true
}
