// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package cws implements the WebSocket client transport for chain RPC.
//
// The transport owns a single socket. Batches sent while the socket is
// still connecting queue up to a byte budget and flush on open; sends that
// would exceed the budget fail fast. Responses are matched to pending
// batches by batch ID, downstream frames fan in to the configured handler,
// and an optional heartbeat keeps the connection alive. Send order is
// preserved end to end.
package cws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/creachadair/chainrpc"
	"github.com/creachadair/chainrpc/codec"
	"github.com/gorilla/websocket"
)

// DefaultQueueBytes is the connect-queue budget used when Options leaves
// QueueBytes zero.
const DefaultQueueBytes = 1 << 20

// DefaultHeartbeat is the ping interval used when heartbeats are enabled
// and Options leaves Heartbeat zero.
const DefaultHeartbeat = 30 * time.Second

// Options configure a transport created by New. URL is required.
type Options struct {
	// WebSocket endpoint, including the clientId query parameter used for
	// downstream addressing.
	URL string

	// Dialer used to open the socket. Defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Extra handshake headers.
	Headers http.Header

	// Extra subprotocols offered during the handshake.
	Protocols []string

	// If set, downstream payloads are decoded and delivered here, in
	// arrival order. Setting this (or OnClose) enables the heartbeat.
	OnDownstream func(payload any)

	// If set, this function observes socket closure with its cause.
	OnClose func(err error)

	// If set, this function observes connection state changes.
	OnConnectionChange func(connected bool)

	// Ping interval. Zero means DefaultHeartbeat when heartbeats are
	// enabled; heartbeats are enabled when OnDownstream or OnClose is set.
	Heartbeat time.Duration

	// Byte budget for sends queued while the socket is connecting.
	// Zero means DefaultQueueBytes.
	QueueBytes int

	// If not nil, send debug text logs here.
	Logger chainrpc.Logger
}

func (o *Options) dialer() *websocket.Dialer {
	if o.Dialer == nil {
		return websocket.DefaultDialer
	}
	return o.Dialer
}

func (o *Options) queueBytes() int {
	if o.QueueBytes <= 0 {
		return DefaultQueueBytes
	}
	return o.QueueBytes
}

func (o *Options) heartbeat() time.Duration {
	if o.OnDownstream == nil && o.OnClose == nil {
		return 0
	}
	if o.Heartbeat <= 0 {
		return DefaultHeartbeat
	}
	return o.Heartbeat
}

// Transport states.
const (
	stConnecting = iota
	stOpen
	stClosed
)

// A Transport is a chain RPC client transport over one WebSocket.
type Transport struct {
	opts *Options
	log  chainrpc.Logger

	wg sync.WaitGroup // reader and heartbeat, done at shutdown

	mu      sync.Mutex
	state   int
	conn    *websocket.Conn
	queue   [][]byte // frames awaiting the open socket
	queued  int      // queued bytes
	pending map[string]chan *chainrpc.BatchResponse
	err     error
	stop    chan struct{}

	// The websocket package permits one concurrent writer.
	wmu sync.Mutex
}

// New constructs a transport and begins connecting in the background.
// Batches may be sent immediately; they queue until the socket opens.
func New(opts *Options) (*Transport, error) {
	t := &Transport{
		opts:    opts,
		log:     opts.Logger,
		pending: make(map[string]chan *chainrpc.BatchResponse),
		stop:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.connect()
	return t, nil
}

func (t *Transport) connect() {
	defer t.wg.Done()
	dialer := *t.opts.dialer()
	dialer.Subprotocols = append(dialer.Subprotocols, t.opts.Protocols...)
	conn, _, err := dialer.Dial(t.opts.URL, t.opts.Headers)
	if err != nil {
		t.fail(chainrpc.Errorf(chainrpc.KindTransport, "connect %s: %v", t.opts.URL, err))
		return
	}

	t.mu.Lock()
	if t.state == stClosed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.state = stOpen
	queue := t.queue
	t.queue, t.queued = nil, 0
	t.mu.Unlock()

	if f := t.opts.OnConnectionChange; f != nil {
		f(true)
	}
	t.log.Printf("Socket open: %s", t.opts.URL)

	// Flush the connect queue in send order before accepting reads.
	for _, frame := range queue {
		if err := t.write(frame); err != nil {
			t.fail(chainrpc.Errorf(chainrpc.KindTransport, "flush queued send: %v", err))
			return
		}
	}

	t.wg.Add(1)
	go t.reader(conn)
	if hb := t.opts.heartbeat(); hb > 0 {
		t.wg.Add(1)
		go t.heartbeat(hb)
	}
}

// Call sends req and blocks until its response frame arrives or ctx ends.
func (t *Transport) Call(ctx context.Context, req *chainrpc.BatchRequest) (*chainrpc.BatchResponse, error) {
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, chainrpc.Errorf(chainrpc.KindSerialization, "encoding batch: %v", err)
	}

	ch := make(chan *chainrpc.BatchResponse, 1)
	t.mu.Lock()
	switch t.state {
	case stClosed:
		err := t.err
		t.mu.Unlock()
		return nil, err

	case stConnecting:
		if t.queued+len(frame) > t.opts.queueBytes() {
			t.mu.Unlock()
			return nil, chainrpc.Errorf(chainrpc.KindTransport,
				"send queue overflow: %d + %d > %d bytes", t.queued, len(frame), t.opts.queueBytes())
		}
		t.pending[req.ID] = ch
		t.queue = append(t.queue, frame)
		t.queued += len(frame)
		t.mu.Unlock()

	default: // open
		t.pending[req.ID] = ch
		t.mu.Unlock()
		if err := t.write(frame); err != nil {
			t.forget(req.ID)
			return nil, chainrpc.Errorf(chainrpc.KindTransport, "send: %v", err)
		}
	}

	select {
	case rsp := <-ch:
		return rsp, nil
	case <-t.stop:
		t.mu.Lock()
		err := t.err
		t.mu.Unlock()
		return nil, err
	case <-ctx.Done():
		t.forget(req.ID)
		return nil, chainrpc.Errorf(chainrpc.KindTransport, "batch %q: %v", req.ID, ctx.Err())
	}
}

func (t *Transport) write(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return chainrpc.Errorf(chainrpc.KindTransport, "socket is not open")
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *Transport) forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

// reader delivers inbound frames: batch responses to their pending callers,
// downstream payloads to the configured handler, heartbeat pongs to the
// floor.
func (t *Transport) reader(conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.fail(chainrpc.Errorf(chainrpc.KindTransport, "connection lost: %v", err))
			return
		}
		if mt != websocket.TextMessage {
			// Binary frames are application traffic; deliver them like
			// downstream payloads so non-RPC uses share the socket.
			if f := t.opts.OnDownstream; f != nil {
				f(data)
			}
			continue
		}
		if string(data) == chainrpc.HeartbeatPong {
			continue
		}

		var frame struct {
			Type    string                 `json:"type"`
			Payload json.RawMessage        `json:"payload"`
			ID      string                 `json:"id"`
			Entries []chainrpc.BatchResult `json:"entries"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.log.Printf("Discarding malformed frame: %v", err)
			continue
		}

		if frame.Type == chainrpc.FrameDownstream {
			t.deliverDownstream(frame.Payload)
			continue
		}

		t.mu.Lock()
		ch := t.pending[frame.ID]
		delete(t.pending, frame.ID)
		t.mu.Unlock()
		if ch == nil {
			t.log.Printf("Discarding response for unknown batch %q", frame.ID)
			continue
		}
		ch <- &chainrpc.BatchResponse{ID: frame.ID, Entries: frame.Entries}
	}
}

func (t *Transport) deliverDownstream(payload json.RawMessage) {
	f := t.opts.OnDownstream
	if f == nil {
		t.log.Printf("Discarding downstream payload (no handler)")
		return
	}
	v, err := codec.Unmarshal(payload, nil)
	if err != nil {
		t.log.Printf("Discarding undecodable downstream payload: %v", err)
		return
	}
	f(v)
}

func (t *Transport) heartbeat(interval time.Duration) {
	defer t.wg.Done()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-tick.C:
			if err := t.write([]byte(chainrpc.HeartbeatPing)); err != nil {
				t.log.Printf("Heartbeat failed: %v", err)
			}
		}
	}
}

// fail moves the transport to the closed state with err as its final
// status, rejecting every pending batch. In-flight batches are never
// retried.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.state == stClosed {
		t.mu.Unlock()
		return
	}
	t.state = stClosed
	t.err = err
	conn := t.conn
	t.conn = nil
	t.queue, t.queued = nil, 0
	t.pending = make(map[string]chan *chainrpc.BatchResponse)
	close(t.stop)
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if f := t.opts.OnConnectionChange; f != nil {
		f(false)
	}
	if f := t.opts.OnClose; f != nil {
		f(err)
	}
}

// Close shuts down the socket. Pending batches fail with a disconnect
// error.
func (t *Transport) Close() error {
	t.fail(chainrpc.Errorf(chainrpc.KindTransport, "client disconnected"))
	return nil
}
