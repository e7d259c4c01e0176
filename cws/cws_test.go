// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package cws_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/chainrpc"
	"github.com/creachadair/chainrpc/chttp"
	"github.com/creachadair/chainrpc/cws"
	"github.com/creachadair/chainrpc/durable"
	"github.com/creachadair/chainrpc/proxy"
	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	inst *durable.Instance
	n    float64
}

func (c *counter) Increment() float64 { c.n++; return c.n }

func (c *counter) Add(a, b float64) float64 { return a + b }

// Broadcast pushes a message to every socket tagged with tag, exercising
// the downstream path from inside a target method.
func (c *counter) Broadcast(ctx context.Context, tag, text string) float64 {
	if err := c.inst.SendDownstream(ctx, []string{tag}, map[string]any{"text": text}); err != nil {
		return 0
	}
	return float64(len(c.inst.Sockets(tag)))
}

func newServer(t *testing.T) (*httptest.Server, *durable.Registry) {
	t.Helper()
	reg := durable.NewRegistry(nil)
	reg.Bind("counter", func(inst *durable.Instance) any { return &counter{inst: inst} })
	ts := httptest.NewServer(chttp.NewBridge(reg, nil))
	t.Cleanup(ts.Close)
	return ts, reg
}

func wsURL(ts *httptest.Server) string { return "ws" + strings.TrimPrefix(ts.URL, "http") }

func newClient(ts *httptest.Server, opts *proxy.Options) *proxy.Client {
	if opts == nil {
		opts = &proxy.Options{}
	}
	opts.BaseURL = wsURL(ts)
	opts.Binding = "counter"
	opts.Instance = "main"
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	return proxy.New(opts)
}

func TestCallOverWebSocket(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ts, _ := newServer(t)
	defer ts.Close() // t.Cleanup would run only after the leak check
	cli := newClient(ts, nil)
	defer cli.Close()

	got, err := cli.Root().Get("add").Call(5, 3).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8.0, got)
}

func TestSendOrderPreserved(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ts, _ := newServer(t)
	defer ts.Close()
	cli := newClient(ts, nil)
	defer cli.Close()
	ctx := context.Background()

	for want := 1.0; want <= 5; want++ {
		got, err := cli.Root().Get("increment").Call().Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDownstreamBroadcast(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ts, reg := newServer(t)
	defer ts.Close()
	ctx := context.Background()

	alice1 := make(chan any, 1)
	alice2 := make(chan any, 1)
	bob := make(chan any, 1)

	mk := func(id string, sink chan any) *proxy.Client {
		return newClient(ts, &proxy.Options{
			ClientID:     id,
			OnDownstream: func(p any) { sink <- p },
		})
	}
	c1 := mk("alice", alice1)
	defer c1.Close()
	c2 := mk("alice", alice2)
	defer c2.Close()
	c3 := mk("bob", bob)
	defer c3.Close()

	// Opening the sockets: one call each establishes the connection and the
	// tag registration.
	for _, c := range []*proxy.Client{c1, c2, c3} {
		_, err := c.Root().Get("add").Call(0, 0).Await(ctx)
		require.NoError(t, err)
	}

	inst, err := reg.Instance("counter", "main")
	require.NoError(t, err)
	require.Len(t, inst.Sockets("alice"), 2)
	require.Len(t, inst.Sockets("bob"), 1)

	// A broadcast to the shared tag reaches both alice sockets and not bob.
	require.NoError(t, inst.SendDownstream(ctx, []string{"alice"}, map[string]any{"text": "hi"}))
	want := map[string]any{"text": "hi"}
	assert.Equal(t, want, recv(t, alice1))
	assert.Equal(t, want, recv(t, alice2))
	assertSilent(t, bob)

	// A targeted send reaches only its tag.
	require.NoError(t, inst.SendDownstream(ctx, []string{"bob"}, map[string]any{"text": "psst"}))
	assert.Equal(t, map[string]any{"text": "psst"}, recv(t, bob))
	assertSilent(t, alice1)
	assertSilent(t, alice2)
}

func TestDownstreamFromMethod(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ts, _ := newServer(t)
	defer ts.Close()
	ctx := context.Background()

	sink := make(chan any, 1)
	cli := newClient(ts, &proxy.Options{
		ClientID:     "carol",
		OnDownstream: func(p any) { sink <- p },
	})
	defer cli.Close()

	got, err := cli.Root().Get("broadcast").Call("carol", "hello").Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)
	assert.Equal(t, map[string]any{"text": "hello"}, recv(t, sink))
}

func recv(t *testing.T, ch chan any) any {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for downstream payload")
		return nil
	}
}

func assertSilent(t *testing.T, ch chan any) {
	t.Helper()
	select {
	case v := <-ch:
		t.Errorf("Unexpected downstream payload: %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHeartbeat(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ts, _ := newServer(t)
	defer ts.Close()
	cli := newClient(ts, &proxy.Options{
		OnClose: func(error) {}, // enables keep-alive
	})
	defer cli.Close()

	// With keep-alive enabled the connection still serves calls. The ping
	// interval is cws.DefaultHeartbeat, so no ping is due before the test
	// ends.
	ctx := context.Background()
	_, err := cli.Root().Get("add").Call(1, 1).Await(ctx)
	require.NoError(t, err)
}

func TestCloseRejectsPending(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	// A raw server that accepts frames and never replies, so the batch
	// stays pending until the transport is closed.
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	tp, err := cws.New(&cws.Options{URL: wsURL(ts) + "/sock"})
	require.NoError(t, err)

	req := &chainrpc.BatchRequest{ID: "b1", Entries: []chainrpc.BatchEntry{{
		ID: "e1", Operations: []byte(`{"root":["null"],"objects":[]}`),
	}}}

	errc := make(chan error, 1)
	go func() {
		_, err := tp.Call(context.Background(), req)
		errc <- err
	}()

	// Give the call time to take flight, then disconnect.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, tp.Close())

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disconnected")
		assert.Equal(t, chainrpc.KindTransport, chainrpc.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Pending call was not rejected")
	}

	// The transport is dead for good: further sends fail immediately.
	_, err = tp.Call(context.Background(), req)
	require.Error(t, err)
}

func TestConnectQueueOverflow(t *testing.T) {
	// A listener that never completes the handshake keeps the transport in
	// the connecting state for the duration of the test.
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	conns := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := lst.Accept()
			if err != nil {
				return
			}
			conns <- conn // hold the connection open, say nothing
		}
	}()

	tp, err := cws.New(&cws.Options{
		URL:        "ws://" + lst.Addr().String() + "/sock",
		QueueBytes: 64,
	})
	require.NoError(t, err)

	big := &chainrpc.BatchRequest{ID: "b1", Entries: []chainrpc.BatchEntry{{
		ID:         "e1",
		Operations: []byte(`{"root":["string","` + strings.Repeat("x", 100) + `"],"objects":[]}`),
	}}}
	_, err = tp.Call(context.Background(), big)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue overflow")

	// Tear down: closing the held connections unblocks the dialer.
	tp.Close()
	lst.Close()
	for {
		select {
		case conn := <-conns:
			conn.Close()
		default:
			return
		}
	}
}
