// Program server demonstrates how to host durable instances behind the
// chain RPC bridge.
//
// Usage (see also the client example):
//
//	go build github.com/creachadair/chainrpc/cmd/examples/server
//	./server -port 8080
//
// The server accepts RPC batches on http://localhost:<port>/__rpc/counter/<key>/call
// and WebSocket connections on ws://localhost:<port>/__rpc/counter/<key>.
// Every increment is also broadcast downstream to the connected sockets of
// the calling instance.
package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/creachadair/chainrpc"
	"github.com/creachadair/chainrpc/chttp"
	"github.com/creachadair/chainrpc/durable"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var port = flag.Int("port", 0, "Service port")

// A Counter is a minimal durable target: per-key state, a few methods, and
// a downstream broadcast on every change.
type Counter struct {
	inst *durable.Instance
	n    float64
}

func (c *Counter) Increment() float64 {
	c.n++
	c.inst.SendDownstream(context.Background(), tags(c.inst), map[string]any{
		"event": "increment",
		"value": c.n,
	})
	return c.n
}

func (c *Counter) Value() float64 { return c.n }

func (c *Counter) Add(a, b float64) float64 { return a + b }

func (c *Counter) Reset() { c.n = 0 }

// tags lists every connected tag of the instance, so the broadcast reaches
// all of them.
func tags(inst *durable.Instance) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range inst.Sockets() {
		if !seen[s.Tag()] {
			seen[s.Tag()] = true
			out = append(out, s.Tag())
		}
	}
	return out
}

func main() {
	flag.Parse()
	if *port <= 0 {
		log.Fatal("You must provide a positive -port to listen on")
	}

	reg := durable.NewRegistry(&durable.Options{
		Env:    map[string]any{"REGION": "local"},
		Logger: chainrpc.StdLogger(log.New(os.Stderr, "[bridge] ", log.LstdFlags|log.Lshortfile)),
	})
	reg.Bind("counter", func(inst *durable.Instance) any {
		return &Counter{inst: inst}
	})

	expvar.Publish("chainrpc", chainrpc.ExecMetrics())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok\n")
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           chttp.NewBridge(reg, &chttp.BridgeOptions{Next: mux}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Fatal(srv.ListenAndServe())
}
