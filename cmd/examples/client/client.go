// Program client demonstrates driving a remote instance through the chain
// recorder.
//
// Usage (communicates with the server example):
//
//	go build github.com/creachadair/chainrpc/cmd/examples/client
//	./client -server http://localhost:8080
//
// With a ws:// server URL the client connects over WebSocket and prints
// downstream broadcasts as they arrive.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/creachadair/chainrpc/proxy"
)

var (
	serverURL = flag.String("server", "", "Server URL (http:// or ws://)")
	instance  = flag.String("key", "demo", "Instance key")
)

func main() {
	flag.Parse()
	if *serverURL == "" {
		log.Fatal("You must provide a -server URL")
	}

	opts := &proxy.Options{
		BaseURL:  *serverURL,
		Binding:  "counter",
		Instance: *instance,
		Timeout:  10 * time.Second,
	}
	if strings.HasPrefix(*serverURL, "ws") {
		opts.OnDownstream = func(p any) { fmt.Println("downstream:", p) }
	}
	cli := proxy.New(opts)
	defer cli.Close()

	ctx := context.Background()
	root := cli.Root()

	// A single call is one round trip.
	sum, err := root.Get("add").Call(5, 3).Await(ctx)
	if err != nil {
		log.Fatalln("add:", err)
	}
	fmt.Println("add(5, 3) =", sum)

	// Pipelined: the increment result feeds add without an extra trip.
	inc := root.Get("increment").Call()
	total, err := root.Get("add").Call(inc, 100).Await(ctx)
	if err != nil {
		log.Fatalln("pipelined add:", err)
	}
	fmt.Println("add(increment(), 100) =", total)

	// Batched: both calls travel together and execute in order.
	vals, err := cli.Gather(ctx,
		root.Get("increment").Call(),
		root.Get("value").Call(),
	)
	if err != nil {
		log.Fatalln("gather:", err)
	}
	fmt.Println("increment(), value() =", vals)

	// Discover the remote surface.
	desc, err := root.AsObject(ctx)
	if err != nil {
		log.Fatalln("describe:", err)
	}
	fmt.Println("surface:")
	for name, v := range desc {
		fmt.Printf("  %-12s %v\n", name, v)
	}
}
