// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package chttp bridges the chain RPC protocol to HTTP. The Bridge serves
// the RPC surface of a durable registry as an http.Handler with fall-through
// to user routes, and the Transport is the matching client side.
package chttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/creachadair/chainrpc"
)

// TransportOptions configure a client Transport. A nil *TransportOptions is
// invalid; URL is required.
type TransportOptions struct {
	// URL of the call endpoint, {prefix}/{binding}/{key}/call.
	URL string

	// Extra request headers sent with each batch.
	Headers http.Header

	// HTTP client used to issue requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// If not nil, send debug text logs here.
	Logger chainrpc.Logger
}

func (o *TransportOptions) httpClient() *http.Client {
	if o.HTTPClient == nil {
		return http.DefaultClient
	}
	return o.HTTPClient
}

// A Transport delivers batches over HTTP POST. It holds no long-lived
// resources; each batch is one request/response exchange.
type Transport struct {
	url     string
	headers http.Header
	hc      *http.Client
	log     chainrpc.Logger
}

// NewTransport constructs a transport from opts.
func NewTransport(opts *TransportOptions) *Transport {
	return &Transport{
		url:     opts.URL,
		headers: opts.Headers,
		hc:      opts.httpClient(),
		log:     opts.Logger,
	}
}

// Call implements the client transport interface over HTTP POST. A response
// status of 200 or 500 carries a batch response body; per-entry outcomes are
// reported there even when the overall status is 500. Any other status is a
// transport error.
func (t *Transport) Call(ctx context.Context, req *chainrpc.BatchRequest) (*chainrpc.BatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, chainrpc.Errorf(chainrpc.KindSerialization, "encoding batch: %v", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, chainrpc.Errorf(chainrpc.KindTransport, "%v", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	for key, vals := range t.headers {
		for _, val := range vals {
			hreq.Header.Add(key, val)
		}
	}

	hrsp, err := t.hc.Do(hreq)
	if err != nil {
		return nil, chainrpc.Errorf(chainrpc.KindTransport, "%v", err)
	}
	defer hrsp.Body.Close()
	data, err := io.ReadAll(hrsp.Body)
	if err != nil {
		return nil, chainrpc.Errorf(chainrpc.KindTransport, "reading response: %v", err)
	}

	switch hrsp.StatusCode {
	case http.StatusOK, http.StatusInternalServerError:
		// Both carry a batch response; 500 means at least one entry failed.
	default:
		return nil, chainrpc.Errorf(chainrpc.KindTransport, "unexpected status %d: %s",
			hrsp.StatusCode, bytes.TrimSpace(data))
	}

	var rsp chainrpc.BatchResponse
	if err := json.Unmarshal(data, &rsp); err != nil {
		return nil, chainrpc.Errorf(chainrpc.KindTransport, "invalid response body: %v", err)
	}
	t.log.Printf("Batch %q: %d results (HTTP %d)", rsp.ID, len(rsp.Entries), hrsp.StatusCode)
	return &rsp, nil
}

// Close releases idle connections held by the underlying HTTP client.
func (t *Transport) Close() error {
	t.hc.CloseIdleConnections()
	return nil
}
