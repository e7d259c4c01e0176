// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package chainrpc

import (
	"encoding/json"
	"fmt"

	"github.com/creachadair/chainrpc/codec"
)

// A BatchRequest is an ordered collection of chains flushed together in one
// transport round trip. Entry IDs are opaque strings unique within the
// batch; the batch ID correlates request and response frames on transports
// that interleave traffic.
type BatchRequest struct {
	ID      string       `json:"id,omitempty"`
	Entries []BatchEntry `json:"entries"`
}

// A BatchEntry is a single chain within a batch. Operations is the codec
// envelope of the operation list produced by Chain.Value.
type BatchEntry struct {
	ID         string          `json:"id"`
	Operations json.RawMessage `json:"operations"`
}

// A BatchResponse mirrors the entries of a BatchRequest in order, one result
// per entry with a matching ID.
type BatchResponse struct {
	ID      string        `json:"id,omitempty"`
	Entries []BatchResult `json:"entries"`
}

// A BatchResult reports the outcome of one batch entry. Exactly one of
// Result and Error is meaningful, selected by Success. Result is a codec
// envelope.
type BatchResult struct {
	ID      string            `json:"id"`
	Success bool              `json:"success"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   *codec.ErrorValue `json:"error,omitempty"`
}

// Heartbeat frames exchanged over the WebSocket transport. The durable side
// answers the ping with the pong without waking the target instance.
const (
	HeartbeatPing = "auto-response ping"
	HeartbeatPong = "auto-response pong"
)

// FrameDownstream marks a server-initiated push frame on the WebSocket
// transport. The frame body is {"type":"downstream","payload":<encoded>}.
const FrameDownstream = "downstream"

// A DownstreamFrame is the wire form of a server-initiated push. Payload is
// a codec envelope.
type DownstreamFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Failed reports whether any entry of the response failed.
func (b *BatchResponse) Failed() bool {
	for _, e := range b.Entries {
		if !e.Success {
			return true
		}
	}
	return false
}

// ParseBatchRequest decodes a batch request from JSON, verifying that it
// carries at least one entry.
func ParseBatchRequest(data []byte) (*BatchRequest, error) {
	var req BatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, Errorf(KindValidation, "invalid batch request: %v", err)
	}
	if len(req.Entries) == 0 {
		return nil, Errorf(KindValidation, "empty batch")
	}
	return &req, nil
}

// EncodeEntry packs a chain into a batch entry, running args through the
// wire codec with the given options. The hook in opts is how the client
// splices nested-operation markers in place of embedded handles.
func EncodeEntry(id string, chain Chain, opts *codec.Options) (BatchEntry, error) {
	bits, err := codec.Marshal(chain.Value(), opts)
	if err != nil {
		return BatchEntry{}, fmt.Errorf("encoding chain %v: %w", chain, err)
	}
	return BatchEntry{ID: id, Operations: bits}, nil
}
