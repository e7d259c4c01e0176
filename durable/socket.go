// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package durable

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/creachadair/chainrpc"
	"github.com/creachadair/chainrpc/codec"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// A Socket is one WebSocket connection accepted by an instance, tagged with
// the client-assigned ID for downstream addressing. Several concurrent
// sockets may share a tag (one user, several tabs); broadcasts to the tag
// deliver to each.
type Socket struct {
	id   string
	tag  string
	inst *Instance
	conn *websocket.Conn

	// The websocket package permits one concurrent writer; responses and
	// downstream pushes share the connection, so writes serialize here.
	wmu sync.Mutex
}

// ID returns the unique identity of the socket.
func (s *Socket) ID() string { return s.id }

// Tag returns the client-assigned tag recorded at accept time.
func (s *Socket) Tag() string { return s.tag }

// Send writes v as a JSON text frame.
func (s *Socket) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SendText(string(data))
}

// SendText writes a raw text frame.
func (s *Socket) SendText(text string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// SendBinary writes a raw binary frame. Binary frames are not part of the
// RPC protocol and pass through unmodified for application use.
func (s *Socket) SendBinary(data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close detaches the socket from its instance and closes the connection.
func (s *Socket) Close() error {
	s.inst.mu.Lock()
	if s.inst.sockets[s] {
		delete(s.inst.sockets, s)
		socketsOpen.Dec()
	}
	s.inst.mu.Unlock()
	return s.conn.Close()
}

// Accept records conn as a connected socket of the instance, tagged with
// clientID. The caller owns the read loop; the instance uses the socket
// only for writes.
func (i *Instance) Accept(conn *websocket.Conn, clientID string) *Socket {
	s := &Socket{id: uuid.NewString(), tag: clientID, inst: i, conn: conn}
	i.mu.Lock()
	i.sockets[s] = true
	i.mu.Unlock()
	socketsOpen.Inc()
	i.log.Printf("Accepted socket %s tag=%q on %s/%s", s.id, clientID, i.Binding, i.Key)
	return s
}

// Sockets returns the connected sockets whose tag is one of tags, or every
// connected socket when no tags are given.
func (i *Instance) Sockets(tags ...string) []*Socket {
	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []*Socket
	for s := range i.sockets {
		if len(tags) == 0 || want[s.tag] {
			out = append(out, s)
		}
	}
	return out
}

// SendDownstream encodes payload once and pushes it to every connected
// socket carrying one of the target tags. Errors from individual sockets
// are joined; a send failure on one socket does not stop the fan-out.
func (i *Instance) SendDownstream(ctx context.Context, tags []string, payload any) error {
	bits, err := codec.Marshal(payload, nil)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(chainrpc.DownstreamFrame{
		Type:    chainrpc.FrameDownstream,
		Payload: bits,
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range i.Sockets(tags...) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.SendText(string(frame)); err != nil {
			i.log.Printf("Downstream send to %s failed: %v", s.id, err)
			errs = append(errs, err)
			continue
		}
		downstreamSent.Inc()
	}
	return errors.Join(errs...)
}
