// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package chainrpc

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/creachadair/chainrpc/codec"
)

// A Kind classifies the errors reported by this module.
type Kind int

// The error kinds reported by the executor, codec, and transports.
const (
	KindUnknown       Kind = iota
	KindValidation         // malformed or over-limit chains and batches
	KindReplay             // a chain step could not be evaluated
	KindUser               // an error thrown inside a target method
	KindTransport          // disconnects, timeouts, queue overflow
	KindSerialization      // values the codec cannot represent
)

var kindName = map[Kind]string{
	KindValidation:    "ValidationError",
	KindReplay:        "ReplayError",
	KindUser:          "Error",
	KindTransport:     "TransportError",
	KindSerialization: "SerializationError",
}

func (k Kind) String() string {
	if s, ok := kindName[k]; ok {
		return s
	}
	return "Error"
}

// kindByName maps wire error names back to kinds for client-side
// reconstruction. Names not listed here are user errors.
var kindByName = map[string]Kind{
	"ValidationError":    KindValidation,
	"ReplayError":        KindReplay,
	"TransportError":     KindTransport,
	"SerializationError": KindSerialization,
}

// Error is the concrete type of errors surfaced by RPC calls. It preserves
// the name, message, stack, cause, and custom fields of the originating
// error across the wire.
type Error struct {
	Kind    Kind
	Name    string // defaults to the kind name when empty
	Message string
	Stack   string
	Cause   error
	Custom  map[string]any
}

// Error returns a human-readable description of e.
func (e *Error) Error() string {
	if name := e.name(); name != "Error" {
		return name + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the cause of e, if any.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target matches e by kind, and also by message when the
// target's message is not empty.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func (e *Error) name() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Kind.String()
}

// WithCustom returns a copy of e carrying the given custom fields. The
// fields survive serialization and are restored on the peer.
func (e *Error) WithCustom(fields map[string]any) *Error {
	cp := *e
	cp.Custom = fields
	return &cp
}

// Errorf returns an *Error of the given kind with a formatted message.
func Errorf(kind Kind, msg string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(msg, args...)}
}

// KindOf reports the kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// WireError provides the codec with the wire form of e, so error values
// embedded in data keep their fields.
func (e *Error) WireError() *codec.ErrorValue { return e.Detail() }

// Detail converts e into its wire form.
func (e *Error) Detail() *codec.ErrorValue {
	d := &codec.ErrorValue{
		Name:    e.name(),
		Message: e.Message,
		Stack:   e.Stack,
		Custom:  e.Custom,
	}
	if e.Cause != nil {
		d.Cause = serializeError(e.Cause)
	}
	return d
}

// ErrorFromDetail reconstructs a client-side *Error from its wire form.
// Known infrastructure names map back to their kinds; all other names are
// user errors and keep their original name.
func ErrorFromDetail(d *codec.ErrorValue) *Error {
	if d == nil {
		return Errorf(KindUnknown, "missing error detail")
	}
	e := &Error{
		Kind:    KindUser,
		Name:    d.Name,
		Message: d.Message,
		Stack:   d.Stack,
		Custom:  d.Custom,
	}
	if k, ok := kindByName[d.Name]; ok {
		e.Kind = k
	}
	if d.Cause != nil {
		e.Cause = ErrorFromDetail(d.Cause)
	}
	return e
}

// serializeError converts an arbitrary error into its wire form, preserving
// name, message, stack, cause, and custom fields where available.
func serializeError(err error) *codec.ErrorValue {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail()
	}
	var ev *codec.ErrorValue
	if errors.As(err, &ev) {
		return ev
	}
	d := &codec.ErrorValue{Name: errorName(err), Message: err.Error()}
	if cause := errors.Unwrap(err); cause != nil {
		d.Cause = serializeError(cause)
	}
	return d
}

// errorName derives a wire name from the dynamic type of err.
func errorName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" {
		return "Error"
	}
	name := t.Name()
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
