// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package codec implements a structural value encoding with full fidelity
// for cycles, shared aliases, and common built-in types.
//
// A value is encoded into an intermediate form comprising a root and a table
// of objects. Primitive values encode inline as tagged tuples such as
// ["string", s]. Each complex value is assigned an integer index in the
// object table on first sighting, and every later occurrence encodes as the
// reference tuple ["$lmz", i]. Decoding materializes the table in two
// passes, empty shells first, so that cycles close and aliases share
// identity.
//
// An optional transform hook runs before built-in handling on encode, and on
// each resolved value on decode. Hooks are how higher layers splice protocol
// markers into the value graph without the codec knowing about them.
package codec

import (
	"encoding/json"
	"fmt"
)

// Tuple type tags produced by the encoder.
const (
	tagRef = "$lmz"

	tagNull        = "null"
	tagUndefined   = "undefined"
	tagString      = "string"
	tagNumber      = "number"
	tagBoolean     = "boolean"
	tagBigInt      = "bigint"
	tagDate        = "date"
	tagRegexp      = "regexp"
	tagArray       = "array"
	tagMap         = "map"
	tagSet         = "set"
	tagObject      = "object"
	tagError       = "error"
	tagHeaders     = "headers"
	tagURL         = "url"
	tagRequest     = "request"
	tagResponse    = "response"
	tagArrayBuffer = "arraybuffer"
	tagFunction    = "function"

	// Wrapper-object tags are accepted by the decoder for compatibility and
	// reduce to their underlying primitive. The encoder never emits them.
	tagBooleanObject = "boolean-object"
	tagNumberObject  = "number-object"
	tagStringObject  = "string-object"
	tagBigIntObject  = "bigint-object"
)

// Sentinel encodings for non-finite numbers.
const (
	sentinelNaN    = "NaN"
	sentinelInf    = "Infinity"
	sentinelNegInf = "-Infinity"
)

// Encoded is the intermediate wire form of a value: a root tuple (or
// reference) and the table of complex values in order of first sighting.
type Encoded struct {
	Root    any   `json:"root"`
	Objects []any `json:"objects"`
}

// Options control encoding and decoding. A nil *Options provides defaults.
type Options struct {
	// If set, this hook is consulted for each value before any built-in
	// handling during encoding. If it reports ok, its result is encoded in
	// place of the value; otherwise default processing resumes.
	EncodeHook func(v any) (any, bool)

	// If set, this hook is consulted for each value materialized during
	// decoding. If it reports ok, its result replaces the value. Aliased
	// occurrences of the same object observe the same replacement.
	DecodeHook func(v any) (any, bool)
}

func (o *Options) encodeHook() func(any) (any, bool) {
	if o == nil {
		return nil
	}
	return o.EncodeHook
}

func (o *Options) decodeHook() func(any) (any, bool) {
	if o == nil {
		return nil
	}
	return o.DecodeHook
}

// Undefined is the explicit "no value" marker, distinct from nil. It encodes
// as the undefined tuple and survives a round trip.
type Undefined struct{}

// A FuncValue is the decoded form of a function tuple. Function values do
// not transfer behaviour; only the name survives the wire.
type FuncValue struct {
	Name string `json:"name"`
}

// An ErrorValue is the wire form of an error: name, message, and stack are
// carried verbatim, the cause chain is preserved, and custom fields survive
// alongside the standard ones.
type ErrorValue struct {
	Name    string
	Message string
	Stack   string
	Cause   *ErrorValue
	Custom  map[string]any
}

// Error makes ErrorValue usable as an ordinary Go error.
func (e *ErrorValue) Error() string {
	if e.Name != "" && e.Name != "Error" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the cause of e, if any.
func (e *ErrorValue) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// reserved JSON keys of an error object; all other keys are custom fields.
var errorKeys = map[string]bool{"name": true, "message": true, "stack": true, "cause": true}

// MarshalJSON renders e as a flat object with the custom fields inlined
// beside the standard ones.
func (e *ErrorValue) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, 4+len(e.Custom))
	obj["name"] = e.Name
	obj["message"] = e.Message
	if e.Stack != "" {
		obj["stack"] = e.Stack
	}
	if e.Cause != nil {
		obj["cause"] = e.Cause
	}
	for k, v := range e.Custom {
		if !errorKeys[k] {
			obj[k] = v
		}
	}
	return json.Marshal(obj)
}

// UnmarshalJSON parses the flat object form produced by MarshalJSON.
func (e *ErrorValue) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = ErrorValue{}
	for k, raw := range obj {
		switch k {
		case "name":
			if err := json.Unmarshal(raw, &e.Name); err != nil {
				return fmt.Errorf("error name: %w", err)
			}
		case "message":
			if err := json.Unmarshal(raw, &e.Message); err != nil {
				return fmt.Errorf("error message: %w", err)
			}
		case "stack":
			if err := json.Unmarshal(raw, &e.Stack); err != nil {
				return fmt.Errorf("error stack: %w", err)
			}
		case "cause":
			e.Cause = new(ErrorValue)
			if err := json.Unmarshal(raw, e.Cause); err != nil {
				return fmt.Errorf("error cause: %w", err)
			}
		default:
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("error field %q: %w", k, err)
			}
			if e.Custom == nil {
				e.Custom = make(map[string]any)
			}
			e.Custom[k] = v
		}
	}
	return nil
}

// Marshal encodes v and renders the intermediate form as JSON.
func Marshal(v any, opts *Options) ([]byte, error) {
	enc, err := Encode(v, opts)
	if err != nil {
		return nil, err
	}
	return json.Marshal(enc)
}

// Unmarshal parses an intermediate form from JSON and decodes it.
func Unmarshal(data []byte, opts *Options) (any, error) {
	var enc Encoded
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("invalid encoded value: %w", err)
	}
	return Decode(&enc, opts)
}
