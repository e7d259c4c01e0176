// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package chainrpc

import (
	"fmt"
)

// Operation type markers. A chain is a sequence of get and apply steps.
const (
	OpGet   = "get"
	OpApply = "apply"
)

// An Operation is a single step of a chain: either a property read (get) or
// an invocation of the current value (apply).
type Operation struct {
	Type string `json:"type"`
	Key  string `json:"key,omitempty"`  // set for get
	Args []any  `json:"args,omitempty"` // set for apply; may embed *NestedOperation
}

// Get constructs a get operation for the specified key.
func Get(key string) Operation { return Operation{Type: OpGet, Key: key} }

// Apply constructs an apply operation with the given arguments.
func Apply(args ...any) Operation { return Operation{Type: OpApply, Args: args} }

// A Chain is an ordered sequence of operations. A valid chain is non-empty
// and begins with a get.
type Chain []Operation

// String renders c in a compact debugging form, for example ".add(2)".
// Argument values are elided; only their count is shown.
func (c Chain) String() string {
	var out string
	for _, op := range c {
		switch op.Type {
		case OpGet:
			out += "." + op.Key
		case OpApply:
			out += fmt.Sprintf("(%d)", len(op.Args))
		default:
			out += fmt.Sprintf("<%s>", op.Type)
		}
	}
	return out
}

// Extend returns a copy of c with op appended. The input chain is not
// modified, so handles sharing a prefix do not interfere.
func (c Chain) Extend(op Operation) Chain {
	out := make(Chain, len(c)+1)
	copy(out, c)
	out[len(c)] = op
	return out
}

// Value converts c into the generic value tree used by the wire codec: a
// slice of operation records. Apply arguments are carried through unchanged
// so that codec transform hooks can observe them in place.
func (c Chain) Value() []any {
	out := make([]any, len(c))
	for i, op := range c {
		m := map[string]any{"type": op.Type}
		switch op.Type {
		case OpGet:
			m["key"] = op.Key
		case OpApply:
			args := op.Args
			if args == nil {
				args = []any{}
			}
			m["args"] = args
		}
		out[i] = m
	}
	return out
}

// ChainFromValue reconstructs a chain from a decoded value tree. It reports
// an error if v is not a sequence of well-formed operation records.
func ChainFromValue(v any) (Chain, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("operations: got %T, want array", v)
	}
	out := make(Chain, len(list))
	for i, elt := range list {
		m, ok := elt.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("operation %d: got %T, want object", i, elt)
		}
		typ, _ := m["type"].(string)
		switch typ {
		case OpGet:
			key, ok := m["key"].(string)
			if !ok {
				return nil, fmt.Errorf("operation %d: get without key", i)
			}
			out[i] = Get(key)
		case OpApply:
			var args []any
			if m["args"] != nil {
				args, ok = m["args"].([]any)
				if !ok {
					return nil, fmt.Errorf("operation %d: invalid argument list", i)
				}
			}
			out[i] = Operation{Type: OpApply, Args: args}
		default:
			return nil, fmt.Errorf("operation %d: unknown type %q", i, typ)
		}
	}
	return out, nil
}

// A NestedOperation marks an argument position whose value is the result of
// another chain. The first occurrence of a reference ID within a batch
// carries the chain; subsequent occurrences carry only the ID and alias the
// previously computed value.
type NestedOperation struct {
	RefID int64
	Chain Chain // nil for an alias occurrence
}

// A RemoteFunction is the stand-in for a function value produced by result
// post-processing. It names the function and carries the absolute chain
// needed to reach it from the root, so the client can invoke it in a
// follow-on call.
type RemoteFunction struct {
	Name  string
	Chain Chain
}

// Reserved member names recognized by the executor and the client proxy.
const (
	// envKey pivots the first get of a chain into the per-process
	// environment registry instead of the target instance.
	envKey = "env"

	// AsObjectKey is the introspection entry point: a get of this key
	// followed by an apply returns a shallow description of the current
	// value.
	AsObjectKey = "__asObject"
)

// Marker field names used in the wire encoding of nested operations and
// remote functions.
const (
	RefIDField      = "__refId"
	ChainField      = "__operationChain"
	RemoteFuncField = "__isRemoteFunction"
	FuncNameField   = "name"
	FuncChainField  = "operationChain"
)
