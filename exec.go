// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package chainrpc

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"reflect"
	"runtime/debug"
	"strconv"
	"unicode"
	"unicode/utf8"

	"github.com/creachadair/chainrpc/codec"
)

var (
	execMetrics = new(expvar.Map)

	batchesExecuted = new(expvar.Int)
	chainsExecuted  = new(expvar.Int)
	chainErrors     = new(expvar.Int)
)

func init() {
	execMetrics.Set("batches_executed", batchesExecuted)
	execMetrics.Set("chains_executed", chainsExecuted)
	execMetrics.Set("chain_errors", chainErrors)
}

// ExecMetrics returns a map of exported executor metrics for use with the
// expvar package. The map is shared among all executors. The caller is
// responsible for publishing it via expvar.Publish or similar.
func ExecMetrics() *expvar.Map { return execMetrics }

// Default chain limits, used when an Executor leaves them zero.
const (
	DefaultMaxDepth = 50  // maximum operations per chain
	DefaultMaxArgs  = 100 // maximum arguments per apply
)

// An Awaiter is a deferred value. The executor resolves awaiters between
// chain steps, so a method may return one instead of its final value.
type Awaiter interface {
	Await(ctx context.Context) (any, error)
}

// An Executor replays operation chains against a target instance. A nil
// *Executor is ready for use and provides default limits.
//
// Executors hold no per-call state and are safe for concurrent use; batch
// serialization is the responsibility of the instance owner.
type Executor struct {
	// Maximum operations per chain. Zero means DefaultMaxDepth.
	MaxDepth int

	// Maximum arguments per apply. Zero means DefaultMaxArgs.
	MaxArgs int

	// If set, an initial get of "env" pivots into this registry instead of
	// the target instance.
	Env map[string]any

	// If not nil, send debug text logs here.
	Logger Logger
}

func (x *Executor) maxDepth() int {
	if x == nil || x.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return x.MaxDepth
}

func (x *Executor) maxArgs() int {
	if x == nil || x.MaxArgs <= 0 {
		return DefaultMaxArgs
	}
	return x.MaxArgs
}

func (x *Executor) env() map[string]any {
	if x == nil {
		return nil
	}
	return x.Env
}

func (x *Executor) log() Logger {
	if x == nil {
		return nil
	}
	return x.Logger
}

// ExecBatch replays each entry of req in order against target and returns
// the response batch. Entry failures are recorded per entry; ExecBatch
// itself does not fail.
func (x *Executor) ExecBatch(ctx context.Context, target any, req *BatchRequest) *BatchResponse {
	batchesExecuted.Add(1)
	memo := make(map[int64]any) // nested-operation results by refId
	rsp := &BatchResponse{ID: req.ID, Entries: make([]BatchResult, len(req.Entries))}
	for i, ent := range req.Entries {
		chainsExecuted.Add(1)
		result, err := x.execEntry(ctx, target, ent, memo)
		if err != nil {
			chainErrors.Add(1)
			x.log().Printf("Entry %q failed: %v", ent.ID, err)
			rsp.Entries[i] = BatchResult{ID: ent.ID, Error: serializeError(err)}
			continue
		}
		rsp.Entries[i] = BatchResult{ID: ent.ID, Success: true, Result: result}
	}
	return rsp
}

func (x *Executor) execEntry(ctx context.Context, target any, ent BatchEntry, memo map[int64]any) (json.RawMessage, error) {
	opsVal, err := codec.Unmarshal(ent.Operations, decodeOptions())
	if err != nil {
		return nil, Errorf(KindValidation, "invalid operations: %v", err)
	}
	chain, err := ChainFromValue(opsVal)
	if err != nil {
		return nil, Errorf(KindValidation, "invalid operations: %v", err)
	}
	if err := x.checkChain(chain); err != nil {
		return nil, err
	}
	result, err := x.replay(ctx, target, chain, memo)
	if err != nil {
		return nil, err
	}
	out, err := x.postProcess(result, chain, make(map[ident]any))
	if err != nil {
		return nil, err
	}
	bits, err := codec.Marshal(out, encodeOptions())
	if err != nil {
		return nil, Errorf(KindSerialization, "%v", err)
	}
	return bits, nil
}

// checkChain validates the shape and limits of a chain.
func (x *Executor) checkChain(ops Chain) error {
	if len(ops) == 0 {
		return Errorf(KindValidation, "empty operation chain")
	}
	if ops[0].Type != OpGet {
		return Errorf(KindValidation, "operation chain must begin with a get")
	}
	if len(ops) > x.maxDepth() {
		return Errorf(KindValidation, "Operation chain too deep: %d > %d", len(ops), x.maxDepth())
	}
	for _, op := range ops {
		switch op.Type {
		case OpGet:
			if op.Key == "" {
				return Errorf(KindValidation, "get without a key")
			}
		case OpApply:
			if len(op.Args) > x.maxArgs() {
				return Errorf(KindValidation, "Too many arguments: %d > %d", len(op.Args), x.maxArgs())
			}
		default:
			return Errorf(KindValidation, "unknown operation type %q", op.Type)
		}
	}
	return nil
}

// replay walks ops starting from target. Operations execute strictly in
// sequence; a deferred intermediate value is resolved before the next step.
func (x *Executor) replay(ctx context.Context, target any, ops Chain, memo map[int64]any) (any, error) {
	var current any = target
	for i, op := range ops {
		switch op.Type {
		case OpGet:
			if i == 0 && op.Key == envKey && x.env() != nil {
				current = x.env()
				continue
			}
			if op.Key == AsObjectKey {
				// Bind the description to the value reached so far; the
				// following apply invokes it like any other function.
				subject := current
				current = func() map[string]any { return Describe(subject) }
				continue
			}
			next, err := member(current, op.Key)
			if err != nil {
				return nil, err
			}
			current = next

		case OpApply:
			args, err := x.resolveArgs(ctx, target, op.Args, memo)
			if err != nil {
				return nil, err
			}
			next, err := x.apply(ctx, current, args)
			if err != nil {
				return nil, err
			}
			current = next
		}

		var err error
		current, err = awaitValue(ctx, current)
		if err != nil {
			return nil, err
		}
	}
	return current, nil
}

// resolveArgs walks the argument graph, replacing each nested-operation
// marker with the result of its chain. Results are memoised by refId so
// aliased embeddings observe a single execution.
func (x *Executor) resolveArgs(ctx context.Context, target any, args []any, memo map[int64]any) ([]any, error) {
	out := make([]any, len(args))
	for i, arg := range args {
		v, err := x.resolveArg(ctx, target, arg, memo)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (x *Executor) resolveArg(ctx context.Context, target any, arg any, memo map[int64]any) (any, error) {
	switch t := arg.(type) {
	case *NestedOperation:
		if t.Chain == nil {
			v, ok := memo[t.RefID]
			if !ok {
				return nil, Errorf(KindValidation, "unknown operation reference %d", t.RefID)
			}
			return v, nil
		}
		if err := x.checkChain(t.Chain); err != nil {
			return nil, err
		}
		v, err := x.replay(ctx, target, t.Chain, memo)
		if err != nil {
			return nil, err
		}
		memo[t.RefID] = v
		return v, nil

	case []any:
		return x.resolveArgs(ctx, target, t, memo)

	case map[string]any:
		for k, v := range t {
			rv, err := x.resolveArg(ctx, target, v, memo)
			if err != nil {
				return nil, err
			}
			t[k] = rv
		}
		return t, nil
	}
	return arg, nil
}

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// member reads the named member of v: a method, a struct field, a map entry,
// or a slice index. A missing member of a non-nil value is not an error; it
// yields nil so that only a subsequent apply fails.
func member(v any, key string) (any, error) {
	if v == nil {
		return nil, Errorf(KindReplay, "cannot read property %q of nil", key)
	}
	rv := reflect.ValueOf(v)

	if m := methodValue(rv, key); m.IsValid() {
		return m.Interface(), nil
	}

	iv := reflect.Indirect(rv)
	switch iv.Kind() {
	case reflect.Struct:
		if f := iv.FieldByName(exportName(key)); f.IsValid() && f.CanInterface() {
			return f.Interface(), nil
		}
		if f := iv.FieldByName(key); f.IsValid() && f.CanInterface() {
			return f.Interface(), nil
		}
	case reflect.Map:
		if iv.Type().Key().Kind() == reflect.String {
			ent := iv.MapIndex(reflect.ValueOf(key).Convert(iv.Type().Key()))
			if ent.IsValid() {
				return ent.Interface(), nil
			}
		}
	case reflect.Slice, reflect.Array:
		if i, err := strconv.Atoi(key); err == nil && i >= 0 && i < iv.Len() {
			return iv.Index(i).Interface(), nil
		}
	}
	return nil, nil
}

// methodValue resolves key to a bound method of rv, trying the wire name and
// its exported form, and widening to the pointer method set for addressable
// copies of value receivers.
func methodValue(rv reflect.Value, key string) reflect.Value {
	for _, name := range []string{exportName(key), key} {
		if m := rv.MethodByName(name); m.IsValid() {
			return m
		}
	}
	if rv.Kind() != reflect.Pointer {
		pv := reflect.New(rv.Type())
		pv.Elem().Set(rv)
		for _, name := range []string{exportName(key), key} {
			if m := pv.MethodByName(name); m.IsValid() {
				return m
			}
		}
	}
	return reflect.Value{}
}

// apply invokes the current value with args.
func (x *Executor) apply(ctx context.Context, current any, args []any) (any, error) {
	if current == nil {
		return nil, Errorf(KindReplay, "Attempted to call a non-function value")
	}
	fn := reflect.ValueOf(current)
	if fn.Kind() != reflect.Func {
		return nil, Errorf(KindReplay, "Attempted to call a non-function value")
	}

	ft := fn.Type()
	var in []reflect.Value
	next := 0
	if ft.NumIn() > 0 && ft.In(0) == ctxType {
		in = append(in, reflect.ValueOf(ctx))
		next = 1
	}

	fixed := ft.NumIn()
	if ft.IsVariadic() {
		fixed--
	}
	for i, arg := range args {
		var pt reflect.Type
		if next+i < fixed {
			pt = ft.In(next + i)
		} else if ft.IsVariadic() {
			pt = ft.In(ft.NumIn() - 1).Elem()
		} else {
			return nil, Errorf(KindReplay, "wrong number of arguments: got %d, want %d", len(args), fixed-next)
		}
		av, err := convertArg(arg, pt)
		if err != nil {
			return nil, Errorf(KindValidation, "argument %d: %v", i+1, err)
		}
		in = append(in, av)
	}
	if len(in) < fixed {
		return nil, Errorf(KindReplay, "wrong number of arguments: got %d, want %d", len(args), fixed-next)
	}

	out, err := safeCall(fn, in)
	if err != nil {
		return nil, err
	}

	// A trailing error result propagates; the remaining value, if any, is
	// the step result.
	if n := len(out); n > 0 && ft.Out(n-1) == errType {
		if oerr := out[n-1].Interface(); oerr != nil {
			return nil, oerr.(error)
		}
		out = out[:n-1]
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0].Interface(), nil
}

// safeCall invokes fn, recovering a panic into a user error.
func safeCall(fn reflect.Value, in []reflect.Value) (out []reflect.Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &Error{
				Kind:    KindUser,
				Message: fmt.Sprint(p),
				Stack:   string(debug.Stack()),
			}
		}
	}()
	return fn.Call(in), nil
}

// awaitValue resolves deferred values until a concrete one is reached.
func awaitValue(ctx context.Context, v any) (any, error) {
	for {
		aw, ok := v.(Awaiter)
		if !ok {
			return v, nil
		}
		next, err := aw.Await(ctx)
		if err != nil {
			return nil, err
		}
		v = next
	}
}

// convertArg adapts a decoded argument to the parameter type pt.
func convertArg(v any, pt reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(pt), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(pt) {
		return rv, nil
	}
	if isNumeric(rv.Kind()) && isNumeric(pt.Kind()) {
		return rv.Convert(pt), nil
	}
	if pt.Kind() == reflect.Interface && rv.Type().Implements(pt) {
		return rv, nil
	}

	// Structured arguments (objects into structs, arrays into typed slices)
	// convert through JSON, which already defines the coercions we want.
	bits, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("cannot convert %T to %s", v, pt)
	}
	out := reflect.New(pt)
	if err := json.Unmarshal(bits, out.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot convert %T to %s", v, pt)
	}
	return out.Elem(), nil
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// exportName maps a wire member name to its exported Go form.
func exportName(key string) string {
	r, n := utf8.DecodeRuneInString(key)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return key
	}
	return string(unicode.ToUpper(r)) + key[n:]
}

// wireName maps an exported Go name to its wire form.
func wireName(name string) string {
	r, n := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || unicode.IsLower(r) {
		return name
	}
	return string(unicode.ToLower(r)) + name[n:]
}

// decodeOptions recognizes nested-operation markers in decoded argument
// graphs.
func decodeOptions() *codec.Options {
	return &codec.Options{DecodeHook: decodeMarker}
}

func decodeMarker(v any) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	rid, ok := m[RefIDField]
	if !ok {
		return nil, false
	}
	id, ok := toInt64(rid)
	if !ok {
		return nil, false
	}
	no := &NestedOperation{RefID: id}
	if cv, ok := m[ChainField]; ok {
		chain, err := ChainFromValue(cv)
		if err != nil {
			return nil, false
		}
		no.Chain = chain
	}
	return no, true
}

// encodeOptions renders remote-function stand-ins in encoded results.
func encodeOptions() *codec.Options {
	return &codec.Options{EncodeHook: encodeMarker}
}

func encodeMarker(v any) (any, bool) {
	rf, ok := v.(*RemoteFunction)
	if !ok {
		return nil, false
	}
	return map[string]any{
		RemoteFuncField: true,
		FuncNameField:   rf.Name,
		FuncChainField:  rf.Chain.Value(),
	}, true
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	}
	return 0, false
}
