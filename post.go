// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package chainrpc

import (
	"math/big"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/chainrpc/codec"
	"github.com/creachadair/mds/mapset"
)

// An ident is the identity key for a processed container, so shared values
// are processed once and cycles are not re-entered.
type ident struct {
	ptr  uintptr
	kind reflect.Kind
	n    int
}

// postProcess prepares a replay result for transport. Function values become
// remote-function stand-ins carrying the absolute chain that reached them,
// and the walker descends into plain objects and arrays so that methods of
// returned values are callable in follow-on chains. Built-in types pass
// through untouched.
func (x *Executor) postProcess(v any, chain Chain, seen map[ident]any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		float32, float64,
		*big.Int, time.Time, *regexp.Regexp, []byte, http.Header, *url.URL,
		*http.Request, *http.Response, mapset.Set[any],
		codec.Undefined, *codec.ErrorValue, *codec.FuncValue:
		return v, nil

	case error:
		return v, nil

	case map[string]any:
		id := ident{ptr: reflect.ValueOf(t).Pointer(), kind: reflect.Map}
		if p, ok := seen[id]; ok {
			return p, nil
		}
		out := make(map[string]any, len(t))
		seen[id] = out
		for k, elt := range t {
			p, err := x.postProcess(elt, chain.Extend(Get(k)), seen)
			if err != nil {
				return nil, err
			}
			out[k] = p
		}
		return out, nil

	case []any:
		rv := reflect.ValueOf(t)
		id := ident{ptr: rv.Pointer(), kind: reflect.Slice, n: rv.Len()}
		if p, ok := seen[id]; ok {
			return p, nil
		}
		out := make([]any, len(t))
		seen[id] = out
		for i, elt := range t {
			p, err := x.postProcess(elt, chain.Extend(Get(strconv.Itoa(i))), seen)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		if rv.IsNil() {
			return nil, nil
		}
		return &RemoteFunction{Name: chainFuncName(chain, rv), Chain: chain}, nil

	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Elem().Kind() == reflect.Struct {
			id := ident{ptr: rv.Pointer(), kind: reflect.Pointer}
			if p, ok := seen[id]; ok {
				return p, nil
			}
			return x.postStruct(rv, chain, seen, &id)
		}
		return x.postProcess(rv.Elem().Interface(), chain, seen)

	case reflect.Struct:
		return x.postStruct(rv, chain, seen, nil)
	}
	return v, nil
}

// postStruct converts a returned struct into a plain object whose exported
// fields are post-processed and whose methods appear as remote-function
// stand-ins, so the client can keep chaining on the result.
func (x *Executor) postStruct(rv reflect.Value, chain Chain, seen map[ident]any, id *ident) (any, error) {
	out := make(map[string]any)
	if id != nil {
		seen[*id] = out
	}

	// Methods come from the pointer type so value receivers and pointer
	// receivers are both reachable.
	pt := rv.Type()
	if pt.Kind() != reflect.Pointer {
		pt = reflect.PointerTo(pt)
	}
	for i := 0; i < pt.NumMethod(); i++ {
		name := wireName(pt.Method(i).Name)
		out[name] = &RemoteFunction{Name: name, Chain: chain.Extend(Get(name))}
	}

	sv := reflect.Indirect(rv)
	st := sv.Type()
	for i := 0; i < st.NumField(); i++ {
		sf := st.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := fieldWireName(sf)
		if name == "" {
			continue
		}
		p, err := x.postProcess(sv.Field(i).Interface(), chain.Extend(Get(name)), seen)
		if err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}

// fieldWireName reports the wire name of a struct field: its json tag if
// present, else the lowered field name. A "-" tag hides the field.
func fieldWireName(sf reflect.StructField) string {
	if tag, ok := sf.Tag.Lookup("json"); ok {
		base, _, _ := strings.Cut(tag, ",")
		if base == "-" {
			return ""
		} else if base != "" {
			return base
		}
	}
	return wireName(sf.Name)
}

// chainFuncName names a function result after the get that reached it, or
// after its runtime name when the chain gives no key.
func chainFuncName(chain Chain, rv reflect.Value) string {
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Type == OpGet {
			return chain[i].Key
		}
	}
	if fn := runtime.FuncForPC(rv.Pointer()); fn != nil {
		name := strings.TrimSuffix(fn.Name(), "-fm")
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		return name
	}
	return "anonymous"
}
