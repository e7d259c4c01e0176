// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package codec

import (
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/creachadair/mds/mapset"
)

// Encode converts v into its intermediate wire form. Values the codec cannot
// represent (channels, complex numbers, unsafe pointers) report an error.
func Encode(v any, opts *Options) (*Encoded, error) {
	e := &encoder{hook: opts.encodeHook(), seen: make(map[ident]int)}
	root, err := e.encode(v, true)
	if err != nil {
		return nil, err
	}
	if e.objects == nil {
		e.objects = []any{}
	}
	return &Encoded{Root: root, Objects: e.objects}, nil
}

// An ident is the identity key for a complex value. Pointers and maps are
// identified by address; slices by address and length, since two slices over
// the same backing array with different lengths are distinct values.
type ident struct {
	ptr  uintptr
	kind reflect.Kind
	n    int
}

type encoder struct {
	hook    func(any) (any, bool)
	objects []any
	seen    map[ident]int
}

// ref returns the reference tuple for object index i.
func ref(i int) []any { return []any{tagRef, i} }

// intern reserves the next object index for the value identified by id (if
// tracked) and returns it. The tuple is stored after its children are
// encoded, so self-references resolve to the reserved slot.
func (e *encoder) intern(id *ident) int {
	i := len(e.objects)
	e.objects = append(e.objects, nil)
	if id != nil {
		e.seen[*id] = i
	}
	return i
}

func (e *encoder) encode(v any, useHook bool) (any, error) {
	if useHook && e.hook != nil {
		if r, ok := e.hook(v); ok {
			return e.encode(r, false)
		}
	}
	if v == nil {
		return []any{tagNull}, nil
	}

	switch t := v.(type) {
	case Undefined:
		return []any{tagUndefined}, nil
	case bool:
		return []any{tagBoolean, t}, nil
	case string:
		return []any{tagString, t}, nil
	case int:
		return numberTuple(float64(t)), nil
	case int8:
		return numberTuple(float64(t)), nil
	case int16:
		return numberTuple(float64(t)), nil
	case int32:
		return numberTuple(float64(t)), nil
	case int64:
		return numberTuple(float64(t)), nil
	case uint:
		return numberTuple(float64(t)), nil
	case uint8:
		return numberTuple(float64(t)), nil
	case uint16:
		return numberTuple(float64(t)), nil
	case uint32:
		return numberTuple(float64(t)), nil
	case uint64:
		return numberTuple(float64(t)), nil
	case float32:
		return numberTuple(float64(t)), nil
	case float64:
		return numberTuple(t), nil
	case *big.Int:
		return []any{tagBigInt, t.String()}, nil
	case time.Time:
		i := e.intern(nil)
		e.objects[i] = []any{tagDate, float64(t.UnixMilli())}
		return ref(i), nil
	case *regexp.Regexp:
		i := e.intern(nil)
		e.objects[i] = []any{tagRegexp, t.String()}
		return ref(i), nil
	case []byte:
		return e.encodeBytes(t)
	case http.Header:
		return e.encodeHeader(t)
	case *url.URL:
		i := e.intern(nil)
		e.objects[i] = []any{tagURL, t.String()}
		return ref(i), nil
	case *http.Request:
		return e.encodeRequest(t)
	case *http.Response:
		return e.encodeResponse(t)
	case mapset.Set[any]:
		return e.encodeSet(t)
	case *FuncValue:
		i := e.intern(nil)
		e.objects[i] = []any{tagFunction, map[string]any{"name": []any{tagString, t.Name}}}
		return ref(i), nil
	case *ErrorValue:
		return e.encodeError(t)
	case error:
		// Rich error types can provide their own wire form; anything else is
		// reduced to name, message, and cause.
		if w, ok := t.(interface{ WireError() *ErrorValue }); ok {
			return e.encodeError(w.WireError())
		}
		return e.encodeError(plainError(t))
	}
	return e.encodeReflect(reflect.ValueOf(v))
}

func (e *encoder) encodeReflect(rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return []any{tagNull}, nil
		}
		id := ident{ptr: rv.Pointer(), kind: reflect.Pointer}
		if i, ok := e.seen[id]; ok {
			return ref(i), nil
		}
		// Pre-reserve the index before walking the pointee so cycles through
		// this pointer resolve to the reserved slot.
		if rv.Elem().Kind() == reflect.Struct {
			i := e.intern(&id)
			tuple, err := e.structTuple(rv.Elem())
			if err != nil {
				return nil, err
			}
			e.objects[i] = tuple
			return ref(i), nil
		}
		return e.encode(rv.Elem().Interface(), true)

	case reflect.Map:
		if rv.IsNil() {
			return []any{tagNull}, nil
		}
		id := ident{ptr: rv.Pointer(), kind: reflect.Map}
		if i, ok := e.seen[id]; ok {
			return ref(i), nil
		}
		if rv.Type().Key().Kind() == reflect.String {
			i := e.intern(&id)
			fields := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				ft, err := e.encode(iter.Value().Interface(), true)
				if err != nil {
					return nil, err
				}
				fields[iter.Key().String()] = ft
			}
			e.objects[i] = []any{tagObject, fields}
			return ref(i), nil
		}
		i := e.intern(&id)
		var pairs []any
		iter := rv.MapRange()
		for iter.Next() {
			kt, err := e.encode(iter.Key().Interface(), true)
			if err != nil {
				return nil, err
			}
			vt, err := e.encode(iter.Value().Interface(), true)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, []any{kt, vt})
		}
		if pairs == nil {
			pairs = []any{}
		}
		e.objects[i] = []any{tagMap, pairs}
		return ref(i), nil

	case reflect.Slice:
		if rv.IsNil() {
			return []any{tagNull}, nil
		}
		id := ident{ptr: rv.Pointer(), kind: reflect.Slice, n: rv.Len()}
		if i, ok := e.seen[id]; ok {
			return ref(i), nil
		}
		return e.encodeList(rv, &id)

	case reflect.Array:
		return e.encodeList(rv, nil)

	case reflect.Struct:
		i := e.intern(nil)
		tuple, err := e.structTuple(rv)
		if err != nil {
			return nil, err
		}
		e.objects[i] = tuple
		return ref(i), nil

	case reflect.Func:
		if rv.IsNil() {
			return []any{tagNull}, nil
		}
		i := e.intern(nil)
		e.objects[i] = []any{tagFunction, map[string]any{
			"name": []any{tagString, funcName(rv)},
		}}
		return ref(i), nil

	case reflect.Interface:
		if rv.IsNil() {
			return []any{tagNull}, nil
		}
		return e.encode(rv.Elem().Interface(), true)
	}
	return nil, fmt.Errorf("unable to serialize %s value", rv.Kind())
}

func (e *encoder) encodeList(rv reflect.Value, id *ident) (any, error) {
	i := e.intern(id)
	items := make([]any, rv.Len())
	for j := 0; j < rv.Len(); j++ {
		it, err := e.encode(rv.Index(j).Interface(), true)
		if err != nil {
			return nil, err
		}
		items[j] = it
	}
	e.objects[i] = []any{tagArray, items}
	return ref(i), nil
}

func (e *encoder) structTuple(rv reflect.Value) ([]any, error) {
	rt := rv.Type()
	fields := make(map[string]any)
	for j := 0; j < rt.NumField(); j++ {
		sf := rt.Field(j)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("json"); ok {
			base, _, _ := strings.Cut(tag, ",")
			if base == "-" {
				continue
			} else if base != "" {
				name = base
			}
		}
		ft, err := e.encode(rv.Field(j).Interface(), true)
		if err != nil {
			return nil, err
		}
		fields[name] = ft
	}
	return []any{tagObject, fields}, nil
}

func (e *encoder) encodeBytes(buf []byte) (any, error) {
	var id *ident
	if buf != nil {
		id = &ident{ptr: reflect.ValueOf(buf).Pointer(), kind: reflect.Slice, n: len(buf)}
		if i, ok := e.seen[*id]; ok {
			return ref(i), nil
		}
	}
	i := e.intern(id)
	e.objects[i] = []any{tagArrayBuffer, base64.StdEncoding.EncodeToString(buf)}
	return ref(i), nil
}

func (e *encoder) encodeHeader(h http.Header) (any, error) {
	id := ident{ptr: reflect.ValueOf(h).Pointer(), kind: reflect.Map}
	if i, ok := e.seen[id]; ok {
		return ref(i), nil
	}
	i := e.intern(&id)
	var pairs []any
	for key, vals := range h {
		for _, val := range vals {
			pairs = append(pairs, []any{key, val})
		}
	}
	if pairs == nil {
		pairs = []any{}
	}
	e.objects[i] = []any{tagHeaders, pairs}
	return ref(i), nil
}

func (e *encoder) encodeSet(s mapset.Set[any]) (any, error) {
	id := ident{ptr: reflect.ValueOf(s).Pointer(), kind: reflect.Map, n: -1}
	if i, ok := e.seen[id]; ok {
		return ref(i), nil
	}
	i := e.intern(&id)
	items := make([]any, 0, len(s))
	for elt := range s {
		it, err := e.encode(elt, true)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	e.objects[i] = []any{tagSet, items}
	return ref(i), nil
}

func (e *encoder) encodeError(ev *ErrorValue) (any, error) {
	id := ident{ptr: reflect.ValueOf(ev).Pointer(), kind: reflect.Pointer}
	if i, ok := e.seen[id]; ok {
		return ref(i), nil
	}
	i := e.intern(&id)
	payload := map[string]any{
		"name":    ev.Name,
		"message": ev.Message,
	}
	if ev.Stack != "" {
		payload["stack"] = ev.Stack
	}
	if ev.Cause != nil {
		ct, err := e.encodeError(ev.Cause)
		if err != nil {
			return nil, err
		}
		payload["cause"] = ct
	}
	if len(ev.Custom) != 0 {
		custom := make(map[string]any, len(ev.Custom))
		for k, v := range ev.Custom {
			vt, err := e.encode(v, true)
			if err != nil {
				return nil, err
			}
			custom[k] = vt
		}
		payload["custom"] = custom
	}
	e.objects[i] = []any{tagError, payload}
	return ref(i), nil
}

// plainError converts an arbitrary error into its wire form, unwrapping the
// cause chain. The name is taken from the dynamic type.
func plainError(err error) *ErrorValue {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := "Error"
	if t != nil && t.Name() != "" {
		name = t.Name()
	}
	ev := &ErrorValue{Name: name, Message: err.Error()}
	type wrapper interface{ Unwrap() error }
	if w, ok := err.(wrapper); ok {
		if cause := w.Unwrap(); cause != nil {
			if cev, ok := cause.(*ErrorValue); ok {
				ev.Cause = cev
			} else {
				ev.Cause = plainError(cause)
			}
		}
	}
	return ev
}

func (e *encoder) encodeRequest(req *http.Request) (any, error) {
	id := ident{ptr: reflect.ValueOf(req).Pointer(), kind: reflect.Pointer}
	if i, ok := e.seen[id]; ok {
		return ref(i), nil
	}
	i := e.intern(&id)

	ht, err := e.encode(req.Header, true)
	if err != nil {
		return nil, err
	}
	bt, err := e.encodeBody(req.Body, func(rc io.ReadCloser) { req.Body = rc })
	if err != nil {
		return nil, err
	}
	e.objects[i] = []any{tagRequest, map[string]any{
		"method":  req.Method,
		"url":     requestURL(req),
		"headers": ht,
		"body":    bt,
	}}
	return ref(i), nil
}

func (e *encoder) encodeResponse(rsp *http.Response) (any, error) {
	id := ident{ptr: reflect.ValueOf(rsp).Pointer(), kind: reflect.Pointer}
	if i, ok := e.seen[id]; ok {
		return ref(i), nil
	}
	i := e.intern(&id)

	ht, err := e.encode(rsp.Header, true)
	if err != nil {
		return nil, err
	}
	bt, err := e.encodeBody(rsp.Body, func(rc io.ReadCloser) { rsp.Body = rc })
	if err != nil {
		return nil, err
	}
	e.objects[i] = []any{tagResponse, map[string]any{
		"status":  float64(rsp.StatusCode),
		"headers": ht,
		"body":    bt,
	}}
	return ref(i), nil
}

// encodeBody drains body into an arraybuffer tuple and restores a fresh
// reader via put. A missing or already-consumed body encodes as null rather
// than failing.
func (e *encoder) encodeBody(body io.ReadCloser, put func(io.ReadCloser)) (any, error) {
	if body == nil {
		return []any{tagNull}, nil
	}
	data, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		put(http.NoBody)
		return []any{tagNull}, nil
	}
	put(io.NopCloser(strings.NewReader(string(data))))
	return e.encodeBytes(data)
}

func requestURL(req *http.Request) string {
	if req.URL != nil {
		return req.URL.String()
	}
	return ""
}

// numberTuple encodes f, substituting sentinels for non-finite values.
func numberTuple(f float64) []any {
	switch {
	case math.IsNaN(f):
		return []any{tagNumber, sentinelNaN}
	case math.IsInf(f, 1):
		return []any{tagNumber, sentinelInf}
	case math.IsInf(f, -1):
		return []any{tagNumber, sentinelNegInf}
	}
	return []any{tagNumber, f}
}

// funcName reports the short name of a function value, with the package path
// and method-value suffix trimmed.
func funcName(rv reflect.Value) string {
	name := ""
	if fn := runtime.FuncForPC(rv.Pointer()); fn != nil {
		name = fn.Name()
	}
	name = strings.TrimSuffix(name, "-fm")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}
