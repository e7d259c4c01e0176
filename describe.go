// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package chainrpc

import (
	"reflect"
)

// Describe returns a shallow description of v: its own exported fields and
// every method name, including promoted methods, rendered in the form
// "<name> [Function]". Nested plain objects are recursed one level so their
// own method names are discoverable.
//
// Describe is the implementation of the reserved "__asObject" chain suffix.
func Describe(v any) map[string]any {
	return describe(v, 0)
}

// maxDescribeDepth bounds the recursion into nested objects.
const maxDescribeDepth = 1

func describe(v any, depth int) map[string]any {
	out := make(map[string]any)
	if v == nil {
		return out
	}
	rv := reflect.ValueOf(v)

	// Method names come from the pointer type so the whole method set is
	// visible regardless of receiver form.
	pt := rv.Type()
	if pt.Kind() != reflect.Pointer {
		pt = reflect.PointerTo(pt)
	}
	for i := 0; i < pt.NumMethod(); i++ {
		name := wireName(pt.Method(i).Name)
		out[name] = name + " [Function]"
	}

	iv := reflect.Indirect(rv)
	switch iv.Kind() {
	case reflect.Struct:
		st := iv.Type()
		for i := 0; i < st.NumField(); i++ {
			sf := st.Field(i)
			if !sf.IsExported() {
				continue
			}
			name := fieldWireName(sf)
			if name == "" {
				continue
			}
			out[name] = describeMember(name, iv.Field(i).Interface(), depth)
		}
	case reflect.Map:
		if iv.Type().Key().Kind() == reflect.String {
			iter := iv.MapRange()
			for iter.Next() {
				name := iter.Key().String()
				out[name] = describeMember(name, iter.Value().Interface(), depth)
			}
		}
	}
	return out
}

func describeMember(name string, v any, depth int) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		return name + " [Function]"
	case reflect.Struct, reflect.Pointer, reflect.Map:
		iv := reflect.Indirect(rv)
		if iv.Kind() == reflect.Struct || (iv.Kind() == reflect.Map && iv.Type().Key().Kind() == reflect.String) {
			if depth < maxDescribeDepth && describable(iv.Type()) {
				return describe(v, depth+1)
			}
		}
	}
	return v
}

// describable reports whether t is a plain object worth recursing into: a
// struct or string-keyed map that is not one of the codec built-ins.
func describable(t reflect.Type) bool {
	switch t.String() {
	case "time.Time", "url.URL", "http.Header", "big.Int", "regexp.Regexp",
		"http.Request", "http.Response":
		return false
	}
	return true
}
