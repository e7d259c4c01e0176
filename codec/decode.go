// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"time"

	"github.com/creachadair/mds/mapset"
)

// Decode materializes the value described by enc. Shells for every table
// entry are created before any entry is filled, so cycles close and every
// reference to the same index yields the same value.
func Decode(enc *Encoded, opts *Options) (any, error) {
	d := &decoder{
		hook:   opts.decodeHook(),
		raw:    enc.Objects,
		shells: make([]any, len(enc.Objects)),
		tags:   make([]string, len(enc.Objects)),
		loads:  make([]any, len(enc.Objects)),
		state:  make([]int, len(enc.Objects)),
		hooked: make([]any, len(enc.Objects)),
	}
	for i := range d.raw {
		if err := d.shell(i); err != nil {
			return nil, err
		}
	}
	for i := range d.raw {
		if _, err := d.resolveIndex(i); err != nil {
			return nil, err
		}
	}
	return d.resolve(enc.Root)
}

const (
	stShelled = iota
	stFilling
	stFilled
	stHooked
)

type decoder struct {
	hook   func(any) (any, bool)
	raw    []any
	shells []any
	tags   []string
	loads  []any // tuple payloads, kept for the fill pass
	state  []int
	hooked []any
}

// shell creates the empty shell for table entry i. Entries whose content
// embeds no references are completed immediately.
func (d *decoder) shell(i int) error {
	tag, payload, err := splitTuple(d.raw[i])
	if err != nil {
		return fmt.Errorf("object %d: %w", i, err)
	}
	d.tags[i], d.loads[i] = tag, payload

	switch tag {
	case tagArray:
		items, ok := payload.([]any)
		if !ok {
			return fmt.Errorf("object %d: invalid array payload", i)
		}
		d.shells[i] = make([]any, len(items))
	case tagObject:
		d.shells[i] = make(map[string]any)
	case tagMap:
		d.shells[i] = make(map[any]any)
	case tagSet:
		d.shells[i] = mapset.New[any]()
	case tagHeaders:
		d.shells[i] = make(http.Header)
	case tagError:
		d.shells[i] = new(ErrorValue)
	case tagFunction:
		d.shells[i] = new(FuncValue)
	case tagRequest:
		d.shells[i] = new(http.Request)
	case tagResponse:
		d.shells[i] = new(http.Response)
	default:
		// Entries without internal references materialize in one step.
		v, err := simpleValue(tag, payload)
		if err != nil {
			return fmt.Errorf("object %d: %w", i, err)
		}
		d.shells[i] = v
		d.state[i] = stFilled
	}
	return nil
}

// resolveIndex completes table entry i and returns its final (hooked) value.
// An entry reached again while it is being filled is part of a cycle; its
// shell is returned so the cycle closes on a single identity.
func (d *decoder) resolveIndex(i int) (any, error) {
	if i < 0 || i >= len(d.shells) {
		return nil, fmt.Errorf("reference to unknown object %d", i)
	}
	switch d.state[i] {
	case stHooked:
		return d.hooked[i], nil
	case stFilling:
		return d.shells[i], nil
	case stShelled:
		d.state[i] = stFilling
		if err := d.fill(i); err != nil {
			return nil, err
		}
		d.state[i] = stFilled
	}
	v := d.shells[i]
	if d.hook != nil {
		if r, ok := d.hook(v); ok {
			v = r
		}
	}
	d.hooked[i] = v
	d.state[i] = stHooked
	return v, nil
}

// resolve evaluates a tuple in place: references look up the table, inline
// tuples materialize directly.
func (d *decoder) resolve(t any) (any, error) {
	tag, payload, err := splitTuple(t)
	if err != nil {
		return nil, err
	}
	if tag == tagRef {
		i, ok := toInt(payload)
		if !ok {
			return nil, fmt.Errorf("invalid reference index %v", payload)
		}
		return d.resolveIndex(i)
	}
	v, err := simpleValue(tag, payload)
	if err != nil {
		return nil, err
	}
	if d.hook != nil {
		if r, ok := d.hook(v); ok {
			v = r
		}
	}
	return v, nil
}

func (d *decoder) fill(i int) error {
	payload := d.loads[i]
	switch shell := d.shells[i].(type) {
	case []any:
		items := payload.([]any)
		for j, it := range items {
			v, err := d.resolve(it)
			if err != nil {
				return err
			}
			shell[j] = v
		}

	case map[string]any:
		fields, ok := payload.(map[string]any)
		if !ok {
			return fmt.Errorf("object %d: invalid object payload", i)
		}
		for k, ft := range fields {
			v, err := d.resolve(ft)
			if err != nil {
				return err
			}
			shell[k] = v
		}

	case map[any]any:
		pairs, ok := payload.([]any)
		if !ok {
			return fmt.Errorf("object %d: invalid map payload", i)
		}
		for _, p := range pairs {
			kv, ok := p.([]any)
			if !ok || len(kv) != 2 {
				return fmt.Errorf("object %d: invalid map entry", i)
			}
			k, err := d.resolve(kv[0])
			if err != nil {
				return err
			}
			if k != nil && !reflect.TypeOf(k).Comparable() {
				return fmt.Errorf("object %d: unusable map key of type %T", i, k)
			}
			v, err := d.resolve(kv[1])
			if err != nil {
				return err
			}
			shell[k] = v
		}

	case mapset.Set[any]:
		items, ok := payload.([]any)
		if !ok {
			return fmt.Errorf("object %d: invalid set payload", i)
		}
		for _, it := range items {
			v, err := d.resolve(it)
			if err != nil {
				return err
			}
			if v != nil && !reflect.TypeOf(v).Comparable() {
				return fmt.Errorf("object %d: unusable set member of type %T", i, v)
			}
			shell.Add(v)
		}

	case http.Header:
		pairs, ok := payload.([]any)
		if !ok {
			return fmt.Errorf("object %d: invalid headers payload", i)
		}
		for _, p := range pairs {
			kv, ok := p.([]any)
			if !ok || len(kv) != 2 {
				return fmt.Errorf("object %d: invalid header entry", i)
			}
			key, kok := kv[0].(string)
			val, vok := kv[1].(string)
			if !kok || !vok {
				return fmt.Errorf("object %d: non-string header entry", i)
			}
			shell.Add(key, val)
		}

	case *ErrorValue:
		return d.fillError(i, shell, payload)

	case *FuncValue:
		fields, ok := payload.(map[string]any)
		if !ok {
			return fmt.Errorf("object %d: invalid function payload", i)
		}
		name, err := d.resolve(fields["name"])
		if err != nil {
			return err
		}
		shell.Name, _ = name.(string)

	case *http.Request:
		return d.fillRequest(i, shell, payload)

	case *http.Response:
		return d.fillResponse(i, shell, payload)
	}
	return nil
}

func (d *decoder) fillError(i int, ev *ErrorValue, payload any) error {
	fields, ok := payload.(map[string]any)
	if !ok {
		return fmt.Errorf("object %d: invalid error payload", i)
	}
	ev.Name, _ = fields["name"].(string)
	ev.Message, _ = fields["message"].(string)
	ev.Stack, _ = fields["stack"].(string)
	if ct, ok := fields["cause"]; ok {
		cause, err := d.resolve(ct)
		if err != nil {
			return err
		}
		if cev, ok := cause.(*ErrorValue); ok {
			ev.Cause = cev
		}
	}
	if custom, ok := fields["custom"].(map[string]any); ok && len(custom) != 0 {
		ev.Custom = make(map[string]any, len(custom))
		for k, vt := range custom {
			v, err := d.resolve(vt)
			if err != nil {
				return err
			}
			ev.Custom[k] = v
		}
	}
	return nil
}

func (d *decoder) fillRequest(i int, req *http.Request, payload any) error {
	fields, ok := payload.(map[string]any)
	if !ok {
		return fmt.Errorf("object %d: invalid request payload", i)
	}
	method, _ := fields["method"].(string)
	rawURL, _ := fields["url"].(string)
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("object %d: request URL: %w", i, err)
	}
	header, body, err := d.httpParts(fields)
	if err != nil {
		return fmt.Errorf("object %d: %w", i, err)
	}
	req.Method = method
	req.URL = u
	req.Header = header
	req.Body = body.reader()
	req.ContentLength = body.length()
	return nil
}

func (d *decoder) fillResponse(i int, rsp *http.Response, payload any) error {
	fields, ok := payload.(map[string]any)
	if !ok {
		return fmt.Errorf("object %d: invalid response payload", i)
	}
	status, _ := toFloat(fields["status"])
	header, body, err := d.httpParts(fields)
	if err != nil {
		return fmt.Errorf("object %d: %w", i, err)
	}
	rsp.StatusCode = int(status)
	rsp.Status = http.StatusText(int(status))
	rsp.Header = header
	rsp.Body = body.reader()
	rsp.ContentLength = body.length()
	return nil
}

type bodyBytes []byte

func (b bodyBytes) reader() io.ReadCloser {
	if b == nil {
		return http.NoBody
	}
	return io.NopCloser(bytes.NewReader(b))
}

func (b bodyBytes) length() int64 { return int64(len(b)) }

func (d *decoder) httpParts(fields map[string]any) (http.Header, bodyBytes, error) {
	header := make(http.Header)
	if ht, ok := fields["headers"]; ok {
		hv, err := d.resolve(ht)
		if err != nil {
			return nil, nil, err
		}
		if h, ok := hv.(http.Header); ok {
			header = h
		}
	}
	var body bodyBytes
	if bt, ok := fields["body"]; ok {
		bv, err := d.resolve(bt)
		if err != nil {
			return nil, nil, err
		}
		if buf, ok := bv.([]byte); ok {
			body = buf
		}
	}
	return header, body, nil
}

// simpleValue materializes a tuple whose payload embeds no references.
// Unknown tags are returned as the raw tuple, inert.
func simpleValue(tag string, payload any) (any, error) {
	switch tag {
	case tagNull:
		return nil, nil
	case tagUndefined:
		return Undefined{}, nil
	case tagString, tagStringObject:
		s, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("invalid string payload %v", payload)
		}
		return s, nil
	case tagBoolean, tagBooleanObject:
		b, ok := payload.(bool)
		if !ok {
			return nil, fmt.Errorf("invalid boolean payload %v", payload)
		}
		return b, nil
	case tagNumber, tagNumberObject:
		return numberValue(payload)
	case tagBigInt, tagBigIntObject:
		s, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("invalid bigint payload %v", payload)
		}
		z, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("invalid bigint value %q", s)
		}
		return z, nil
	case tagDate:
		ms, ok := toFloat(payload)
		if !ok {
			return nil, fmt.Errorf("invalid date payload %v", payload)
		}
		return time.UnixMilli(int64(ms)).UTC(), nil
	case tagRegexp:
		s, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("invalid regexp payload %v", payload)
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("invalid regexp %q: %w", s, err)
		}
		return re, nil
	case tagURL:
		s, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("invalid url payload %v", payload)
		}
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid url %q: %w", s, err)
		}
		return u, nil
	case tagArrayBuffer:
		s, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("invalid arraybuffer payload %v", payload)
		}
		buf, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid arraybuffer data: %w", err)
		}
		return buf, nil
	}
	// Unknown type tags pass through as their raw tuple.
	if payload == nil {
		return []any{tag}, nil
	}
	return []any{tag, payload}, nil
}

func numberValue(payload any) (any, error) {
	if f, ok := toFloat(payload); ok {
		return f, nil
	}
	switch payload {
	case sentinelNaN:
		return math.NaN(), nil
	case sentinelInf:
		return math.Inf(1), nil
	case sentinelNegInf:
		return math.Inf(-1), nil
	}
	return nil, fmt.Errorf("invalid number payload %v", payload)
}

// splitTuple separates a tuple into its tag and payload.
func splitTuple(t any) (string, any, error) {
	tuple, ok := t.([]any)
	if !ok || len(tuple) == 0 {
		return "", nil, fmt.Errorf("invalid tuple %v", t)
	}
	tag, ok := tuple[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("invalid tuple tag %v", tuple[0])
	}
	if len(tuple) < 2 {
		return tag, nil, nil
	}
	return tag, tuple[1], nil
}

// toFloat accepts the numeric types produced by JSON decoding and by the
// in-memory encoder.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}
