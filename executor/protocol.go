package executor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"github.com/caffeineduck/cube/hostfunc"
	"github.com/caffeineduck/cube/service"
)

// Protocol constants, used by guests to call into the host.
// Format: \x00CUBE:{json}\x00
const (
	protocolPrefix = "\x00CUBE:"
	protocolSuffix = "\x00"
)

// serviceHandle is the handle of the request context in guests started
// with WithService.
const serviceHandle uint32 = 1

type callRequest struct {
	Fn     string            `json:"fn"`
	Name   string            `json:"name,omitempty"`
	Handle uint32            `json:"handle,omitempty"`
	Method string            `json:"method,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

type callResponse struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// handleRef stands in for a host object on the guest side.
type handleRef struct {
	Handle uint32 `json:"handle"`
}

// bytesRef carries binary data as base64.
type bytesRef struct {
	Bytes string `json:"bytes"`
}

// handleTable maps guest handles to host objects.
type handleTable struct {
	mu      sync.Mutex
	objects map[uint32]any
	next    uint32
}

func newHandleTable() *handleTable {
	return &handleTable{objects: make(map[uint32]any), next: serviceHandle + 1}
}

func (t *handleTable) insert(v any) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.next
	t.next++
	t.objects[h] = v
	return h
}

func (t *handleTable) set(h uint32, v any) {
	t.mu.Lock()
	t.objects[h] = v
	t.mu.Unlock()
}

func (t *handleTable) get(h uint32) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.objects[h]
	return v, ok
}

func (t *handleTable) remove(h uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.objects[h]
	delete(t.objects, h)
	return ok
}

// protocolHandler intercepts stderr to handle host calls.
// Regular stderr output passes through; protocol messages trigger host calls.
type protocolHandler struct {
	registry    *hostfunc.Registry
	inv         *hostfunc.Invocation
	handles     *handleTable
	stdinWriter *io.PipeWriter
	realStderr  bytes.Buffer
	buf         bytes.Buffer
	result      any
	mu          sync.Mutex
}

func newProtocolHandler(registry *hostfunc.Registry, inv *hostfunc.Invocation, sc *service.Context, stdinWriter *io.PipeWriter) *protocolHandler {
	p := &protocolHandler{
		registry:    registry,
		inv:         inv,
		handles:     newHandleTable(),
		stdinWriter: stdinWriter,
	}
	if sc != nil {
		p.handles.set(serviceHandle, sc)
	}
	return p
}

func (p *protocolHandler) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(data)

	for {
		content := p.buf.String()
		startIdx := strings.Index(content, protocolPrefix)
		if startIdx == -1 {
			p.realStderr.WriteString(content)
			p.buf.Reset()
			break
		}

		p.realStderr.WriteString(content[:startIdx])

		endIdx := strings.Index(content[startIdx+len(protocolPrefix):], protocolSuffix)
		if endIdx == -1 {
			p.buf.Reset()
			p.buf.WriteString(content[startIdx:])
			break
		}

		jsonStr := content[startIdx+len(protocolPrefix) : startIdx+len(protocolPrefix)+endIdx]
		p.buf.Reset()
		p.buf.WriteString(content[startIdx+len(protocolPrefix)+endIdx+1:])

		var req callRequest
		if err := json.Unmarshal([]byte(jsonStr), &req); err != nil {
			p.respond(callResponse{Error: "invalid call format"})
			continue
		}

		p.respond(p.handleCall(req))
	}

	return len(data), nil
}

func (p *protocolHandler) respond(resp callResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(callResponse{Error: "unencodable result: " + err.Error()})
	}
	go p.stdinWriter.Write(append(data, '\n'))
}

func (p *protocolHandler) handleCall(req callRequest) callResponse {
	var (
		v   any
		err error
	)
	switch req.Fn {
	case "native":
		v, err = p.native(req)
	case "call":
		v, err = p.call(req)
	case "drop":
		if !p.handles.remove(req.Handle) {
			err = fmt.Errorf("unknown handle %d", req.Handle)
		}
	case "return":
		if len(req.Args) > 0 {
			err = json.Unmarshal(req.Args[0], &p.result)
		}
	default:
		err = fmt.Errorf("unknown function: %s", req.Fn)
	}
	if err != nil {
		resp := callResponse{Error: err.Error()}
		var he *hostfunc.Error
		if errors.As(err, &he) {
			resp.Kind = string(he.Kind)
		}
		return resp
	}
	return callResponse{Data: p.encode(v)}
}

func (p *protocolHandler) native(req callRequest) (any, error) {
	raw := make([]any, len(req.Args))
	for i, a := range req.Args {
		v, err := p.decodeAny(a)
		if err != nil {
			return nil, err
		}
		raw[i] = v
	}
	return p.registry.Open(p.inv, req.Name, raw...)
}

func (p *protocolHandler) call(req callRequest) (any, error) {
	obj, ok := p.handles.get(req.Handle)
	if !ok {
		return nil, fmt.Errorf("unknown handle %d", req.Handle)
	}
	m := reflect.ValueOf(obj).MethodByName(exportedName(req.Method))
	if !m.IsValid() {
		return nil, fmt.Errorf("%T has no method %s", obj, req.Method)
	}

	mt := m.Type()
	count := mt.NumIn()
	if mt.IsVariadic() {
		count = max(mt.NumIn()-1, len(req.Args))
	}
	in := make([]reflect.Value, 0, count)
	for i := range count {
		pt := paramType(mt, i)
		if pt.Kind() == reflect.Func {
			return nil, fmt.Errorf("%s: callbacks are not available to guests", req.Method)
		}
		if i >= len(req.Args) {
			in = append(in, reflect.Zero(pt))
			continue
		}
		v, err := p.decodeArg(req.Args[i], pt)
		if err != nil {
			return nil, fmt.Errorf("%s: argument %d: %w", req.Method, i, err)
		}
		in = append(in, v)
	}

	out := m.Call(in)
	if n := len(out); n > 0 && mt.Out(n-1) == errorType {
		if err, _ := out[n-1].Interface().(error); err != nil {
			return nil, err
		}
		out = out[:n-1]
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0].Interface(), nil
}

var errorType = reflect.TypeFor[error]()

func paramType(mt reflect.Type, i int) reflect.Type {
	if mt.IsVariadic() && i >= mt.NumIn()-1 {
		return mt.In(mt.NumIn() - 1).Elem()
	}
	return mt.In(i)
}

func exportedName(method string) string {
	if method == "" {
		return ""
	}
	r := []rune(method)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// decodeArg decodes one JSON argument into a value of type t. Byte
// parameters accept plain strings, and object parameters accept handles.
func (p *protocolHandler) decodeArg(raw json.RawMessage, t reflect.Type) (reflect.Value, error) {
	if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
		b, err := p.decodeBytes(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b).Convert(t), nil
	}

	var ref handleRef
	if t.Kind() == reflect.Pointer || t.Kind() == reflect.Interface {
		if err := json.Unmarshal(raw, &ref); err == nil && ref.Handle != 0 {
			if obj, ok := p.handles.get(ref.Handle); ok && reflect.TypeOf(obj).AssignableTo(t) {
				return reflect.ValueOf(obj), nil
			}
		}
	}

	if t.Kind() == reflect.Interface {
		v, err := p.decodeAny(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		if v == nil {
			return reflect.Zero(t), nil
		}
		return reflect.ValueOf(v), nil
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}

func (p *protocolHandler) decodeBytes(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s), nil
	}
	var br bytesRef
	if err := json.Unmarshal(raw, &br); err == nil && br.Bytes != "" {
		return base64.StdEncoding.DecodeString(br.Bytes)
	}
	var nums []int
	if err := json.Unmarshal(raw, &nums); err != nil {
		return nil, fmt.Errorf("expected bytes: %w", err)
	}
	arr := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("byte value %d out of range", n)
		}
		arr[i] = byte(n)
	}
	return arr, nil
}

// decodeAny decodes untyped JSON, resolving handle and bytes objects.
// Integral numbers become int64, matching values coming from scripts.
func (p *protocolHandler) decodeAny(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return p.resolve(v), nil
}

func (p *protocolHandler) resolve(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = p.resolve(x[i])
		}
		return x
	case map[string]any:
		if len(x) == 1 {
			if h, ok := x["handle"].(json.Number); ok {
				if id, err := h.Int64(); err == nil {
					if obj, ok := p.handles.get(uint32(id)); ok {
						return obj
					}
				}
			}
			if s, ok := x["bytes"].(string); ok {
				if b, err := base64.StdEncoding.DecodeString(s); err == nil {
					return hostfunc.Buffer(b)
				}
			}
		}
		for k := range x {
			x[k] = p.resolve(x[k])
		}
		return x
	}
	return v
}

// encode turns a host value into its wire form: objects become handles,
// byte slices become bytesRef, everything else is plain JSON.
func (p *protocolHandler) encode(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case hostfunc.Buffer:
		return bytesRef{Bytes: base64.StdEncoding.EncodeToString(x)}
	case []byte:
		return bytesRef{Bytes: base64.StdEncoding.EncodeToString(x)}
	case string, bool, int, int64, float64:
		return v
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return handleRef{Handle: p.handles.insert(v)}
	case reflect.Struct, reflect.Func:
		return handleRef{Handle: p.handles.insert(v)}
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = p.encode(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = p.encode(iter.Value().Interface())
		}
		return out
	}
	return v
}

// Result returns the value the guest passed to "return".
func (p *protocolHandler) Result() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func (p *protocolHandler) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realStderr.String()
}
