package service

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/caffeineduck/cube/hostfunc"
)

// Response is a ServiceResponse: status, headers, cookies and body built by
// a handler. It can be changed until the transport takes it over.
type Response struct {
	mu      sync.Mutex
	status  int
	header  http.Header
	cookies []*http.Cookie
	data    []byte
	sealed  bool
}

// NewResponse builds a response. Header values may be strings or numbers.
func NewResponse(status int, header map[string]any, data []byte) (*Response, error) {
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	h := make(http.Header, len(header))
	for k, v := range header {
		s, err := headerValue(k, v)
		if err != nil {
			return nil, err
		}
		h.Set(k, s)
	}
	return &Response{status: status, header: h, data: data}, nil
}

func checkStatus(status int) error {
	if status < 100 || status > 999 {
		return hostfunc.NewError(hostfunc.KindInvalidArguments, "response", "invalid status %d", status)
	}
	return nil
}

func headerValue(name string, v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case int:
		return strconv.Itoa(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	}
	return "", hostfunc.NewError(hostfunc.KindInvalidArguments, "response", "header %s must be a string or number, got %T", name, v)
}

func (r *Response) modify(fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return &hostfunc.Error{Kind: hostfunc.KindResponseStarted, Op: "response", Detail: "response already sent"}
	}
	fn()
	return nil
}

func (r *Response) SetStatus(status int) error {
	if err := checkStatus(status); err != nil {
		return err
	}
	return r.modify(func() { r.status = status })
}

func (r *Response) SetHeader(name string, value any) error {
	s, err := headerValue(name, value)
	if err != nil {
		return err
	}
	return r.modify(func() { r.header.Set(name, s) })
}

func (r *Response) SetData(data []byte) error {
	return r.modify(func() { r.data = data })
}

func (r *Response) SetCookie(name, value string) error {
	if name == "" {
		return hostfunc.NewError(hostfunc.KindInvalidArguments, "response", "cookie name required")
	}
	return r.modify(func() {
		r.cookies = append(r.cookies, &http.Cookie{Name: name, Value: value, Path: "/"})
	})
}

func (r *Response) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Response) Header() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.Clone()
}

func (r *Response) Data() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}

func (r *Response) String() string {
	return fmt.Sprintf("ServiceResponse(%d)", r.Status())
}

// WriteTo seals the response and writes it to w.
func (r *Response) WriteTo(w http.ResponseWriter) error {
	r.mu.Lock()
	r.sealed = true
	status, header, cookies, data := r.status, r.header, r.cookies, r.data
	r.mu.Unlock()

	h := w.Header()
	for k, v := range header {
		h[k] = v
	}
	for _, c := range cookies {
		http.SetCookie(w, c)
	}
	w.WriteHeader(status)
	_, err := w.Write(data)
	return err
}
