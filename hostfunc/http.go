package hostfunc

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
)

type HTTPConfig struct {
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.MaxBodySize == 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.MaxURLLength == 0 {
		c.MaxURLLength = DefaultMaxURLLength
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// HTTPOptions is the transport configuration bound when a client is
// constructed.
type HTTPOptions struct {
	CACert             string
	Cert               string
	Key                string
	InsecureSkipVerify bool
	HTTP3              bool
	Proxy              string
}

func parseHTTPOptions(m map[string]any) (HTTPOptions, error) {
	var o HTTPOptions
	for k, v := range m {
		var ok bool
		switch k {
		case "caCert":
			o.CACert, ok = v.(string)
		case "cert":
			o.Cert, ok = v.(string)
		case "key":
			o.Key, ok = v.(string)
		case "insecureSkipVerify":
			o.InsecureSkipVerify, ok = v.(bool)
		case "isHttp3":
			o.HTTP3, ok = v.(bool)
		case "proxy":
			o.Proxy, ok = v.(string)
		default:
			return o, fmt.Errorf("unknown option %q", k)
		}
		if !ok && v != nil {
			return o, fmt.Errorf("option %q has wrong type", k)
		}
	}
	if o.HTTP3 && o.Proxy != "" {
		return o, errors.New("isHttp3 and proxy are exclusive")
	}
	if (o.Cert == "") != (o.Key == "") {
		return o, errors.New("cert and key must be given together")
	}
	return o, nil
}

func checkHTTPOptions(v any) error {
	m, _ := v.(map[string]any)
	_, err := parseHTTPOptions(m)
	return err
}

func (o HTTPOptions) tlsConfig() (*tls.Config, error) {
	cc := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify}
	if o.CACert != "" {
		cc.RootCAs = x509.NewCertPool()
		if !cc.RootCAs.AppendCertsFromPEM([]byte(o.CACert)) {
			return nil, errors.New("invalid ca certificate")
		}
	}
	if o.Cert != "" {
		cert, err := tls.X509KeyPair([]byte(o.Cert), []byte(o.Key))
		if err != nil {
			return nil, fmt.Errorf("invalid client certificate: %w", err)
		}
		cc.Certificates = []tls.Certificate{cert}
	}
	return cc, nil
}

func (o HTTPOptions) transport() (http.RoundTripper, error) {
	cc, err := o.tlsConfig()
	if err != nil {
		return nil, err
	}
	if o.HTTP3 {
		return &http3.Transport{TLSClientConfig: cc}, nil
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = cc
	if o.Proxy != "" {
		u, err := url.Parse(o.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy: %w", err)
		}
		t.Proxy = http.ProxyURL(u)
	}
	return t, nil
}

// HTTPClient is the script-facing http capability.
type HTTPClient struct {
	inv    *Invocation
	cfg    HTTPConfig
	policy netPolicy
	client *http.Client
}

func newHTTPClient(inv *Invocation, cfg HTTPConfig, policy netPolicy, opts HTTPOptions) (*HTTPClient, error) {
	cfg = cfg.withDefaults()
	rt, err := opts.transport()
	if err != nil {
		return nil, err
	}
	inv.Defer(func() {
		switch t := rt.(type) {
		case *http.Transport:
			t.CloseIdleConnections()
		case *http3.Transport:
			t.Close()
		}
	})
	return &HTTPClient{
		inv:    inv,
		cfg:    cfg,
		policy: policy,
		client: &http.Client{Transport: rt, Timeout: cfg.RequestTimeout},
	}, nil
}

// Request issues one request. The response body is read on first use.
func (h *HTTPClient) Request(method, rawURL string, header map[string]string, body any) (*HTTPResponse, error) {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}

	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}

	if rawURL == "" {
		return nil, errors.New("url required")
	}
	if len(rawURL) > h.cfg.MaxURLLength {
		return nil, errors.New("url exceeds max length")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.New("invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.New("scheme must be http or https")
	}
	if err := h.policy.checkHost(parsed.Hostname()); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		b, ok := ToBytes(body)
		if !ok {
			return nil, invalidArgs("http", "body must be string or bytes")
		}
		if int64(len(b)) > h.cfg.MaxBodySize {
			return nil, errors.New("request body exceeds max size")
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(h.inv.Context(), method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	b := &Body{rc: resp.Body, limit: h.cfg.MaxBodySize}
	h.inv.Defer(func() { b.Close() })
	return &HTTPResponse{Status: resp.StatusCode, Header: headers, Data: b}, nil
}

type HTTPResponse struct {
	Status int
	Header map[string]string
	Data   *Body
}

// Body reads a response body at most once, capped at the client's
// MaxBodySize.
type Body struct {
	rc    io.ReadCloser
	limit int64

	once sync.Once
	data []byte
	err  error
}

func (b *Body) load() ([]byte, error) {
	b.once.Do(func() {
		defer b.rc.Close()
		b.data, b.err = io.ReadAll(io.LimitReader(b.rc, b.limit))
	})
	return b.data, b.err
}

func (b *Body) Bytes() (Buffer, error) {
	d, err := b.load()
	return Buffer(d), err
}

func (b *Body) ToString(encoding string) (string, error) {
	d, err := b.load()
	if err != nil {
		return "", err
	}
	return Encode(d, encoding)
}

func (b *Body) ToJson() (any, error) {
	d, err := b.load()
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(d, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Close discards an unread body.
func (b *Body) Close() {
	b.once.Do(func() {
		b.err = errors.New("body closed")
		b.rc.Close()
	})
}
