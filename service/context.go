package service

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/cube/hostfunc"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultMaxBodySize     = 10 << 20 // 10MB
	defaultMultipartMemory = 32 << 20
)

// ErrIdleTimeout is the cancellation cause callers use when the idle
// deadline armed by WithIdleTimeout expires.
var ErrIdleTimeout = errors.New("idle timeout")

// State is the lifecycle position of a Context.
type State int

const (
	StateCreated State = iota
	StateReading
	StateResponding
	StateUpgraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReading:
		return "reading"
	case StateResponding:
		return "responding"
	case StateUpgraded:
		return "upgraded"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Option func(*Context)

func WithPathVariables(vars map[string]string) Option {
	return func(c *Context) {
		c.vars = vars
	}
}

// WithIdleTimeout arms an idle deadline; onExpire runs on its own
// goroutine when it passes without a ResetTimeout.
func WithIdleTimeout(d time.Duration, onExpire func()) Option {
	return func(c *Context) {
		c.idle = d
		c.onExpire = onExpire
	}
}

func WithMaxBodySize(n int64) Option {
	return func(c *Context) {
		c.maxBody = n
	}
}

func WithUpgrader(u *websocket.Upgrader) Option {
	return func(c *Context) {
		c.upgrader = u
	}
}

// Context is the ServiceContext of one request. It is owned by the
// invocation handling that request.
type Context struct {
	w http.ResponseWriter
	r *http.Request

	vars     map[string]string
	maxBody  int64
	upgrader *websocket.Upgrader
	idle     time.Duration
	onExpire func()

	mu        sync.Mutex
	state     State
	streaming bool // write or flush happened
	building  bool // a Response was constructed
	timer     *time.Timer

	bodyOnce sync.Once
	body     []byte
	bodyErr  error
	formErr  error
	formOnce sync.Once

	ws *WebSocket
}

func NewContext(w http.ResponseWriter, r *http.Request, opts ...Option) *Context {
	c := &Context{
		w:        w,
		r:        r,
		maxBody:  DefaultMaxBodySize,
		upgrader: &websocket.Upgrader{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.vars == nil {
		c.vars = map[string]string{}
	}
	if c.idle > 0 && c.onExpire != nil {
		c.timer = time.AfterFunc(c.idle, c.onExpire)
	}
	return c
}

func (c *Context) Request() *http.Request { return c.r }

func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handled reports whether the transport already received the response,
// by streaming or by an upgrade.
func (c *Context) Handled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming || c.state == StateUpgraded
}

// reading moves a fresh context into Reading.
func (c *Context) reading() {
	c.mu.Lock()
	if c.state == StateCreated {
		c.state = StateReading
	}
	c.mu.Unlock()
}

func (c *Context) GetHeader() map[string]string {
	c.reading()
	h := make(map[string]string, len(c.r.Header))
	for name, values := range c.r.Header {
		if len(values) > 0 {
			h[name] = strings.Join(values, ", ")
		}
	}
	return h
}

type URL struct {
	Path   string
	Params map[string][]string
}

func (c *Context) GetURL() *URL {
	c.reading()
	params := map[string][]string{}
	for k, v := range c.r.URL.Query() {
		params[k] = v
	}
	return &URL{Path: c.r.URL.Path, Params: params}
}

func (c *Context) GetMethod() string {
	c.reading()
	return c.r.Method
}

func (c *Context) GetPathVariables() map[string]string {
	c.reading()
	return c.vars
}

// GetBody reads the whole request body once. Later calls, and form
// parsing, see the same bytes.
func (c *Context) GetBody() (hostfunc.Buffer, error) {
	c.reading()
	c.loadBody()
	return c.body, c.bodyErr
}

func (c *Context) loadBody() {
	c.bodyOnce.Do(func() {
		if c.r.Body == nil {
			c.body = hostfunc.Buffer{}
			return
		}
		defer c.r.Body.Close()
		b, err := io.ReadAll(io.LimitReader(c.r.Body, c.maxBody+1))
		if err != nil {
			c.bodyErr = err
			return
		}
		if int64(len(b)) > c.maxBody {
			c.bodyErr = fmt.Errorf("request body exceeds %d bytes", c.maxBody)
			return
		}
		c.body = b
		c.r.Body = io.NopCloser(bytes.NewReader(b))
	})
}

func (c *Context) parseForm() error {
	c.formOnce.Do(func() {
		c.loadBody()
		if c.bodyErr != nil {
			c.formErr = c.bodyErr
			return
		}
		ct, _, _ := mime.ParseMediaType(c.r.Header.Get("Content-Type"))
		if ct == "multipart/form-data" {
			c.formErr = c.r.ParseMultipartForm(defaultMultipartMemory)
			return
		}
		c.formErr = c.r.ParseForm()
	})
	return c.formErr
}

func (c *Context) GetForm() (map[string][]string, error) {
	c.reading()
	if err := c.parseForm(); err != nil {
		return nil, err
	}
	form := make(map[string][]string, len(c.r.Form))
	for k, v := range c.r.Form {
		form[k] = v
	}
	return form, nil
}

type File struct {
	Name string
	Size int64
	Data hostfunc.Buffer
}

// GetFile returns the uploaded file of the form field name, or nil when
// there is none.
func (c *Context) GetFile(name string) (*File, error) {
	c.reading()
	if err := c.parseForm(); err != nil {
		return nil, err
	}
	if c.r.MultipartForm == nil {
		return nil, nil
	}
	f, header, err := c.r.FormFile(name)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return &File{Name: header.Filename, Size: header.Size, Data: data}, nil
}

type Certificate struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    string
	NotAfter     string
	Raw          hostfunc.Buffer
}

// GetCerts returns the client certificate chain the transport verified,
// leaf first. It is empty when no certificate was presented.
func (c *Context) GetCerts() []*Certificate {
	c.reading()
	certs := []*Certificate{}
	if c.r.TLS == nil || len(c.r.TLS.VerifiedChains) == 0 {
		return certs
	}
	for _, cert := range c.r.TLS.PeerCertificates {
		certs = append(certs, &Certificate{
			Subject:      cert.Subject.String(),
			Issuer:       cert.Issuer.String(),
			SerialNumber: cert.SerialNumber.String(),
			NotBefore:    cert.NotBefore.UTC().Format(time.RFC3339),
			NotAfter:     cert.NotAfter.UTC().Format(time.RFC3339),
			Raw:          cert.Raw,
		})
	}
	return certs
}

type Cookie struct {
	Name  string
	Value string
}

// GetCookie returns the named request cookie, or nil.
func (c *Context) GetCookie(name string) *Cookie {
	c.reading()
	ck, err := c.r.Cookie(name)
	if err != nil {
		return nil
	}
	return &Cookie{Name: ck.Name, Value: ck.Value}
}

// Reader reads the request body incrementally.
type Reader struct {
	r *bufio.Reader
}

// ReadByte returns the next byte, or -1 at the end of the body.
func (r *Reader) ReadByte() (int, error) {
	b, err := r.r.ReadByte()
	if err == io.EOF {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return int(b), nil
}

// Read returns up to count bytes, or null at the end of the body.
func (r *Reader) Read(count int) (hostfunc.Buffer, error) {
	if count <= 0 {
		return hostfunc.Buffer{}, nil
	}
	buf := make([]byte, count)
	n, err := r.r.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == io.EOF {
		return nil, nil
	}
	return nil, err
}

func (c *Context) GetReader() *Reader {
	c.reading()
	body := c.r.Body
	if body == nil {
		body = http.NoBody
	}
	return &Reader{r: bufio.NewReader(io.LimitReader(body, c.maxBody))}
}

type Pusher struct {
	p http.Pusher
}

// Push initiates an HTTP/2 server push of target. options may carry
// "method" and "header".
func (p *Pusher) Push(target string, options map[string]any) error {
	var opts *http.PushOptions
	if options != nil {
		opts = &http.PushOptions{Header: http.Header{}}
		opts.Method, _ = options["method"].(string)
		if h, ok := options["header"].(map[string]any); ok {
			for k, v := range h {
				opts.Header.Set(k, fmt.Sprint(v))
			}
		}
	}
	return p.p.Push(target, opts)
}

func (c *Context) GetPusher() (*Pusher, error) {
	c.reading()
	p, ok := c.w.(http.Pusher)
	if !ok {
		return nil, errors.New("server push not supported")
	}
	return &Pusher{p: p}, nil
}

// streamable checks, under c.mu, that the raw writer may be used.
func (c *Context) streamable(op string) error {
	switch {
	case c.state == StateUpgraded:
		return &hostfunc.Error{Kind: hostfunc.KindUpgradePerformed, Op: op}
	case c.state == StateClosed:
		return &hostfunc.Error{Kind: hostfunc.KindClosed, Op: op}
	case c.building:
		return &hostfunc.Error{Kind: hostfunc.KindResponseStarted, Op: op, Detail: "a response was already built"}
	}
	return nil
}

func (c *Context) startStreaming() {
	if !c.streaming {
		c.streaming = true
		c.state = StateResponding
		c.w.Header().Set("X-Content-Type-Options", "nosniff")
	}
}

// Write streams data to the client. Response headers are sent with the
// first write.
func (c *Context) Write(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.streamable("write"); err != nil {
		return 0, err
	}
	c.startStreaming()
	return c.w.Write(data)
}

func (c *Context) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.streamable("flush"); err != nil {
		return err
	}
	f, ok := c.w.(http.Flusher)
	if !ok {
		return errors.New("flush not supported")
	}
	c.startStreaming()
	f.Flush()
	return nil
}

// BeginResponse marks the request as answered by a built Response.
func (c *Context) BeginResponse() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateUpgraded:
		return &hostfunc.Error{Kind: hostfunc.KindUpgradePerformed, Op: "response"}
	case c.state == StateClosed:
		return &hostfunc.Error{Kind: hostfunc.KindClosed, Op: "response"}
	case c.streaming:
		return &hostfunc.Error{Kind: hostfunc.KindResponseStarted, Op: "response", Detail: "body is being streamed"}
	}
	c.building = true
	return nil
}

// ResetTimeout re-arms the idle deadline ms milliseconds from now;
// ms <= 0 disables it.
func (c *Context) ResetTimeout(ms int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateUpgraded:
		return &hostfunc.Error{Kind: hostfunc.KindUpgradePerformed, Op: "resetTimeout"}
	case StateClosed:
		return &hostfunc.Error{Kind: hostfunc.KindClosed, Op: "resetTimeout"}
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	if ms <= 0 || c.onExpire == nil {
		return nil
	}
	d := time.Duration(ms) * time.Millisecond
	if c.timer == nil {
		c.timer = time.AfterFunc(d, c.onExpire)
	} else {
		c.timer.Reset(d)
	}
	return nil
}

// UpgradeToWebSocket hands the connection over to a WebSocket. It can
// happen once, and not after streaming started. The idle deadline no
// longer applies afterwards.
func (c *Context) UpgradeToWebSocket() (*WebSocket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateUpgraded:
		return nil, &hostfunc.Error{Kind: hostfunc.KindUpgradePerformed, Op: "upgradeToWebSocket"}
	case c.state == StateClosed:
		return nil, &hostfunc.Error{Kind: hostfunc.KindClosed, Op: "upgradeToWebSocket"}
	case c.streaming:
		return nil, &hostfunc.Error{Kind: hostfunc.KindResponseStarted, Op: "upgradeToWebSocket"}
	}

	conn, err := c.upgrader.Upgrade(c.w, c.r, nil)
	if err != nil {
		// the upgrader already answered with an HTTP error
		c.streaming = true
		c.state = StateResponding
		return nil, err
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.state = StateUpgraded
	c.ws = newWebSocket(conn)
	return c.ws, nil
}

// Close ends the context: the idle timer stops and an open WebSocket is
// closed. It is idempotent.
func (c *Context) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	if c.timer != nil {
		c.timer.Stop()
	}
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		if err := ws.Close(); err != nil {
			Logger().Debug("close websocket", zap.String("path", c.r.URL.Path), zap.Error(err))
		}
	}
}
