package hostfunc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const maxDatagram = 65535

// socketConn is the part shared by TCP and UDP connections. Close is
// idempotent and turns pending and later reads into EOF, reported to
// scripts as null.
type socketConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	closed  atomic.Bool
	mu      sync.Mutex
	timeout time.Duration
	stop    func() bool
}

// init wraps conn and closes it when ctx ends, unblocking pending I/O.
func (c *socketConn) init(ctx context.Context, conn net.Conn) {
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.stop = context.AfterFunc(ctx, func() { c.Close() })
}

// SetTimeout bounds each later read and write; ms <= 0 removes the bound.
func (c *socketConn) SetTimeout(ms int64) {
	c.mu.Lock()
	c.timeout = millis(ms)
	c.mu.Unlock()
}

func (c *socketConn) deadline() {
	c.mu.Lock()
	d := c.timeout
	c.mu.Unlock()
	if d > 0 {
		c.conn.SetDeadline(time.Now().Add(d))
	} else {
		c.conn.SetDeadline(time.Time{})
	}
}

// result maps read errors: EOF and local close end the stream quietly,
// deadline expiry becomes a Timeout.
func (c *socketConn) result(b []byte, err error) (Buffer, error) {
	if err == nil {
		return Buffer(b), nil
	}
	var ne net.Error
	switch {
	case c.closed.Load(), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		if len(b) > 0 {
			return Buffer(b), nil
		}
		return nil, nil
	case errors.As(err, &ne) && ne.Timeout():
		return nil, &Error{Kind: KindTimeout, Op: "socket", Detail: "read", Cause: err}
	}
	return nil, err
}

// Read returns exactly size bytes, fewer at end of stream, or whatever is
// available when size <= 0.
func (c *socketConn) Read(size int) (Buffer, error) {
	if c.closed.Load() {
		return nil, nil
	}
	c.deadline()
	if size <= 0 {
		buf := make([]byte, 4096)
		n, err := c.reader.Read(buf)
		return c.result(buf[:n], err)
	}
	buf := make([]byte, size)
	n, err := io.ReadFull(c.reader, buf)
	return c.result(buf[:n], err)
}

func (c *socketConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.stop()
	return c.conn.Close()
}

func (c *socketConn) writeErr(err error) error {
	if c.closed.Load() {
		return &Error{Kind: KindClosed, Op: "socket", Detail: "write"}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Op: "socket", Detail: "write", Cause: err}
	}
	return err
}

type TCPConn struct {
	socketConn
}

// ReadLine returns the next line including its terminator.
func (c *TCPConn) ReadLine() (Buffer, error) {
	if c.closed.Load() {
		return nil, nil
	}
	c.deadline()
	line, err := c.reader.ReadBytes('\n')
	return c.result(line, err)
}

func (c *TCPConn) Write(data []byte) (int, error) {
	if c.closed.Load() {
		return 0, c.writeErr(net.ErrClosed)
	}
	c.deadline()
	n, err := c.conn.Write(data)
	if err != nil {
		return n, c.writeErr(err)
	}
	return n, nil
}

func (c *TCPConn) RemoteAddress() string {
	return c.conn.RemoteAddr().String()
}

type TCPListener struct {
	inv    *Invocation
	l      net.Listener
	closed atomic.Bool
	stop   func() bool
}

func (l *TCPListener) Accept() (*TCPConn, error) {
	conn, err := l.l.Accept()
	if err != nil {
		if l.closed.Load() {
			return nil, &Error{Kind: KindClosed, Op: "socket", Detail: "listener closed"}
		}
		return nil, err
	}
	return trackTCP(l.inv, conn), nil
}

func (l *TCPListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.stop()
	return l.l.Close()
}

func (l *TCPListener) Port() int {
	if a, ok := l.l.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

func trackTCP(inv *Invocation, conn net.Conn) *TCPConn {
	c := &TCPConn{}
	c.init(inv.Context(), conn)
	inv.Defer(func() { c.Close() })
	return c
}

// TCPSocket is the script-facing socket("tcp") capability.
type TCPSocket struct {
	inv    *Invocation
	policy netPolicy
}

func (s *TCPSocket) Dial(host string, port int) (*TCPConn, error) {
	if err := s.policy.checkHost(host); err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(s.inv.Context(), "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return trackTCP(s.inv, conn), nil
}

func (s *TCPSocket) Listen(port int) (*TCPListener, error) {
	if err := s.policy.checkListen(); err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	l, err := lc.Listen(s.inv.Context(), "tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	tl := &TCPListener{inv: s.inv, l: l}
	tl.stop = context.AfterFunc(s.inv.Context(), func() { tl.Close() })
	s.inv.Defer(func() { tl.Close() })
	return tl, nil
}

type UDPConn struct {
	socketConn
	udp *net.UDPConn
}

// Read returns one datagram, truncated to size when size > 0.
func (c *UDPConn) Read(size int) (Buffer, error) {
	if c.closed.Load() {
		return nil, nil
	}
	c.deadline()
	if size <= 0 || size > maxDatagram {
		size = maxDatagram
	}
	buf := make([]byte, size)
	n, err := c.udp.Read(buf)
	return c.result(buf[:n], err)
}

// Write sends data to the connected peer, or to host:port when given.
func (c *UDPConn) Write(data []byte, host string, port int) (int, error) {
	if c.closed.Load() {
		return 0, c.writeErr(net.ErrClosed)
	}
	c.deadline()
	var (
		n   int
		err error
	)
	if host != "" && port != 0 {
		var addr *net.UDPAddr
		addr, err = net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return 0, err
		}
		n, err = c.udp.WriteToUDP(data, addr)
	} else {
		n, err = c.udp.Write(data)
	}
	if err != nil {
		return n, c.writeErr(err)
	}
	return n, nil
}

func trackUDP(inv *Invocation, conn *net.UDPConn) *UDPConn {
	c := &UDPConn{udp: conn}
	c.init(inv.Context(), conn)
	inv.Defer(func() { c.Close() })
	return c
}

// UDPSocket is the script-facing socket("udp") capability.
type UDPSocket struct {
	inv    *Invocation
	policy netPolicy
}

func (s *UDPSocket) Dial(host string, port int) (*UDPConn, error) {
	if err := s.policy.checkHost(host); err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	return trackUDP(s.inv, conn), nil
}

func (s *UDPSocket) Listen(port int) (*UDPConn, error) {
	if err := s.policy.checkListen(); err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return trackUDP(s.inv, conn), nil
}

func (s *UDPSocket) ListenMulticast(host string, port int) (*UDPConn, error) {
	if err := s.policy.checkListen(); err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenMulticastUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	return trackUDP(s.inv, conn), nil
}
