package service

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/cube/hostfunc"
	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// WebSocket is the ServiceWebSocket of an upgraded context.
type WebSocket struct {
	conn   *websocket.Conn
	wmu    sync.Mutex
	closed atomic.Bool
}

func newWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

type Message struct {
	MessageType int
	Data        hostfunc.Buffer
}

// Read blocks for the next data message. It returns null once the
// connection is closed by either side.
func (s *WebSocket) Read() (*Message, error) {
	if s.closed.Load() {
		return nil, nil
	}
	mt, data, err := s.conn.ReadMessage()
	if err != nil {
		if s.closed.Load() || errors.Is(err, net.ErrClosed) ||
			websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, nil
		}
		return nil, err
	}
	return &Message{MessageType: mt, Data: data}, nil
}

func (s *WebSocket) write(mt int, data []byte) error {
	if s.closed.Load() {
		return &hostfunc.Error{Kind: hostfunc.KindClosed, Op: "websocket", Detail: "send"}
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteMessage(mt, data)
}

// Send writes data as a text frame.
func (s *WebSocket) Send(data []byte) error {
	return s.write(websocket.TextMessage, data)
}

func (s *WebSocket) SendBinary(data []byte) error {
	return s.write(websocket.BinaryMessage, data)
}

// Close sends a close frame and releases the connection. It is idempotent.
func (s *WebSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	s.wmu.Unlock()
	return s.conn.Close()
}
