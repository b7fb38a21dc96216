package internal

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8192

	// defaultSendBuffer bounds the per-connection send queue. A recipient that
	// stops draining fills the queue and subsequent sends fail immediately,
	// which the manager treats as a dead connection.
	defaultSendBuffer = 256
)

var (
	errSinkClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Sink is a send-capable handle for one live connection. The manager only
// ever talks to sinks, never to raw websockets, which keeps the delivery
// logic testable without network plumbing.
type Sink interface {
	Send(payload []byte) error
	Close()
}

// wsSink pairs a websocket connection with a buffered send queue drained by a
// single write pump, so concurrent senders never interleave writes on the
// socket and per-sink delivery order matches enqueue order.
type wsSink struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSSink(conn *websocket.Conn, buffer int) *wsSink {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	sink := &wsSink{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	go sink.writePump()
	return sink
}

func (s *wsSink) Send(payload []byte) error {
	if payload == nil {
		return nil
	}
	select {
	case <-s.done:
		return errSinkClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return errSinkClosed
	default:
		return errSendBufferFull
	}
}

func (s *wsSink) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *wsSink) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func closeQuiet(s Sink) {
	if s != nil {
		s.Close()
	}
}
