package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var (
	// ErrTransportClosed is returned when sending to a session that has been closed.
	ErrTransportClosed = errors.New("realtime: transport closed")
	// ErrSendBufferFull is returned when a slow client has not drained its outbound queue.
	ErrSendBufferFull = errors.New("realtime: send buffer full")
)

// Session adapts one gorilla websocket connection to the Transport interface. Frames are queued
// on a buffered channel and written by a single pump, preserving per-connection order.
type Session struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func newSession(conn *websocket.Conn, buffer int, logger *zap.Logger) *Session {
	return &Session{
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send queues payload without blocking.
func (s *Session) Send(payload []byte) error {
	select {
	case <-s.done:
		return ErrTransportClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return ErrTransportClosed
	default:
		return ErrSendBufferFull
	}
}

// Close writes a close frame carrying code and reason, then tears down the connection.
// Subsequent calls are no-ops.
func (s *Session) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(writeWait)
		writeErr := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
			err = writeErr
		}
		if closeErr := s.conn.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.abort(err)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.abort(err)
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.abort(err)
				return
			}
		}
	}
}

func (s *Session) abort(err error) {
	s.logger.Debug("websocket write failed", zap.Error(err))
	_ = s.Close(websocket.CloseInternalServerErr, "write failed")
}
