package relay

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// session is one physical websocket connection. Outbound frames are queued
// without blocking and written in order by a single writer goroutine.
type session struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	queue [][]byte
	wake  chan struct{}
}

func newSession(conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
}

// send appends a frame to the outbound queue. It never blocks.
func (s *session) send(frame []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, frame)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// queued returns the number of frames not yet handed to the socket.
func (s *session) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// writeLoop drains the queue until the session is cancelled or a write fails.
func (s *session) writeLoop(writeTimeout time.Duration, onError func(error)) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, frame := range batch {
			wctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				onError(err)
				return
			}
		}
	}
}

// close performs a best-effort close handshake off the caller's goroutine.
func (s *session) close(reason string) {
	go func() {
		_ = s.conn.Close(websocket.StatusNormalClosure, reason)
		s.cancel()
	}()
}
