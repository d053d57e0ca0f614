package server

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"codecollab/services/realtime/internal/chat"
	"codecollab/services/realtime/internal/gate"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
	maxFrameBytes = chat.MaxBodyBytes + 4<<10
)

// session is one admitted WebSocket connection. It implements rooms.Member.
// Only writePump writes to conn.
type session struct {
	info    gate.Session
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	logger  *slog.Logger
	joined  atomic.Bool

	closeOnce sync.Once
	closeCode int
	closeText string
}

func newSession(info gate.Session, conn *websocket.Conn, buffer int, limiter *rate.Limiter, logger *slog.Logger) *session {
	return &session{
		info:    info,
		conn:    conn,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		limiter: limiter,
		logger:  logger,
	}
}

func (s *session) ID() string { return s.info.ID }

// Enqueue never blocks. A full queue or a closing session refuses the frame.
func (s *session) Enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// close asks writePump to send a close frame and drop the connection. It
// reports whether this call initiated the close.
func (s *session) close(code int, text string) bool {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.closeCode = code
		s.closeText = text
		close(s.done)
	})
	return first
}

func (s *session) sendError(message, id string) {
	frame, err := chat.EncodeEvent(chat.EventError, chat.ErrorPayload{Message: message, ID: id})
	if err != nil {
		return
	}
	if !s.Enqueue(frame) {
		s.close(websocket.ClosePolicyViolation, "send queue full")
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("ws_write_failed", "err", err)
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-s.done:
			if s.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(s.closeCode, s.closeText)
				_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			return
		}
	}
}
