package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// sendBufferSize is the bounded per-socket outbound buffer (spec.md §4.9
// "bounded per-socket send buffer"), grounded on the teacher's
// `Send chan []byte` sized by WriteChannelSize.
const sendBufferSize = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// socket wraps one gorilla/websocket connection. It implements
// connection.Socket and broadcast.Sender without either package depending
// on gorilla/websocket directly.
type socket struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	log       zerolog.Logger

	onClose func(s *socket)
}

func newSocket(id string, conn *websocket.Conn, log zerolog.Logger, onClose func(*socket)) *socket {
	return &socket{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		log:     log,
		onClose: onClose,
	}
}

func (s *socket) ID() string { return s.id }

// Enqueue implements broadcast.Sender: non-blocking, bounded.
func (s *socket) Enqueue(payload []byte) bool {
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Disconnect closes the socket's send channel, ending WritePump, and closes
// the underlying connection. Idempotent (spec.md §4.8 "disconnected and
// removed" must tolerate being invoked from both pumps and a sweep).
func (s *socket) Disconnect() {
	s.closeOnce.Do(func() {
		close(s.send)
		s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 25 * time.Second
)

// readPump reads JSON frames until the connection errors or closes,
// invoking handle for each decoded frame. Grounded on the teacher's
// ReadPump (network.go): set a read deadline, refresh it on pong, loop
// ReadMessage.
func (s *socket) readPump(handle func(raw []byte), touch func()) {
	defer s.Disconnect()

	s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readDeadline))
		touch()
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Info().Str("socketId", s.id).Err(err).Msg("socket closed unexpectedly")
			}
			return
		}
		touch()
		handle(message)
	}
}

// writePump drains s.send and a keepalive ping ticker onto the connection,
// one frame per write (no batching — spec.md §6 specifies one JSON frame
// per logical message, unlike the teacher's binary batching).
func (s *socket) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
