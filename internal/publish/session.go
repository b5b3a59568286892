package publish

import (
	"sync"

	"github.com/zsiec/castor/internal/endpoint"
	"github.com/zsiec/castor/internal/sender"
	"github.com/zsiec/castor/internal/socket"
	"github.com/zsiec/castor/internal/srt"
)

// session is the state of one connection attempt. It is never reused.
type session struct {
	url string
	ep  endpoint.Endpoint
	sdp string

	mu    sync.Mutex
	conn  *srt.Conn
	socks []socket.Socket
	snd   *sender.Sender
	up    bool
	ended bool
	cause error
}

func (s *session) isUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up && !s.ended
}

func (s *session) srtConn() *srt.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *session) addSocket(sock socket.Socket) {
	s.mu.Lock()
	s.socks = append(s.socks, sock)
	s.mu.Unlock()
}

// release closes the connection and every socket. It may be called more
// than once.
func (s *session) release() {
	s.mu.Lock()
	conn, socks := s.conn, s.socks
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	for _, sock := range socks {
		sock.Close()
	}
}
