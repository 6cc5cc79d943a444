package relay

import (
	"bufio"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/tenzoki/relaybroker/internal/logging"
)

// Session is one connected TCP stream with a current name. The registry owns
// the name→Session index; a Session owns its own read buffer and outbound
// write queue so concurrent producers on the same connection never interleave
// writes.
type Session struct {
	// internalID distinguishes Session values independent of the
	// (mutable, racy-to-read-without-the-lock) Name field; stamped into
	// error-path log lines so a renamed-and-reconnected peer's read/write
	// failures can still be correlated to one physical connection.
	internalID string

	conn net.Conn

	mu   sync.RWMutex // protects name
	name string

	srv *Server
	log *logging.Logger

	writeMu    sync.Mutex
	writeQueue [][]byte
	writing    bool

	closeOnce sync.Once
}

func newSession(conn net.Conn, name string, srv *Server, log *logging.Logger) *Session {
	return &Session{
		internalID: uuid.NewString(),
		conn:       conn,
		name:       name,
		srv:        srv,
		log:        log,
	}
}

// Name returns the session's current registered name.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// RemoteAddr returns the "ip:port" of the peer, or "unknown" if unavailable.
func (s *Session) RemoteAddr() string {
	if s.conn == nil {
		return "unknown"
	}
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// Enqueue appends a fully-formed line to the session's outbound write queue.
// If the queue was empty, a write is started immediately; otherwise the
// pending writer will pick this line up when it finishes the current one.
func (s *Session) Enqueue(line string) {
	s.writeMu.Lock()
	s.writeQueue = append(s.writeQueue, []byte(line))
	if s.writing {
		s.writeMu.Unlock()
		return
	}
	s.writing = true
	head := s.writeQueue[0]
	s.writeMu.Unlock()

	go s.drainFrom(head)
}

// drainFrom performs the blocking writes for the queue, starting with an
// already-dequeued head, then continuing while the queue is non-empty. Only
// one drainFrom goroutine is ever active per session (guarded by s.writing).
func (s *Session) drainFrom(head []byte) {
	line := head
	for {
		_, err := s.conn.Write(line)
		if err != nil {
			s.onWriteError(line, err)
			return
		}

		s.writeMu.Lock()
		s.writeQueue = s.writeQueue[1:]
		if len(s.writeQueue) == 0 {
			s.writing = false
			s.writeMu.Unlock()
			return
		}
		line = s.writeQueue[0]
		s.writeMu.Unlock()
	}
}

func (s *Session) onWriteError(failed []byte, err error) {
	s.log.Printf("exception at write error on %s [%s]: %v; %q", s.Name(), s.internalID, err, string(failed))
	s.srv.notifyWriteFailure(failed)
	s.srv.logout(s)
}

// readLines runs the per-session read loop, invoking dispatch for every
// complete line. It returns when the connection errors or is closed.
func (s *Session) readLines(dispatch func(s *Session, line string)) {
	reader := bufio.NewReader(s.conn)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 && err == nil {
			dispatch(s, line[:len(line)-1])
			continue
		}
		if len(line) > 0 && err != nil {
			// Partial line without a trailing newline: held, never dispatched.
		}
		if err != nil {
			s.onReadError(err)
			return
		}
	}
}

func (s *Session) onReadError(err error) {
	s.log.Printf("exception at read error on %s [%s]: %v", s.Name(), s.internalID, err)
	s.srv.logout(s)
}

// Close closes the underlying connection exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}
