// Package relay implements the chat relay: a concurrent TCP acceptor, a
// named-session registry, and the directed-message / broadcast / command
// grammar that routes lines between connected sessions.
package relay

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/tenzoki/relaybroker/internal/logging"
)

// Server is a running relay: an accept loop feeding a shared Registry of
// named sessions.
type Server struct {
	registry *Registry
	log      *logging.Logger
	listener net.Listener
}

// NewServer creates a relay server ready to Serve. log may be nil, in which
// case logging.Default() is used.
func NewServer(log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	return &Server{
		registry: newRegistry(),
		log:      log,
	}
}

// Addr returns the listener's bound address once Serve/ServeListener has
// started accepting; it is nil beforehand.
func (srv *Server) Addr() net.Addr {
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// Serve listens on addr and runs the accept loop until ctx is cancelled. A
// listen failure is returned; accept errors are logged and the loop goes on.
func (srv *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return srv.ServeListener(ctx, ln)
}

// ServeListener runs the accept loop against an already-bound listener; tests
// use this to bind an ephemeral port ("127.0.0.1:0") and learn the assigned
// address before connecting.
func (srv *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv.listener = ln
	srv.log.Printf("relay listening on %s", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			srv.log.Printf("exception at accept: %v", err)
			continue
		}
		go srv.handleConn(conn)
	}
}

func (srv *Server) handleConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
	}

	s := newSession(conn, "", srv, srv.log)
	name := srv.registry.insertWithTicketedName(s)
	srv.log.Printf("login: %s %s", name, s.RemoteAddr())
	srv.broadcastNotify(fmt.Sprintf("login: %s", name))

	s.readLines(srv.dispatch)
}

// dispatch interprets a single complete line relative to sender's current
// name, routing it as a directed message, a wildcard broadcast, or a
// command.
func (srv *Server) dispatch(sender *Session, line string) {
	srv.log.Printf("%s >> %s", sender.Name(), line)

	if strings.ContainsRune(line, '<') {
		srv.dispatchDirected(sender, line)
		return
	}
	srv.dispatchCommand(sender, parseCommand(line))
}

func (srv *Server) dispatchDirected(sender *Session, line string) {
	msg := parseDirected(line)

	if target := srv.registry.Find(msg.Who); target != nil {
		srv.deliver(sender, target, msg.Body)
		return
	}

	if isWildcard(msg.Who) {
		re, err := compileWildcard(msg.Who)
		if err != nil {
			sender.Enqueue("% failed chat: invalid broadcast\n")
			return
		}
		var matched []*Session
		var names []string
		for _, candidate := range srv.registry.List() {
			if re.MatchString(candidate.Name()) {
				matched = append(matched, candidate)
				names = append(names, candidate.Name())
			}
		}
		if len(matched) == 0 {
			sender.Enqueue("% failed chat: invalid broadcast\n")
			return
		}
		sender.Enqueue(fmt.Sprintf("# broadcast: %s\n", strings.Join(names, " ")))
		for _, target := range matched {
			srv.deliver(sender, target, msg.Body)
		}
		return
	}

	sender.Enqueue("% failed chat: invalid client\n")
}

// deliver writes "<sender> >> <body>\n" to target's write queue.
func (srv *Server) deliver(sender, target *Session, body string) {
	target.Enqueue(fmt.Sprintf("%s >> %s\n", sender.Name(), body))
}

func (srv *Server) dispatchCommand(sender *Session, cmd commandLine) {
	switch cmd.Cmd {
	case "name":
		srv.handleName(sender, cmd.Arg)
	case "who":
		srv.handleWho(sender, cmd.Arg)
	case "protocol":
		srv.handleProtocol(sender, cmd.Arg)
	default:
		// Unknown command tokens, including the empty line, are silently
		// ignored.
	}
}

func (srv *Server) handleName(sender *Session, newName string) {
	old := sender.Name()
	if newName == "" || newName == old {
		sender.Enqueue(fmt.Sprintf("%% name: %s\n", old))
		return
	}
	if !ValidName(newName) || !srv.registry.Rename(sender, newName) {
		sender.Enqueue("% failed name: invalid or duplicate\n")
		return
	}
	sender.Enqueue(fmt.Sprintf("%% name: %s\n", newName))
	srv.broadcastNotify(fmt.Sprintf("name: %s becomes %s", old, newName))
}

func (srv *Server) handleWho(sender *Session, name string) {
	if name == "" {
		var names []string
		for _, s := range srv.registry.List() {
			names = append(names, s.Name())
		}
		sender.Enqueue(fmt.Sprintf("%% who: %s\n", strings.Join(names, " ")))
		return
	}
	target := srv.registry.Find(name)
	if target == nil {
		sender.Enqueue("% failed who: invalid client\n")
		return
	}
	sender.Enqueue(fmt.Sprintf("%% who: %s from %s\n", name, target.RemoteAddr()))
}

func (srv *Server) handleProtocol(sender *Session, version string) {
	if version == "" {
		version = "0"
	}
	if v, err := strconv.Atoi(version); err == nil && v == 0 {
		sender.Enqueue(fmt.Sprintf("%% protocol: %s\n", version))
		return
	}
	sender.Enqueue("% failed protocol: unsupported\n")
}

// logout removes s from the registry (if it still owns its claimed name) and
// broadcasts its departure. A session whose identity no longer matches the
// registry entry (a concurrent logout already won) is logged and ignored.
func (srv *Server) logout(s *Session) {
	name := s.Name()
	if !srv.registry.Remove(s) {
		srv.log.Printf("mismatched client %s on read/write error", name)
		s.Close()
		return
	}
	srv.log.Printf("logout: %s %s", name, s.RemoteAddr())
	srv.broadcastNotify(fmt.Sprintf("logout: %s", name))
	s.Close()
}

// notifyWriteFailure inspects a line that failed to write; if it carries the
// "<sender> >> " delivery prefix this relay attached, the original sender is
// told the remote side failed.
func (srv *Server) notifyWriteFailure(failed []byte) {
	line := string(failed)
	sep := " >> "
	idx := strings.Index(line, sep)
	if idx < 0 {
		return
	}
	senderName := line[:idx]
	if source := srv.registry.Find(senderName); source != nil {
		source.Enqueue("% failed chat: remote error\n")
	}
}

func (srv *Server) broadcastNotify(msg string) {
	line := fmt.Sprintf("# %s\n", msg)
	for _, s := range srv.registry.List() {
		s.Enqueue(line)
	}
}
