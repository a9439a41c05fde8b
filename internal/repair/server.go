package repair

import (
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// Server accepts downstream connections and runs one Session per
// connection until the sender child is torn down.
type Server struct {
	listener   net.Listener
	subscriber Subscriber
	log        zerolog.Logger
	hooks      Hooks

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// SetHooks installs observation hooks on every session this server
// subsequently accepts. Call before Serve.
func (s *Server) SetHooks(h Hooks) { s.hooks = h }

// Listen binds addr (host:port, port 0 for an OS-chosen port) and
// returns a Server ready to Serve.
func Listen(addr string, subscriber Subscriber, log zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewServer(ln, subscriber, log), nil
}

// NewServer wraps an already-bound listener. Used when the caller
// needs the bound address before it can build the subscriber (the
// subscription handler's reply includes the server's own address).
func NewServer(ln net.Listener, subscriber Subscriber, log zerolog.Logger) *Server {
	return &Server{listener: ln, subscriber: subscriber, log: log, conns: make(map[net.Conn]struct{})}
}

// Addr is the bound listener address, used to fill in the repair port
// half of the two-port handshake line the child writes to stdout.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until the listener is closed. Intended to
// run in its own goroutine for the life of the sender child.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess := NewSession(conn, s.subscriber, s.log)
			sess.hooks = s.hooks
			sess.Serve()
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Close stops accepting new connections, disconnects in-flight
// sessions, and waits for them to finish tearing down. Closing the
// session sockets is what unblocks sessions idling in a read; their
// teardown hooks still run.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
