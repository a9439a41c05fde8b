// Package cmdchan implements the command channel a sender child
// exposes to its parent upstream manager: reserve/authorize an address
// on subscribe, release it on unsubscribe. Unlike internal/repair,
// every call here is a synchronous request/reply pair, so the wire
// framing reuses the same 4-byte length-prefixed JSON envelope but the
// client blocks for exactly one reply per request.
package cmdchan

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

const maxFrameLen = 1 << 20

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func writeFrame(conn net.Conn, msgType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env, err := json.Marshal(envelope{Type: msgType, Payload: body})
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(env)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = conn.Write(env)
	return err
}

func readFrame(conn net.Conn) (envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return envelope{}, fmt.Errorf("cmdchan: frame length %d exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}

const (
	typeReserve   = "reserve"
	typeAuthorize = "authorize"
	typeRelease   = "release"
	typeReply     = "reply"
)

type reserveRequest struct{}

type authorizeRequest struct {
	Address string `json:"address"`
}

type releaseRequest struct {
	Address string `json:"address"`
}

type replyWire struct {
	Status  string `json:"status"`
	Address string `json:"address,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Pool is the subset of *addrpool.Pool the command channel server
// needs; satisfied by *addrpool.Pool directly.
type Pool interface {
	Reserve() (net.IP, error)
	Release(addr net.IP) error
}

// Authorizer is the subset of *addrpool.Authorizer the command channel
// server needs.
type Authorizer interface {
	Authorize(addr net.IP)
	Revoke(addr net.IP)
}

// Server runs in a sender child and answers reserve/authorize/release
// requests from the parent manager's command-channel client, the
// relay path behind the manager's unsubscribe operation.
type Server struct {
	listener net.Listener
	pool     Pool
	auth     Authorizer
}

// Listen binds addr and returns a Server ready to Serve.
func Listen(addr string, pool Pool, auth Authorizer) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cmdchan: listen %s: %w", addr, err)
	}
	return &Server{listener: ln, pool: pool, auth: auth}, nil
}

// Addr is the bound listener address, the commandServerPort half of
// the child's stdout handshake line.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until the listener is closed. Each
// connection carries exactly one request/reply pair; the manager opens
// a fresh connection per call.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) Close() error { return s.listener.Close() }

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	env, err := readFrame(conn)
	if err != nil {
		return
	}
	switch env.Type {
	case typeReserve:
		addr, err := s.pool.Reserve()
		if err != nil {
			writeFrame(conn, typeReply, replyWire{Status: "Error", Error: err.Error()})
			return
		}
		writeFrame(conn, typeReply, replyWire{Status: "Ok", Address: addr.String()})
	case typeAuthorize:
		var req authorizeRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			writeFrame(conn, typeReply, replyWire{Status: "Error", Error: err.Error()})
			return
		}
		s.auth.Authorize(net.ParseIP(req.Address))
		writeFrame(conn, typeReply, replyWire{Status: "Ok"})
	case typeRelease:
		var req releaseRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			writeFrame(conn, typeReply, replyWire{Status: "Error", Error: err.Error()})
			return
		}
		ip := net.ParseIP(req.Address)
		s.auth.Revoke(ip)
		if err := s.pool.Release(ip); err != nil {
			writeFrame(conn, typeReply, replyWire{Status: "Error", Error: err.Error()})
			return
		}
		writeFrame(conn, typeReply, replyWire{Status: "Ok"})
	default:
		writeFrame(conn, typeReply, replyWire{Status: "Error", Error: "unknown request type " + env.Type})
	}
}

// Client dials a sender child's command channel to reserve, authorize
// or release an address. Used by internal/manager to relay
// unsubscribe(feed, addr) to the owning active sender.
type Client struct {
	addr string
}

func NewClient(addr string) *Client { return &Client{addr: addr} }

func (c *Client) call(reqType string, payload any) (replyWire, error) {
	conn, err := net.DialTimeout("tcp", c.addr, 5*time.Second)
	if err != nil {
		return replyWire{}, fmt.Errorf("cmdchan: dial %s: %w", c.addr, err)
	}
	defer conn.Close()
	if err := writeFrame(conn, reqType, payload); err != nil {
		return replyWire{}, err
	}
	env, err := readFrame(conn)
	if err != nil {
		return replyWire{}, err
	}
	var reply replyWire
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		return replyWire{}, err
	}
	if reply.Status != "Ok" {
		return reply, fmt.Errorf("cmdchan: %s failed: %s", reqType, reply.Error)
	}
	return reply, nil
}

// Reserve asks the remote sender to reserve an address from its pool.
func (c *Client) Reserve() (net.IP, error) {
	reply, err := c.call(typeReserve, reserveRequest{})
	if err != nil {
		return nil, err
	}
	return net.ParseIP(reply.Address), nil
}

// Authorize asks the remote sender to authorize addr.
func (c *Client) Authorize(addr net.IP) error {
	_, err := c.call(typeAuthorize, authorizeRequest{Address: addr.String()})
	return err
}

// Release asks the remote sender to release addr, the wire-level
// counterpart of manager.unsubscribe(feed, addr). Idempotent: releasing
// an address that is not currently reserved is reported by the remote
// as NotReserved, which this Client surfaces as an error the caller
// (manager.Unsubscribe) treats as a no-op.
func (c *Client) Release(addr net.IP) error {
	_, err := c.call(typeRelease, releaseRequest{Address: addr.String()})
	return err
}
