// Package mcast implements the multicast transport adapter: the thin
// contract over UDP multicast send plus the retransmission TCP port a
// reconnecting receiver can use to ask for a payload still inside the
// retention window.
package mcast

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/dissemhub/mcastup/internal/addrpool"
	"github.com/dissemhub/mcastup/internal/lderr"
	"github.com/dissemhub/mcastup/internal/product"
)

// DoneFunc is invoked exactly once per successful Send, once the
// retention window for that index has elapsed (or immediately, on
// Terminate, for every index still pinned).
type DoneFunc func(index uint32)

// Config bundles the parameters of the create() contract operation.
type Config struct {
	ServerIface  string // interface to bind the retransmission TCP listener on
	ServerPort   int    // 0 means OS-chosen; the bound port is returned
	Group        net.IP
	GroupPort    int
	McastIface   string // outgoing multicast interface name, e.g. "eth0"
	TTL          int
	InitialIndex uint32
	Retention    time.Duration
	Done         DoneFunc
	Authorizer   *addrpool.Authorizer
}

// Transport is the contract the adapter exposes to the dispatch loop.
// A single concrete implementation, udpTransport, backs it.
type Transport interface {
	NextIndex() uint32
	Send(payload []byte, sig product.Signature) (uint32, error)
	Terminate() error
	// BoundPort reports the TCP port actually bound for retransmission,
	// the value create() would have written into server_port_in_out.
	BoundPort() int
}

type retained struct {
	payload []byte
	sig     product.Signature
	timer   *time.Timer
}

// udpTransport multicasts over a real UDP socket via golang.org/x/net/ipv4
// and retains each sent payload in memory for cfg.Retention so a
// reconnecting receiver can repair it over the TCP listener.
type udpTransport struct {
	cfg Config

	mu      sync.Mutex
	next    uint32
	ring    map[uint32]*retained
	done    bool
	conn    *ipv4.PacketConn
	rawConn net.PacketConn
	dst     *net.UDPAddr

	listener net.Listener
	wg       sync.WaitGroup
}

// Create binds the UDP multicast send socket and the TCP retransmission
// listener, and returns a running Transport. When the caller passed
// ServerPort 0, BoundPort reports the OS-chosen port.
func Create(cfg Config) (Transport, error) {
	if cfg.Retention <= 0 {
		return nil, lderr.New(lderr.Invalid, "mcast.Create", fmt.Errorf("retention must be positive"))
	}
	if cfg.Group == nil || cfg.Group.To4() == nil {
		return nil, lderr.New(lderr.Invalid, "mcast.Create", fmt.Errorf("group must be an IPv4 multicast address"))
	}

	pc, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", cfg.GroupPort))
	if err != nil {
		return nil, lderr.New(lderr.MulticastError, "mcast.Create", err)
	}
	p := ipv4.NewPacketConn(pc)

	var iface *net.Interface
	if cfg.McastIface != "" {
		iface, err = net.InterfaceByName(cfg.McastIface)
		if err != nil {
			pc.Close()
			return nil, lderr.New(lderr.MulticastError, "mcast.Create", err)
		}
	}
	if err := p.SetMulticastInterface(iface); err != nil {
		pc.Close()
		return nil, lderr.New(lderr.MulticastError, "mcast.Create", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 1
	}
	if err := p.SetMulticastTTL(ttl); err != nil {
		pc.Close()
		return nil, lderr.New(lderr.MulticastError, "mcast.Create", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.ServerIface, cfg.ServerPort))
	if err != nil {
		pc.Close()
		return nil, lderr.New(lderr.MulticastError, "mcast.Create", err)
	}

	t := &udpTransport{
		cfg:      cfg,
		next:     cfg.InitialIndex,
		ring:     make(map[uint32]*retained),
		conn:     p,
		rawConn:  pc,
		dst:      &net.UDPAddr{IP: cfg.Group.To4(), Port: cfg.GroupPort},
		listener: ln,
	}
	t.wg.Add(1)
	go t.serveRetransmission()
	return t, nil
}

func (t *udpTransport) BoundPort() int {
	return t.listener.Addr().(*net.TCPAddr).Port
}

// NextIndex reserves and returns the next index to assign. Reservation
// and assignment are the same operation here; Send always succeeds at
// the index NextIndex last handed out, matching the dispatch loop's
// put-then-send ordering.
func (t *udpTransport) NextIndex() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.next
	t.next++
	return idx
}

// Send multicasts payload under index (the value most recently returned
// by NextIndex) and schedules done_callback to fire once the retention
// window elapses.
func (t *udpTransport) Send(payload []byte, sig product.Signature) (uint32, error) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return 0, lderr.New(lderr.Logic, "mcast.Send", fmt.Errorf("transport terminated"))
	}
	index := t.next - 1
	t.mu.Unlock()

	frame := encodeFrame(index, sig, payload)
	if _, err := t.conn.WriteTo(frame, nil, t.dst); err != nil {
		return 0, lderr.New(lderr.MulticastError, "mcast.Send", err)
	}

	entry := &retained{payload: append([]byte(nil), payload...), sig: sig}
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		t.cfg.Done(index)
		return index, nil
	}
	t.ring[index] = entry
	entry.timer = time.AfterFunc(t.cfg.Retention, func() { t.expire(index) })
	t.mu.Unlock()
	return index, nil
}

func (t *udpTransport) expire(index uint32) {
	t.mu.Lock()
	_, ok := t.ring[index]
	delete(t.ring, index)
	t.mu.Unlock()
	if ok {
		t.cfg.Done(index)
	}
}

// Terminate drains every still-retained index through done_callback,
// then tears down the multicast socket and the retransmission listener.
// Safe to call once; a second call is a no-op.
func (t *udpTransport) Terminate() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	t.done = true
	pending := t.ring
	t.ring = make(map[uint32]*retained)
	t.mu.Unlock()

	for idx, r := range pending {
		r.timer.Stop()
		t.cfg.Done(idx)
	}

	t.listener.Close()
	t.wg.Wait()
	return t.conn.Close()
}

// lookup returns the retained payload and signature for index, if it is
// still inside the retention window.
func (t *udpTransport) lookup(index uint32) ([]byte, product.Signature, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.ring[index]
	if !ok {
		return nil, product.Signature{}, false
	}
	return r.payload, r.sig, true
}

// encodeFrame is the on-wire multicast datagram: a 4-byte big-endian
// index followed by the payload. The signature is not carried.
// Retransmission responses do not reuse this frame; they write their
// own length prefix and the payload.
func encodeFrame(index uint32, sig product.Signature, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], index)
	copy(buf[4:], payload)
	_ = sig // signature travels out-of-band via the index map, not the datagram
	return buf
}

// notFoundSentinel is written back to a repair-port client asking for
// an index this transport no longer retains.
const notFoundSentinel = uint32(0xFFFFFFFF)

func (t *udpTransport) serveRetransmission() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok && t.cfg.Authorizer != nil {
			if !t.cfg.Authorizer.IsAuthorized(tcp.IP) {
				conn.Close()
				continue
			}
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleRetransmission(conn)
		}()
	}
}

// handleRetransmission serves a single repair request per connection: a
// 4-byte big-endian index in, a 4-byte length prefix and payload out
// (or the not-found sentinel in place of the length).
func (t *udpTransport) handleRetransmission(conn net.Conn) {
	defer conn.Close()
	var hdr [4]byte
	if _, err := readFull(conn, hdr[:]); err != nil {
		return
	}
	index := binary.BigEndian.Uint32(hdr[:])

	payload, _, ok := t.lookup(index)
	if !ok {
		var out [4]byte
		binary.BigEndian.PutUint32(out[:], notFoundSentinel)
		conn.Write(out[:])
		return
	}
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], uint32(len(payload)))
	conn.Write(out[:])
	conn.Write(payload)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
