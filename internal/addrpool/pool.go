// Package addrpool implements the per-sender address pool (a bitset
// over the host part of a configured CIDR subnet) and the authorizer
// consulted by the multicast transport's retransmission listener when
// it accepts a receiver's TCP connection.
package addrpool

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dissemhub/mcastup/internal/lderr"
)

// Pool owns a bitset of assignable host addresses within a CIDR.
// Reserve and Release are atomic with respect to each other.
type Pool struct {
	mu      sync.Mutex
	network *net.IPNet
	base    uint32 // network address as a uint32, for /32-safe arithmetic
	size    int    // number of host addresses covered (may be 0)
	bits    []uint64
	limiter *rate.Limiter // caps reservation rate; protects against a subscription storm
}

// New builds a Pool over cidr, e.g. "192.168.100.0/24". A /32 network
// has zero host addresses and every Reserve call returns ErrExhausted.
func New(cidr string) (*Pool, error) {
	ip, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, lderr.New(lderr.Invalid, "addrpool.New", err)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, lderr.New(lderr.Invalid, "addrpool.New", fmt.Errorf("only IPv4 subnets are supported"))
	}
	ones, bits := network.Mask.Size()
	hostBits := bits - ones
	// Network and broadcast addresses are never assignable, so /31 and
	// /32 pools have zero capacity.
	size := 0
	if hostBits >= 2 {
		size = (1 << uint(hostBits)) - 2
	}
	return &Pool{
		network: network,
		base:    binary.BigEndian.Uint32(network.IP.To4()),
		size:    size,
		bits:    make([]uint64, (size+63)/64),
		// Burst of size (or 1) lets a freshly-started sender admit a
		// reconnect storm without throttling; steady-state rate is
		// capped well below what a misbehaving receiver could sustain.
		limiter: rate.NewLimiter(rate.Limit(50), max(size, 1)),
	}, nil
}

// ErrExhausted is returned by Reserve when every host address is
// already owned.
var ErrExhausted = fmt.Errorf("addrpool: exhausted")

// ErrNotReserved is returned by Release for an address that is not
// currently reserved.
var ErrNotReserved = fmt.Errorf("addrpool: not reserved")

// Reserve claims and returns the lowest free host address. A call
// beyond the limiter's burst waits for its turn rather than failing.
func (p *Pool) Reserve() (net.IP, error) {
	if err := p.limiter.Wait(context.Background()); err != nil {
		return nil, lderr.New(lderr.SystemError, "addrpool.Reserve", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.size; i++ {
		word, bit := i/64, uint(i%64)
		if p.bits[word]&(1<<bit) == 0 {
			p.bits[word] |= 1 << bit
			return p.ipFor(i), nil
		}
	}
	return nil, lderr.New(lderr.NoEntry, "addrpool.Reserve", ErrExhausted)
}

// Release frees addr so it can be reserved again.
func (p *Pool) Release(addr net.IP) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.hostIndex(addr)
	if !ok {
		return lderr.New(lderr.Invalid, "addrpool.Release", fmt.Errorf("address %s outside pool subnet", addr))
	}
	word, bit := idx/64, uint(idx%64)
	if p.bits[word]&(1<<bit) == 0 {
		return lderr.New(lderr.NoEntry, "addrpool.Release", ErrNotReserved)
	}
	p.bits[word] &^= 1 << bit
	return nil
}

// Stats reports pool occupancy; reserved + free == size at every
// quiescent point.
func (p *Pool) Stats() (reserved, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.size; i++ {
		word, bit := i/64, uint(i%64)
		if p.bits[word]&(1<<bit) != 0 {
			reserved++
		}
	}
	return reserved, p.size - reserved
}

func (p *Pool) ipFor(hostIndex int) net.IP {
	v := p.base + 1 + uint32(hostIndex) // +1 skips the network address
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func (p *Pool) hostIndex(addr net.IP) (int, bool) {
	a4 := addr.To4()
	if a4 == nil || !p.network.Contains(addr) {
		return 0, false
	}
	v := binary.BigEndian.Uint32(a4)
	idx := int(v-p.base) - 1
	if idx < 0 || idx >= p.size {
		return 0, false
	}
	return idx, true
}
