package addrpool

import (
	"net"
	"sync"
)

// Authorizer tracks which reserved addresses are currently allowed to
// connect to the multicast transport's retransmission port; the repair
// server does not consult it. A subscription authorizes its reserved address only
// after it has committed (step 4 of the subscription handler); an
// address that is merely reserved but not yet authorized is refused.
type Authorizer struct {
	mu      sync.RWMutex
	allowed map[string]struct{}
}

func NewAuthorizer() *Authorizer {
	return &Authorizer{allowed: make(map[string]struct{})}
}

func (a *Authorizer) Authorize(addr net.IP) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowed[addr.String()] = struct{}{}
}

func (a *Authorizer) Revoke(addr net.IP) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allowed, addr.String())
}

func (a *Authorizer) IsAuthorized(addr net.IP) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.allowed[addr.String()]
	return ok
}
