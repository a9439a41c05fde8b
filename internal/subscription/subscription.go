// Package subscription implements the subscription handler: admission
// control, virtual-circuit provisioning, address reservation and the
// subscription reply, run once per receiver when it opens the repair
// connection to a sender child.
//
// Every resource touched here — the address pool, the index map file,
// the virtual-circuit provisioner — belongs to the one sender child
// this Handler is built for; nothing crosses a process boundary. A
// child only ever answers subscribe requests for the single feed it
// was started to serve, so the sender-lookup step collapses to
// validating the reduced feed against that configured feed instead of
// querying a separate process; the cross-process half of the lookup
// is the parent manager's Subscribe, which ran before the receiver
// dialed this child.
package subscription

import (
	"fmt"
	"net"
	"strings"

	"github.com/dissemhub/mcastup/internal/addrpool"
	"github.com/dissemhub/mcastup/internal/indexmap"
	"github.com/dissemhub/mcastup/internal/lderr"
	"github.com/dissemhub/mcastup/internal/product"
	"github.com/dissemhub/mcastup/internal/repair"
	"github.com/dissemhub/mcastup/internal/store"
	"github.com/dissemhub/mcastup/internal/vcircuit"
)

// PolicyFunc returns the feeds a receiver at addr is permitted to
// request. The subscription's granted feed is the intersection of
// this with the requested feed and the sender's own configured feed.
type PolicyFunc func(addr net.IP) product.Feed

// Config bundles everything Handler needs, all scoped to one sender
// child.
type Config struct {
	Feed          product.Feed // the feed this sender serves
	Policy        PolicyFunc
	GroupAddr     string
	ServerAddr    string
	IndexMapPath  string
	Pool          *addrpool.Pool
	Authorizer    *addrpool.Authorizer
	Store         store.Store
	Provisioner   *vcircuit.Provisioner
	Workgroup     string
	LocalEndpoint vcircuit.Endpoint
	Description   string
}

// Handler implements repair.Subscriber, the six-step admission
// procedure.
type Handler struct {
	cfg Config
}

func New(cfg Config) *Handler { return &Handler{cfg: cfg} }

var _ repair.Subscriber = (*Handler)(nil)

// Subscribe runs the six admission steps. Any failure after virtual
// circuit provisioning is undone in reverse: release the address,
// destroy the circuit.
func (h *Handler) Subscribe(req repair.SubscribeRequest) (repair.SubscribeResult, error) {
	// Step 1: feed reduction.
	policyFeed := product.FeedAny
	if h.cfg.Policy != nil {
		policyFeed = h.cfg.Policy(req.RemoteAddr)
	}
	granted := req.Feed.Intersect(policyFeed)
	if granted.Empty() {
		return repair.SubscribeResult{}, lderr.New(lderr.Unauthorized, "subscription.Subscribe", fmt.Errorf("feed reduction left nothing granted"))
	}

	// Step 2: virtual-circuit provisioning.
	remote, err := parseEndpoint(req.RemoteEndpoint)
	if err != nil {
		return repair.SubscribeResult{}, lderr.New(lderr.SystemError, "subscription.Subscribe", err)
	}
	circuitID, err := h.cfg.Provisioner.Provision(h.cfg.Workgroup, h.cfg.Description, h.cfg.LocalEndpoint, remote)
	if err != nil {
		return repair.SubscribeResult{}, lderr.New(lderr.SystemError, "subscription.Subscribe", err)
	}

	undoVC := func() { h.cfg.Provisioner.Remove(h.cfg.Workgroup, circuitID) }

	// Step 3: sender lookup. A child only ever serves its own
	// configured feed; a reduced feed outside it means no potential
	// sender was registered for what's left.
	if !granted.IsSubsetOf(h.cfg.Feed) {
		undoVC()
		return repair.SubscribeResult{}, lderr.New(lderr.NoEntry, "subscription.Subscribe", fmt.Errorf("no sender registered for feed %s", granted))
	}

	// Step 4: address reservation.
	addr, err := h.cfg.Pool.Reserve()
	if err != nil {
		undoVC()
		return repair.SubscribeResult{}, err
	}
	h.cfg.Authorizer.Authorize(addr)

	undoAddr := func() {
		h.cfg.Authorizer.Revoke(addr)
		h.cfg.Pool.Release(addr)
	}

	// Step 5: index-map open, reader mode.
	idx, err := indexmap.OpenReader(h.cfg.IndexMapPath)
	if err != nil {
		undoAddr()
		undoVC()
		return repair.SubscribeResult{}, err
	}

	// Step 6: reply.
	return repair.SubscribeResult{
		GrantedFeed:  granted,
		GroupAddr:    h.cfg.GroupAddr,
		ServerAddr:   h.cfg.ServerAddr,
		ReservedAddr: addr,
		IndexReader:  idx,
		Store:        h.cfg.Store,
		Release: func() {
			undoAddr()
			undoVC()
		},
	}, nil
}

// parseEndpoint decodes the "switch:port:vlan" form a receiver sends
// as its virtual-circuit remote endpoint.
func parseEndpoint(s string) (vcircuit.Endpoint, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return vcircuit.Endpoint{}, fmt.Errorf("malformed remote endpoint %q, want switch:port:vlan", s)
	}
	return vcircuit.Endpoint{Switch: parts[0], Port: parts[1], VLAN: parts[2]}, nil
}
