// Package sender assembles one sender child's entire working state —
// store, product-index map, offset map, address pool, multicast
// transport, repair server, command channel and dispatch loop — into a
// single owning Context constructed in main and passed to the threads
// that need it. There are no package-level singletons anywhere in the
// child; this value is the process.
package sender

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dissemhub/mcastup/internal/addrpool"
	"github.com/dissemhub/mcastup/internal/cmdchan"
	"github.com/dissemhub/mcastup/internal/dispatch"
	"github.com/dissemhub/mcastup/internal/indexmap"
	"github.com/dissemhub/mcastup/internal/lderr"
	"github.com/dissemhub/mcastup/internal/mcast"
	"github.com/dissemhub/mcastup/internal/metrics"
	"github.com/dissemhub/mcastup/internal/offsetmap"
	"github.com/dissemhub/mcastup/internal/product"
	"github.com/dissemhub/mcastup/internal/repair"
	"github.com/dissemhub/mcastup/internal/store"
	"github.com/dissemhub/mcastup/internal/subscription"
	"github.com/dissemhub/mcastup/internal/vcircuit"
)

// Options is everything a sender child needs to come up, resolved from
// the command line plus the ambient environment.
type Options struct {
	Feed        product.Feed
	GroupHost   string
	GroupPort   int
	McastIface  string
	TTL         int
	ServerIface string // bind interface for the repair/subscribe listener
	ServerPort  int    // -p; 0 means OS-chosen
	FMTPSubnet  string // CIDR the address pool allocates from
	StorePath   string
	Retention   time.Duration

	Workgroup     string
	Description   string
	LocalEndpoint vcircuit.Endpoint
	ProvisionCmd  string
	RemoveCmd     string

	Policy subscription.PolicyFunc

	// Test seams: when non-nil these replace the production DiskStore
	// and UDP transport so the full child can run against an in-memory
	// store without multicast routes. The factory receives the fully
	// populated config, done callback included.
	Store     store.Store
	Transport func(mcast.Config) (mcast.Transport, error)

	// IndexMapPath overrides the default (a file named after the feed
	// in the store's parent directory).
	IndexMapPath string
}

// Context owns one sender child's state for its whole lifetime.
type Context struct {
	opts Options
	log  zerolog.Logger
	reg  *metrics.Registry

	store     store.Store
	index     *indexmap.Map
	offsets   *offsetmap.Map
	pool      *addrpool.Pool
	auth      *addrpool.Authorizer
	transport mcast.Transport
	repairSrv *repair.Server
	cmdSrv    *cmdchan.Server
	hooks     dispatch.Hooks
}

// IndexMapPath resolves where the feed's product-index map lives: a
// single regular file under the store's parent directory, named after
// the feed.
func IndexMapPath(storePath string, feed product.Feed) string {
	name := strings.ReplaceAll(feed.String(), "|", "-")
	return filepath.Join(filepath.Dir(storePath), name+".pim")
}

// New builds the Context bottom-up: store, index map, pool, transport,
// then the two listeners. On any failure everything already opened is
// closed again; a half-built child never prints its handshake.
func New(opts Options, log zerolog.Logger, reg *metrics.Registry) (*Context, error) {
	c := &Context{opts: opts, log: log, reg: reg}

	var err error
	c.store = opts.Store
	if c.store == nil {
		c.store, err = store.OpenDiskStore(opts.StorePath)
		if err != nil {
			return nil, err
		}
	}

	idxPath := opts.IndexMapPath
	if idxPath == "" {
		idxPath = IndexMapPath(opts.StorePath, opts.Feed)
	}
	c.index, err = indexmap.OpenWriter(idxPath)
	if err != nil {
		c.store.Close()
		return nil, err
	}

	c.pool, err = addrpool.New(opts.FMTPSubnet)
	if err != nil {
		c.index.Close()
		c.store.Close()
		return nil, err
	}
	c.auth = addrpool.NewAuthorizer()
	c.offsets = offsetmap.New()

	c.hooks = dispatch.Hooks{
		OnPublish: func(index uint32, payloadLen int) {
			reg.ProductsPublished.Inc()
			reg.BytesPublished.Add(float64(payloadLen))
			reg.IndexMapNext.Set(float64(index) + 1)
			reg.OffsetMapDepth.Set(float64(c.offsets.Len()))
		},
		OnRelease: func(uint32) {
			reg.ProductsReleased.Inc()
			reg.OffsetMapDepth.Set(float64(c.offsets.Len()))
		},
		OnEmpty: func() { reg.StoreSuspends.Inc() },
	}

	create := opts.Transport
	if create == nil {
		create = mcast.Create
	}
	c.transport, err = create(mcast.Config{
		ServerIface:  opts.ServerIface,
		ServerPort:   0,
		Group:        net.ParseIP(opts.GroupHost),
		GroupPort:    opts.GroupPort,
		McastIface:   opts.McastIface,
		TTL:          opts.TTL,
		InitialIndex: c.index.NextIndex(),
		Retention:    opts.Retention,
		Done:         dispatch.ReleaseCallback(c.offsets, c.store, log, c.hooks),
		Authorizer:   c.auth,
	})
	if err != nil {
		c.index.Close()
		c.store.Close()
		return nil, err
	}

	repairLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", opts.ServerIface, opts.ServerPort))
	if err != nil {
		c.transport.Terminate()
		c.index.Close()
		c.store.Close()
		return nil, lderr.New(lderr.SystemError, "sender.New", err)
	}

	provisioner := vcircuit.New()
	if opts.ProvisionCmd != "" {
		provisioner.ProvisionCmd = opts.ProvisionCmd
	}
	if opts.RemoveCmd != "" {
		provisioner.RemoveCmd = opts.RemoveCmd
	}

	handler := subscription.New(subscription.Config{
		Feed:          opts.Feed,
		Policy:        opts.Policy,
		GroupAddr:     fmt.Sprintf("%s:%d", opts.GroupHost, opts.GroupPort),
		ServerAddr:    fmt.Sprintf("%s:%d", opts.ServerIface, c.transport.BoundPort()),
		IndexMapPath:  idxPath,
		Pool:          c.pool,
		Authorizer:    c.auth,
		Store:         c.store,
		Provisioner:   provisioner,
		Workgroup:     opts.Workgroup,
		LocalEndpoint: opts.LocalEndpoint,
		Description:   opts.Description,
	})

	c.repairSrv = repair.NewServer(repairLn, handler, log)
	c.repairSrv.SetHooks(repair.Hooks{
		OnSessionStart: func() { reg.RepairSessions.Inc() },
		OnSessionEnd:   func() { reg.RepairSessions.Dec() },
		OnRequest:      func(msgType string) { reg.RepairRequests.WithLabelValues(msgType).Inc() },
		OnMissed:       func() { reg.MissedServed.Inc() },
		OnBacklog:      func() { reg.BacklogServed.Inc() },
		OnNoSuch:       func() { reg.NoSuchProduct.Inc() },
	})

	c.cmdSrv, err = cmdchan.Listen(fmt.Sprintf("%s:0", opts.ServerIface), c.pool, c.auth)
	if err != nil {
		c.repairSrv.Close()
		c.transport.Terminate()
		c.index.Close()
		c.store.Close()
		return nil, lderr.New(lderr.SystemError, "sender.New", err)
	}

	return c, nil
}

// ServerPort is the repair/subscribe listener's bound port, the first
// number of the child's stdout handshake.
func (c *Context) ServerPort() int {
	return c.repairSrv.Addr().(*net.TCPAddr).Port
}

// CommandPort is the command channel's bound port, the second number
// of the handshake.
func (c *Context) CommandPort() int {
	return c.cmdSrv.Addr().(*net.TCPAddr).Port
}

// WriteHandshake emits the child-to-parent handshake line. Called
// exactly once, after every listener is bound and before the dispatch
// loop starts.
func (c *Context) WriteHandshake(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%d %d\n", c.ServerPort(), c.CommandPort())
	return err
}

// Run serves the repair and command channels and blocks in the
// dispatch loop until ctx is cancelled or the loop fails. The dispatch
// loop owns shutdown of the transport, index map and store; Run closes
// the two listeners after it returns.
func (c *Context) Run(ctx context.Context, wake <-chan struct{}) error {
	go c.cmdSrv.Serve()
	go c.repairSrv.Serve()
	go c.pollPool(ctx)

	cursor, err := c.store.OpenCursor()
	if err != nil {
		c.shutdownServers()
		c.transport.Terminate()
		c.index.Close()
		c.store.Close()
		return lderr.New(lderr.StoreError, "sender.Run", err)
	}

	err = dispatch.Run(ctx, dispatch.Config{
		Feed:      c.opts.Feed,
		Cursor:    cursor,
		Store:     c.store,
		Index:     c.index,
		Offsets:   c.offsets,
		Transport: c.transport,
		Wake:      wake,
		Log:       c.log,
		Hooks:     c.hooks,
	})
	c.shutdownServers()
	return err
}

func (c *Context) shutdownServers() {
	if err := c.repairSrv.Close(); err != nil {
		c.log.Debug().Err(err).Msg("sender: repair server close")
	}
	if err := c.cmdSrv.Close(); err != nil {
		c.log.Debug().Err(err).Msg("sender: command channel close")
	}
}

// pollPool keeps the address-pool occupancy gauges current. The pool
// has no change hook by design (reserve/release stay a mutex and a
// bitset), so a low-frequency poll does the bookkeeping.
func (c *Context) pollPool(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reserved, free := c.pool.Stats()
			c.reg.PoolReserved.Set(float64(reserved))
			c.reg.PoolFree.Set(float64(free))
		}
	}
}
