package subscription

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dissemhub/mcastup/internal/addrpool"
	"github.com/dissemhub/mcastup/internal/lderr"
	"github.com/dissemhub/mcastup/internal/product"
	"github.com/dissemhub/mcastup/internal/repair"
	"github.com/dissemhub/mcastup/internal/store"
	"github.com/dissemhub/mcastup/internal/vcircuit"
)

func newHandler(t *testing.T, feed product.Feed) *Handler {
	t.Helper()
	pool, err := addrpool.New("10.0.0.0/29")
	require.NoError(t, err)
	return New(Config{
		Feed:          feed,
		Policy:        func(net.IP) product.Feed { return product.FeedAny },
		GroupAddr:     "239.1.1.1:5555",
		ServerAddr:    "10.0.0.1:6555",
		IndexMapPath:  filepath.Join(t.TempDir(), "F.idx"),
		Pool:          pool,
		Authorizer:    addrpool.NewAuthorizer(),
		Store:         store.NewMemStore(),
		Provisioner:   &vcircuit.Provisioner{ProvisionCmd: "/no/such/binary", RemoveCmd: "/no/such/binary"},
		Workgroup:     "wg0",
		LocalEndpoint: vcircuit.Endpoint{Switch: "dummy", Port: "dummy", VLAN: "0"},
		Description:   "test",
	})
}

func TestSubscribeGrantsDummyCircuit(t *testing.T) {
	h := newHandler(t, product.FeedEXP)
	res, err := h.Subscribe(repair.SubscribeRequest{
		Feed:           product.FeedEXP,
		RemoteEndpoint: "dummy:dummy:0",
		RemoteAddr:     net.ParseIP("10.0.0.2"),
	})
	require.NoError(t, err)
	assert.Equal(t, product.FeedEXP, res.GrantedFeed)
	assert.NotNil(t, res.IndexReader)
	require.NotNil(t, res.Release)
	res.IndexReader.Close()
	res.Release()
}

func TestSubscribeEmptyReductionIsUnauthorized(t *testing.T) {
	h := newHandler(t, product.FeedEXP)
	h.cfg.Policy = func(net.IP) product.Feed { return product.FeedHDS }
	_, err := h.Subscribe(repair.SubscribeRequest{
		Feed:           product.FeedEXP,
		RemoteEndpoint: "dummy:dummy:0",
		RemoteAddr:     net.ParseIP("10.0.0.2"),
	})
	require.Error(t, err)
	assert.Equal(t, lderr.Unauthorized, lderr.KindOf(err))
}

func TestSubscribeUnservedFeedIsNoEntry(t *testing.T) {
	h := newHandler(t, product.FeedHDS)
	_, err := h.Subscribe(repair.SubscribeRequest{
		Feed:           product.FeedEXP,
		RemoteEndpoint: "dummy:dummy:0",
		RemoteAddr:     net.ParseIP("10.0.0.2"),
	})
	require.Error(t, err)
	assert.Equal(t, lderr.NoEntry, lderr.KindOf(err))
}

func TestSubscribeReleasesAddressOnIndexMapFailure(t *testing.T) {
	h := newHandler(t, product.FeedEXP)
	h.cfg.IndexMapPath = "/nonexistent/dir/does/not/exist/F.idx"

	_, reserved := h.cfg.Pool.Stats()
	_ = reserved

	_, err := h.Subscribe(repair.SubscribeRequest{
		Feed:           product.FeedEXP,
		RemoteEndpoint: "dummy:dummy:0",
		RemoteAddr:     net.ParseIP("10.0.0.2"),
	})
	require.Error(t, err)

	reservedAfter, _ := h.cfg.Pool.Stats()
	assert.Equal(t, 0, reservedAfter, "address must be released when subscription fails after reservation")
}

func TestSubscribeMalformedEndpointIsSystemError(t *testing.T) {
	h := newHandler(t, product.FeedEXP)
	_, err := h.Subscribe(repair.SubscribeRequest{
		Feed:           product.FeedEXP,
		RemoteEndpoint: "not-a-valid-endpoint",
		RemoteAddr:     net.ParseIP("10.0.0.2"),
	})
	require.Error(t, err)
	assert.Equal(t, lderr.SystemError, lderr.KindOf(err))
}
