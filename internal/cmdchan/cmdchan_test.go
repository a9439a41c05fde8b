package cmdchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dissemhub/mcastup/internal/addrpool"
)

func newServer(t *testing.T) (*Server, *addrpool.Pool) {
	t.Helper()
	pool, err := addrpool.New("10.0.0.0/29")
	require.NoError(t, err)
	auth := addrpool.NewAuthorizer()
	srv, err := Listen("127.0.0.1:0", pool, auth)
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, pool
}

func TestClientReserveAuthorizeRelease(t *testing.T) {
	srv, pool := newServer(t)
	client := NewClient(srv.Addr().String())

	addr, err := client.Reserve()
	require.NoError(t, err)
	assert.NotNil(t, addr)

	reserved, _ := pool.Stats()
	assert.Equal(t, 1, reserved)

	require.NoError(t, client.Authorize(addr))
	require.NoError(t, client.Release(addr))

	reservedAfter, _ := pool.Stats()
	assert.Equal(t, 0, reservedAfter)
}

func TestClientReleaseUnreservedIsError(t *testing.T) {
	srv, _ := newServer(t)
	client := NewClient(srv.Addr().String())
	err := client.Release([]byte{10, 0, 0, 5})
	assert.Error(t, err)
}
