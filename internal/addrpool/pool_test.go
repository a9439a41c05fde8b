package addrpool

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dissemhub/mcastup/internal/lderr"
)

func TestReserveAndRelease(t *testing.T) {
	p, err := New("192.168.100.0/30") // 2 usable host addresses
	require.NoError(t, err)

	a1, err := p.Reserve()
	require.NoError(t, err)
	a2, err := p.Reserve()
	require.NoError(t, err)
	assert.NotEqual(t, a1.String(), a2.String())

	_, err = p.Reserve()
	require.Error(t, err)
	assert.Equal(t, lderr.NoEntry, lderr.KindOf(err))

	require.NoError(t, p.Release(a1))
	a3, err := p.Reserve()
	require.NoError(t, err)
	assert.Equal(t, a1.String(), a3.String(), "released address should be reusable")
}

func TestRelease_UnknownAddress(t *testing.T) {
	p, err := New("192.168.100.0/30")
	require.NoError(t, err)

	err = p.Release(net.ParseIP("192.168.100.1"))
	require.Error(t, err)
	assert.Equal(t, lderr.NoEntry, lderr.KindOf(err))
}

func TestSlash32SubnetHasZeroCapacity(t *testing.T) {
	p, err := New("192.168.100.5/32")
	require.NoError(t, err)

	_, err = p.Reserve()
	require.Error(t, err)
	assert.Equal(t, lderr.NoEntry, lderr.KindOf(err))
}

func TestStatsConservesAddressCount(t *testing.T) {
	p, err := New("192.168.100.0/29") // 6 usable host addresses
	require.NoError(t, err)

	reserved, free := p.Stats()
	assert.Equal(t, 0, reserved)
	assert.Equal(t, 6, free)

	a, err := p.Reserve()
	require.NoError(t, err)
	reserved, free = p.Stats()
	assert.Equal(t, 1, reserved)
	assert.Equal(t, 5, free)
	assert.Equal(t, 6, reserved+free)

	require.NoError(t, p.Release(a))
	reserved, free = p.Stats()
	assert.Equal(t, 0, reserved)
	assert.Equal(t, 6, free)
}

func TestAuthorizer(t *testing.T) {
	auth := NewAuthorizer()
	ip := net.ParseIP("192.168.100.1")

	assert.False(t, auth.IsAuthorized(ip))
	auth.Authorize(ip)
	assert.True(t, auth.IsAuthorized(ip))
	auth.Revoke(ip)
	assert.False(t, auth.IsAuthorized(ip))
}
