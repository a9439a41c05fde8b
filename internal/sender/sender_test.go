package sender

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dissemhub/mcastup/internal/mcast"
	"github.com/dissemhub/mcastup/internal/metrics"
	"github.com/dissemhub/mcastup/internal/product"
	"github.com/dissemhub/mcastup/internal/repair"
	"github.com/dissemhub/mcastup/internal/store"
)

// fakeTransport stands in for the UDP transport: it records every
// payload and only fires the done callback when the test (or
// Terminate) says so, keeping published products pinned for repair.
type fakeTransport struct {
	cfg mcast.Config

	mu      sync.Mutex
	next    uint32
	sent    [][]byte
	pending []uint32
}

func newFakeTransport(cfg mcast.Config) (mcast.Transport, error) {
	return &fakeTransport{cfg: cfg, next: cfg.InitialIndex}, nil
}

func (f *fakeTransport) NextIndex() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.next
	f.next++
	return idx
}

func (f *fakeTransport) Send(payload []byte, _ product.Signature) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.next - 1
	f.sent = append(f.sent, append([]byte(nil), payload...))
	f.pending = append(f.pending, idx)
	return idx, nil
}

func (f *fakeTransport) Terminate() error {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, idx := range pending {
		f.cfg.Done(idx)
	}
	return nil
}

func (f *fakeTransport) BoundPort() int { return 0 }

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func startChild(t *testing.T, st *store.MemStore) (*Context, *fakeTransport, context.CancelFunc) {
	t.Helper()

	var ft *fakeTransport
	opts := Options{
		Feed:        product.FeedEXP,
		GroupHost:   "239.0.0.1",
		GroupPort:   48000,
		ServerIface: "127.0.0.1",
		FMTPSubnet:  "192.168.128.0/28",
		StorePath:   filepath.Join(t.TempDir(), "store.dat"),
		Retention:   time.Minute,
		Store:       st,
		Transport: func(cfg mcast.Config) (mcast.Transport, error) {
			tr, err := newFakeTransport(cfg)
			ft = tr.(*fakeTransport)
			return tr, err
		},
	}

	c, err := New(opts, zerolog.Nop(), metrics.NewRegistry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, make(chan struct{})) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("sender child did not shut down")
		}
	})
	return c, ft, cancel
}

func TestChildPublishesFreshProduct(t *testing.T) {
	st := store.NewMemStore()
	c, ft, _ := startChild(t, st)

	var handshake bytes.Buffer
	require.NoError(t, c.WriteHandshake(&handshake))
	assert.Regexp(t, regexp.MustCompile(`^[0-9]+ [0-9]+\n$`), handshake.String())

	p0 := product.Product{
		Signature:  product.Sign([]byte("p0")),
		Feed:       product.FeedEXP,
		Timestamp:  time.Now(),
		Identifier: "p0",
		Payload:    []byte("p0"),
	}
	st.Append(p0)

	require.Eventually(t, func() bool { return ft.sentCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	ft.mu.Lock()
	assert.Equal(t, []byte("p0"), ft.sent[0])
	ft.mu.Unlock()
}

func TestChildSubscribeAndRepair(t *testing.T) {
	st := store.NewMemStore()
	c, ft, _ := startChild(t, st)

	p0 := product.Product{
		Signature:  product.Sign([]byte("p0")),
		Feed:       product.FeedEXP,
		Timestamp:  time.Now(),
		Identifier: "p0",
		Payload:    []byte("payload-0"),
	}
	st.Append(p0)
	require.Eventually(t, func() bool { return ft.sentCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	client, err := repair.Dial(fmt.Sprintf("127.0.0.1:%d", c.ServerPort()), time.Second)
	require.NoError(t, err)
	defer client.Close()

	reply, err := client.Subscribe("EXP", "dummy:dummy:0")
	require.NoError(t, err)
	require.Equal(t, "Ok", reply.Status)
	assert.Equal(t, "EXP", reply.Feed)

	_, subnet, _ := net.ParseCIDR("192.168.128.0/28")
	assert.True(t, subnet.Contains(net.ParseIP(reply.ReservedAddr)),
		"reserved address %s must come from the configured FMTP subnet", reply.ReservedAddr)

	require.NoError(t, client.RequestProduct(0))
	n, err := client.ReadNotification(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "missed_product", n.Type)
	assert.Equal(t, uint32(0), n.Index)
	assert.Equal(t, []byte("payload-0"), n.Data)
}

func TestChildUnknownIndexYieldsNoSuchProduct(t *testing.T) {
	st := store.NewMemStore()
	c, ft, _ := startChild(t, st)

	st.Append(product.Product{
		Signature: product.Sign([]byte("p0")),
		Feed:      product.FeedEXP,
		Timestamp: time.Now(),
		Payload:   []byte("p0"),
	})
	require.Eventually(t, func() bool { return ft.sentCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	client, err := repair.Dial(fmt.Sprintf("127.0.0.1:%d", c.ServerPort()), time.Second)
	require.NoError(t, err)
	defer client.Close()

	reply, err := client.Subscribe("EXP", "dummy:dummy:0")
	require.NoError(t, err)
	require.Equal(t, "Ok", reply.Status)

	require.NoError(t, client.RequestProduct(42))
	n, err := client.ReadNotification(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "no_such_product", n.Type)
	assert.Equal(t, uint32(42), n.Index)
}

func TestIndexMapPathLivesNextToStore(t *testing.T) {
	path := IndexMapPath("/data/ldm/store.dat", product.FeedEXP|product.FeedHDS)
	assert.Equal(t, "/data/ldm/EXP-HDS.pim", path)
}
