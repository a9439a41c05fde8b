package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dissemhub/mcastup/internal/offsetmap"
	"github.com/dissemhub/mcastup/internal/product"
	"github.com/dissemhub/mcastup/internal/store"
)

// fakeTransport is an in-process mcast.Transport stand-in that records
// every send and fires Done synchronously from Send.
type fakeTransport struct {
	mu         sync.Mutex
	next       uint32
	sent       []product.Signature
	done       func(uint32)
	terminated bool
}

func (f *fakeTransport) NextIndex() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.next
	f.next++
	return idx
}

func (f *fakeTransport) Send(payload []byte, sig product.Signature) (uint32, error) {
	f.mu.Lock()
	idx := f.next - 1
	f.sent = append(f.sent, sig)
	f.mu.Unlock()
	f.done(idx)
	return idx, nil
}

func (f *fakeTransport) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
	return nil
}

func (f *fakeTransport) BoundPort() int { return 0 }

type fakeIndexWriter struct {
	mu   sync.Mutex
	sigs map[uint32]product.Signature
}

func newFakeIndexWriter() *fakeIndexWriter {
	return &fakeIndexWriter{sigs: make(map[uint32]product.Signature)}
}

func (w *fakeIndexWriter) Put(index uint32, sig product.Signature) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sigs[index] = sig
	return nil
}
func (w *fakeIndexWriter) Close() error { return nil }

func (w *fakeIndexWriter) get(index uint32) (product.Signature, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sig, ok := w.sigs[index]
	return sig, ok
}

func TestRunPublishesAndReleasesOnDone(t *testing.T) {
	st := store.NewMemStore()
	p0 := product.Product{Signature: product.Sign([]byte("p0")), Feed: product.FeedEXP, Payload: []byte("p0")}
	st.Append(p0)

	cur, err := st.OpenCursor()
	require.NoError(t, err)

	offsets := offsetmap.New()
	idxw := newFakeIndexWriter()
	transport := &fakeTransport{done: ReleaseCallback(offsets, st, zerolog.Nop(), Hooks{})}

	ctx, cancel := context.WithCancel(context.Background())
	wake := make(chan struct{})

	var published []uint32
	var mu sync.Mutex
	hooks := Hooks{OnPublish: func(idx uint32, _ int) {
		mu.Lock()
		published = append(published, idx)
		mu.Unlock()
		cancel() // one product is enough for this test
	}}

	cfg := Config{
		Feed:      product.FeedEXP,
		Cursor:    cur,
		Store:     st,
		Index:     idxw,
		Offsets:   offsets,
		Transport: transport,
		Wake:      wake,
		Log:       zerolog.Nop(),
		Hooks:     hooks,
	}

	errc := make(chan error, 1)
	go func() { errc <- Run(ctx, cfg) }()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 1)
	assert.Equal(t, uint32(0), published[0])

	sig, ok := idxw.get(0)
	require.True(t, ok)
	assert.Equal(t, p0.Signature, sig)

	assert.True(t, transport.terminated)
	assert.Equal(t, 0, offsets.Len(), "offset map must be drained by the done callback")

	_, lookupErr := st.LookupBySignature(p0.Signature)
	assert.Error(t, lookupErr, "released offset must no longer be retrievable")
}

func TestRunTerminatesCleanlyWithNoProducts(t *testing.T) {
	st := store.NewMemStore()
	cur, err := st.OpenCursor()
	require.NoError(t, err)

	offsets := offsetmap.New()
	idxw := newFakeIndexWriter()
	transport := &fakeTransport{done: ReleaseCallback(offsets, st, zerolog.Nop(), Hooks{})}

	ctx, cancel := context.WithCancel(context.Background())
	wake := make(chan struct{})

	cfg := Config{
		Feed:      product.FeedEXP,
		Cursor:    cur,
		Store:     st,
		Index:     idxw,
		Offsets:   offsets,
		Transport: transport,
		Wake:      wake,
		Log:       zerolog.Nop(),
	}

	errc := make(chan error, 1)
	go func() { errc <- Run(ctx, cfg) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, transport.terminated)
}
