package indexmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dissemhub/mcastup/internal/lderr"
	"github.com/dissemhub/mcastup/internal/product"
)

func TestOpenWriter_FreshFileStartsAtZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EXP.idx")

	w, err := OpenWriter(path)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, uint32(0), w.NextIndex())
}

func TestPut_RequiresInOrderIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EXP.idx")
	w, err := OpenWriter(path)
	require.NoError(t, err)
	defer w.Close()

	sig := product.Sign([]byte("p0"))
	require.NoError(t, w.Put(0, sig))
	assert.Equal(t, uint32(1), w.NextIndex())

	err = w.Put(5, product.Sign([]byte("oops")))
	require.Error(t, err)
	assert.Equal(t, lderr.Invalid, lderr.KindOf(err))
}

func TestGet_ReturnsSameSignatureUntilTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EXP.idx")
	w, err := OpenWriter(path)
	require.NoError(t, err)
	defer w.Close()

	sig0 := product.Sign([]byte("p0"))
	sig1 := product.Sign([]byte("p1"))
	require.NoError(t, w.Put(0, sig0))
	require.NoError(t, w.Put(1, sig1))

	got, err := w.Get(0)
	require.NoError(t, err)
	assert.Equal(t, sig0, got)

	got, err = w.Get(1)
	require.NoError(t, err)
	assert.Equal(t, sig1, got)
}

func TestGet_UnknownIndexIsNoEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EXP.idx")
	w, err := OpenWriter(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Put(0, product.Sign([]byte("p0"))))

	_, err = w.Get(42)
	require.Error(t, err)
	assert.Equal(t, lderr.NoEntry, lderr.KindOf(err))
}

func TestOpenReader_ConcurrentWithWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EXP.idx")
	w, err := OpenWriter(path)
	require.NoError(t, err)
	defer w.Close()

	sig := product.Sign([]byte("p0"))
	require.NoError(t, w.Put(0, sig))

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Get(0)
	require.NoError(t, err)
	assert.Equal(t, sig, got)
}

func TestOpenWriter_SecondWriterRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EXP.idx")
	w1, err := OpenWriter(path)
	require.NoError(t, err)
	defer w1.Close()

	_, err = OpenWriter(path)
	require.Error(t, err)
	assert.Equal(t, lderr.SystemError, lderr.KindOf(err))
}

func TestRecovery_ScansBackwardAfterUncleanReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EXP.idx")
	w, err := OpenWriter(path)
	require.NoError(t, err)

	for i := uint32(0); i < 5; i++ {
		require.NoError(t, w.Put(i, product.Sign([]byte{byte(i)})))
	}
	require.NoError(t, w.Close())

	// Simulate a crash between the last entry write and the header
	// update: the header's next-index still says 4.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0, 0, 0, 4}, 12)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := OpenWriter(path)
	require.NoError(t, err)
	defer w2.Close()

	assert.Equal(t, uint32(5), w2.NextIndex())
}

func TestOpenWriter_ZeroByteFileIsNotCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EXP.idx")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	w, err := OpenWriter(path)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint32(0), w.NextIndex())
}

func TestOpenReader_MissingFileIsEmptyMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EXP.idx")

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Get(0)
	require.Error(t, err)
	assert.Equal(t, lderr.NoEntry, lderr.KindOf(err))
}

func TestOpenReader_CorruptHeaderRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EXP.idx")
	w, err := OpenWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Corrupt the magic bytes directly.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0, 0, 0, 0}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenReader(path)
	require.Error(t, err)
	assert.Equal(t, lderr.Corrupt, lderr.KindOf(err))
}
