package offsetmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPutThenGetAndRemove(t *testing.T) {
	m := New()
	m.Put(0, 1024)

	off, ok := m.GetAndRemove(0)
	assert.True(t, ok)
	assert.Equal(t, int64(1024), off)

	_, ok = m.GetAndRemove(0)
	assert.False(t, ok, "second removal of the same index must report not-found")
}

func TestLenTracksInFlightEntries(t *testing.T) {
	m := New()
	assert.Equal(t, 0, m.Len())
	m.Put(0, 10)
	m.Put(1, 20)
	assert.Equal(t, 2, m.Len())
	m.GetAndRemove(0)
	assert.Equal(t, 1, m.Len())
}

func TestDrainReturnsAndClearsEverything(t *testing.T) {
	m := New()
	m.Put(0, 10)
	m.Put(1, 20)

	drained := m.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, m.Len())
}
