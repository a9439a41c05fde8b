package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogsToFileDest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sender.log")
	log, closer, err := New(Config{Dest: path, Format: "json", Level: "info", Service: "test"})
	require.NoError(t, err)

	log.Info().Str("k", "v").Msg("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hello"`)
	assert.Contains(t, string(data), `"service":"test"`)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, _, err := New(Config{Level: "shouty"})
	require.Error(t, err)
}

func TestRotateCycles(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	assert.Equal(t, zerolog.DebugLevel, Rotate())
	assert.Equal(t, zerolog.TraceLevel, Rotate())
	assert.Equal(t, zerolog.InfoLevel, Rotate())
}

func TestParseLevelDefaultsEmptyToInfo(t *testing.T) {
	level, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, level)
}
