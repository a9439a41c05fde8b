package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAmbientDefaults(t *testing.T) {
	clearMcastupEnv(t)
	a, err := LoadAmbient()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, a.DefaultRetention)
	assert.Equal(t, "json", a.LogFormat)
	assert.Equal(t, "info", a.LogLevel)
}

func TestLoadAmbientOverride(t *testing.T) {
	clearMcastupEnv(t)
	t.Setenv("MCASTUP_LOG_LEVEL", "debug")
	t.Setenv("MCASTUP_DEFAULT_RETENTION", "90s")
	a, err := LoadAmbient()
	require.NoError(t, err)
	assert.Equal(t, "debug", a.LogLevel)
	assert.Equal(t, 90*time.Second, a.DefaultRetention)
}

func TestLoadAmbientRejectsBadLogFormat(t *testing.T) {
	clearMcastupEnv(t)
	t.Setenv("MCASTUP_LOG_FORMAT", "xml")
	_, err := LoadAmbient()
	assert.Error(t, err)
}

func TestSenderFlagsRetention(t *testing.T) {
	f := SenderFlags{RetentionMins: -1}
	assert.Equal(t, 2*time.Minute, f.Retention(2*time.Minute))

	f2 := SenderFlags{RetentionMins: 10}
	assert.Equal(t, 10*time.Minute, f2.Retention(time.Minute))
}

func clearMcastupEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"MCASTUP_DEFAULT_RETENTION", "MCASTUP_METRICS_ADDR", "MCASTUP_LOG_FORMAT",
		"MCASTUP_LOG_LEVEL", "MCASTUP_SYSMON_INTERVAL", "MCASTUP_MANAGER_ADDR",
		"MCASTUP_PROVISION_CMD", "MCASTUP_REMOVE_CMD",
		"MCASTUP_VC_WORKGROUP", "MCASTUP_VC_LOCAL", "MCASTUP_VC_DESCRIPTION",
	} {
		os.Unsetenv(k)
	}
}
