package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONVERGE_DB_PATH", "/tmp/converge.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8787, cfg.Port)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 15*time.Second, cfg.ReadTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.AuthRequired)
	assert.Equal(t, 7*24*time.Hour, cfg.DeliveryRetention)
}

func TestValidateRequiresDatabase(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Error(t, cfg.Validate())
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	t.Setenv("CONVERGE_DB_PATH", "/tmp/converge.db")
	t.Setenv("CONVERGE_READ_TIMEOUT", "45")
	t.Setenv("CONVERGE_WRITE_TIMEOUT", "2m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 2*time.Minute, cfg.WriteTimeout)
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := &Config{Port: 8787, DBPath: "x.db", LogLevel: "loud"}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	t.Setenv("CONVERGE_DB_PATH", "/tmp/converge.db")
	t.Setenv("CONVERGE_PORT", "99999")
	cfg, err := Load()
	require.NoError(t, err)
	require.Error(t, cfg.Validate())
}
