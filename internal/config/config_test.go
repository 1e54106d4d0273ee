package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, "edge", cfg.Role)
	require.Equal(t, 0, cfg.TCPPort)
	require.Equal(t, "porta.db", cfg.DBPath)
	require.NoError(t, cfg.Validate())
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("PORTA_ROLE", "community")
	t.Setenv("PORTA_P2P_TCP_PORT", "4001")
	t.Setenv("PORTA_DB", "/var/lib/porta/node.db")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "community", cfg.Role)
	require.Equal(t, 4001, cfg.TCPPort)
	require.Equal(t, "/var/lib/porta/node.db", cfg.DBPath)
	require.Equal(t, "/var/lib/porta/node.key", cfg.KeyPath)
}

func TestLoadExplicitKeyPathOverridesDerivation(t *testing.T) {
	t.Setenv("PORTA_DB", "/data/node.db")
	t.Setenv("PORTA_KEY_PATH", "/secure/identity.key")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/secure/identity.key", cfg.KeyPath)
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("PORTA_P2P_TCP_PORT", "not-a-port")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsOutOfRangePort(t *testing.T) {
	t.Setenv("PORTA_P2P_TCP_PORT", "70000")
	_, err := Load()
	require.Error(t, err)
}
