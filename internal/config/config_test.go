package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), c)
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allnet.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[peers]
port = 9999
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9999, c.Peers.Port)
	require.Equal(t, Default().Bloom.K, c.Bloom.K)
}

func TestValidateRejectsBadPort(t *testing.T) {
	c := Default()
	c.Peers.Port = 70000
	require.Error(t, c.Validate())
}

func TestValidateRejectsZeroK(t *testing.T) {
	c := Default()
	c.Bloom.K = 0
	require.Error(t, c.Validate())
}

func TestValidateRejectsNonPositiveRotationInterval(t *testing.T) {
	c := Default()
	c.Bloom.RotationInterval = 0
	require.Error(t, c.Validate())
}
