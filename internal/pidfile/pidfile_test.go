package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pids")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(1234))
	require.NoError(t, w.Write(5678))
	require.NoError(t, w.Close())

	pids, err := ReadPids(path)
	require.NoError(t, err)
	require.Equal(t, []int{1234, 5678}, pids)
}

func TestReadPidsHandlesTrailingPidWithoutNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pids")
	require.NoError(t, os.WriteFile(path, []byte("42\n99"), 0o644))

	pids, err := ReadPids(path)
	require.NoError(t, err)
	require.Equal(t, []int{42, 99}, pids)
}

func TestReadPidsIgnoresNonDigitNoise(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pids")
	require.NoError(t, os.WriteFile(path, []byte("garbage before 42\nmore 99 garbage"), 0o644))

	pids, err := ReadPids(path)
	require.NoError(t, err)
	require.Equal(t, []int{42, 99}, pids)
}

func TestRemoveIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pids")
	require.NoError(t, Remove(path))
	require.NoError(t, Remove(path))
}
