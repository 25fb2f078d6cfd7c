package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadReadsConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "ocidump")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
output_dir = "/tmp/out"
arch = "arm64"
registry_mirror = "mirror.example.com"
insecure = true
`), 0o644))

	f, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/out", f.OutputDir)
	require.Equal(t, "arm64", f.Arch)
	require.Equal(t, "mirror.example.com", f.Registry)
	require.True(t, f.Insecure)
}

func TestLoadMissingFileIsZeroValue(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	f, err := Load()
	require.NoError(t, err)
	require.Equal(t, File{}, f)
}

func TestEnvOrFallsBackWhenUnset(t *testing.T) {
	require.Equal(t, "fallback", EnvOr("OCIDUMP_TEST_UNSET_VAR", "fallback"))

	t.Setenv("OCIDUMP_TEST_VAR", "set")
	require.Equal(t, "set", EnvOr("OCIDUMP_TEST_VAR", "fallback"))
}
