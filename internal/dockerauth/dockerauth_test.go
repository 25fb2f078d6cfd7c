package dockerauth

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	cliconfig "github.com/docker/cli/cli/config"
	"github.com/stretchr/testify/require"
)

// withDockerConfig points cliconfig.Dir() at a temporary directory
// holding the given config.json, restoring the original on cleanup.
// cliconfig.Dir() is a package-level value set once at process start,
// not re-read from DOCKER_CONFIG per call, so SetDir (the same seam the
// upstream CLI's own tests use) is required rather than t.Setenv.
func withDockerConfig(t *testing.T, contents string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(contents), 0o644))

	original := cliconfig.Dir()
	cliconfig.SetDir(dir)
	t.Cleanup(func() { cliconfig.SetDir(original) })
}

func TestFromDockerConfigDecodesBase64Auth(t *testing.T) {
	auth := base64.StdEncoding.EncodeToString([]byte("alice:hunter2"))
	withDockerConfig(t, `{"auths":{"registry.example.com":{"auth":"`+auth+`"}}}`)

	creds, err := FromDockerConfig("registry.example.com")
	require.NoError(t, err)
	require.Equal(t, "alice", creds.Username)
	require.Equal(t, "hunter2", creds.Password)
}

func TestFromDockerConfigPrefersExplicitFields(t *testing.T) {
	withDockerConfig(t, `{"auths":{"registry.example.com":{"username":"bob","password":"swordfish"}}}`)

	creds, err := FromDockerConfig("registry.example.com")
	require.NoError(t, err)
	require.Equal(t, "bob", creds.Username)
	require.Equal(t, "swordfish", creds.Password)
}

func TestFromDockerConfigMissingEntryIsZeroValue(t *testing.T) {
	withDockerConfig(t, `{"auths":{}}`)

	creds, err := FromDockerConfig("registry.example.com")
	require.NoError(t, err)
	require.Equal(t, Credentials{}, creds)
}

func TestFromDockerConfigRejectsMalformedAuth(t *testing.T) {
	withDockerConfig(t, `{"auths":{"registry.example.com":{"auth":"bm90YWNvbG9u"}}}`)

	_, err := FromDockerConfig("registry.example.com")
	require.Error(t, err)
}
