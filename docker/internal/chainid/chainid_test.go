package chainid

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func mustDigest(s string) digest.Digest {
	return digest.Digest("sha256:" + s)
}

// TestChainIDsInvariants covers testable properties 1 and 2.
func TestChainIDsInvariants(t *testing.T) {
	diffs := []digest.Digest{
		mustDigest("aa"),
		mustDigest("bb"),
		mustDigest("cc"),
	}
	chains := ChainIDs(diffs)
	require.Len(t, chains, len(diffs))
	require.Equal(t, diffs[0], chains[0])

	for i := 1; i < len(diffs); i++ {
		h := sha256.Sum256([]byte(chains[i-1].String() + " " + diffs[i].String()))
		want := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(h[:]))
		require.Equal(t, want, chains[i])
	}
}

// TestChainIDsScenarioS1 is a worked three-layer example.
func TestChainIDsScenarioS1(t *testing.T) {
	diffs := []digest.Digest{mustDigest("aa"), mustDigest("bb"), mustDigest("cc")}
	chains := ChainIDs(diffs)

	h1 := sha256.Sum256([]byte("sha256:aa sha256:bb"))
	want1 := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(h1[:]))
	require.Equal(t, want1, chains[1])

	h2 := sha256.Sum256([]byte(chains[1].String() + " sha256:cc"))
	want2 := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(h2[:]))
	require.Equal(t, want2, chains[2])
}

func TestChainIDsEmpty(t *testing.T) {
	require.Nil(t, ChainIDs(nil))
}

const testConfig = `{"architecture":"amd64","created":"2021-06-01T00:00:00Z","config":{"Env":["PATH=/usr/bin"]},"container":"abc","container_config":{"Hostname":"x"},"docker_version":"20.10.0","os":"linux","history":[{"created":"2021-06-01T00:00:00Z"}],"rootfs":{"type":"layers","diff_ids":["sha256:aa"]}}`

func TestEngineNonTopLayerDescriptor(t *testing.T) {
	eng, err := NewEngine([]byte(testConfig), "linux")
	require.NoError(t, err)

	result, err := eng.Layer(0, 2, mustDigest("bottomchain"), digest.Digest(""))
	require.NoError(t, err)
	require.Equal(t, []string{"id", "created", "container_config", "os"}, result.OnDisk.Keys())

	out, err := json.Marshal(result.OnDisk)
	require.NoError(t, err)
	require.Contains(t, string(out), `"created":"1970-01-01T00:00:00Z"`)
	require.Contains(t, string(out), `"os":"linux"`)
}

func TestEngineTopLayerDescriptorMergesConfigAndDropsHistoryRootfs(t *testing.T) {
	eng, err := NewEngine([]byte(testConfig), "linux")
	require.NoError(t, err)

	bottom, err := eng.Layer(0, 2, mustDigest("bottomchain"), digest.Digest(""))
	require.NoError(t, err)

	top, err := eng.Layer(1, 2, mustDigest("topchain"), bottom.V1ID)
	require.NoError(t, err)

	require.True(t, top.OnDisk.Has("parent"))
	require.True(t, top.OnDisk.Has("config"))
	require.True(t, top.OnDisk.Has("container"))
	require.True(t, top.OnDisk.Has("container_config"))
	require.False(t, top.OnDisk.Has("history"))
	require.False(t, top.OnDisk.Has("rootfs"))

	out, err := json.Marshal(top.OnDisk)
	require.NoError(t, err)
	// container_config was overwritten in place by the real image config
	// value, not left as the "" placeholder.
	require.Contains(t, string(out), `"container_config":{"Hostname":"x"}`)
	require.Contains(t, string(out), `"config":{"Env":["PATH=/usr/bin"]}`)
}

// TestEngineTopLayerDescriptorHash locks down the exact byte layout of the
// hash-input descriptor for a topmost layer with a parent: key order must
// be architecture, config, container, container_config, created,
// docker_version, layer_id, os, parent, then the config merge overwrites
// values in place without moving any key, matching
// original_source/docker_pull.py's v1_layers_ids (the OrderedDict literal
// ends at "os"; "parent" is assigned after it).
func TestEngineTopLayerDescriptorHash(t *testing.T) {
	eng, err := NewEngine([]byte(testConfig), "linux")
	require.NoError(t, err)

	result, err := eng.Layer(1, 2, mustDigest("topchain"), mustDigest("parentv1id"))
	require.NoError(t, err)

	want := `{"architecture":"amd64","config":{"Env":["PATH=/usr/bin"]},"container":"abc",` +
		`"container_config":{"Hostname":"x"},"created":"2021-06-01T00:00:00Z",` +
		`"docker_version":"20.10.0","layer_id":"sha256:topchain","os":"linux",` +
		`"parent":"sha256:parentv1id"}`
	sum := sha256.Sum256([]byte(want))
	wantID := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(sum[:]))

	require.Equal(t, wantID, result.V1ID)
}

// TestLayerMarshalIsStable covers testable property 3 for v1 descriptors.
func TestLayerMarshalIsStable(t *testing.T) {
	eng, err := NewEngine([]byte(testConfig), "linux")
	require.NoError(t, err)

	result, err := eng.Layer(0, 1, mustDigest("onlychain"), digest.Digest(""))
	require.NoError(t, err)

	out1, err := json.Marshal(result.OnDisk)
	require.NoError(t, err)
	out2, err := json.Marshal(result.OnDisk)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}
