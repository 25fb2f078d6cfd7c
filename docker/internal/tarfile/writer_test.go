package tarfile

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func buildStaging(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfgdigest.json"), []byte(`{"architecture":"amd64"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(`[{"Config":"cfgdigest.json"}]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, RepositoriesFileName), []byte(`{"alpine":{"latest":"abc"}}`), 0o644))

	layerDir := filepath.Join(dir, "abc123")
	require.NoError(t, os.Mkdir(layerDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(layerDir, "layer.tar"), []byte("fake layer contents"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(layerDir, "json"), []byte(`{"id":"abc123"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(layerDir, "VERSION"), []byte("1.0"), 0o644))

	return dir
}

// TestArchiveReproducibility covers testable property 5: archiving the
// same staging tree twice yields byte-identical output.
func TestArchiveReproducibility(t *testing.T) {
	staging := buildStaging(t)
	createdAt := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)

	dest1 := filepath.Join(t.TempDir(), "a.tar")
	dest2 := filepath.Join(t.TempDir(), "b.tar")

	require.NoError(t, Archive(staging, dest1, createdAt))
	require.NoError(t, Archive(staging, dest2, createdAt))

	b1, err := os.ReadFile(dest1)
	require.NoError(t, err)
	b2, err := os.ReadFile(dest2)
	require.NoError(t, err)
	require.Equal(t, b1, b2)
}

func TestArchiveLayoutAndMtimeRules(t *testing.T) {
	staging := buildStaging(t)
	createdAt := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

	dest := filepath.Join(t.TempDir(), "out.tar")
	require.NoError(t, Archive(staging, dest, createdAt))

	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()

	tr := tar.NewReader(f)
	seen := map[string]*tar.Header{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		h := hdr
		seen[h.Name] = h
		require.Equal(t, 0, h.Uid)
		require.Equal(t, 0, h.Gid)
		require.Equal(t, "", h.Uname)
		require.Equal(t, "", h.Gname)
	}

	require.Contains(t, seen, "cfgdigest.json")
	require.Contains(t, seen, ManifestFileName)
	require.Contains(t, seen, RepositoriesFileName)
	require.Contains(t, seen, "abc123/")
	require.Contains(t, seen, "abc123/layer.tar")
	require.Contains(t, seen, "abc123/json")
	require.Contains(t, seen, "abc123/VERSION")

	require.True(t, seen[ManifestFileName].ModTime.Equal(time.Unix(0, 0)))
	require.True(t, seen[RepositoriesFileName].ModTime.Equal(time.Unix(0, 0)))
	require.True(t, seen["cfgdigest.json"].ModTime.Equal(createdAt))
	require.True(t, seen["abc123/layer.tar"].ModTime.Equal(createdAt))
}

func TestArchiveMemberOrderIsByteSortedDepthFirst(t *testing.T) {
	staging := buildStaging(t)
	dest := filepath.Join(t.TempDir(), "out.tar")
	require.NoError(t, Archive(staging, dest, time.Unix(0, 0)))

	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()

	var names []string
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}

	// The layer directory's own children must be contiguous, immediately
	// follow the directory entry itself (depth-first), and appear in
	// byte-ascending order relative to each other.
	dirIdx := indexOf(names, "abc123/")
	require.GreaterOrEqual(t, dirIdx, 0)
	require.Equal(t, []string{"abc123/VERSION", "abc123/json", "abc123/layer.tar"}, names[dirIdx+1:dirIdx+4])
}

func indexOf(ss []string, target string) int {
	for i, s := range ss {
		if s == target {
			return i
		}
	}
	return -1
}
