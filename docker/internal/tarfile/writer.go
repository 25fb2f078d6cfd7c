// Package tarfile packs a fully-staged legacy Docker v1 image tree into a
// single, byte-reproducible USTAR archive.
package tarfile

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Names of the two staging files that use a fixed epoch mtime instead of
// the image's created timestamp.
const (
	ManifestFileName     = "manifest.json"
	RepositoriesFileName = "repositories"
)

// Archive walks stagingDir and writes a USTAR archive to destPath whose
// bytes are reproducible across hosts given identical staging contents
// (testable property 5).
//
// Member order follows os.ReadDir's own sort (byte-wise ascending
// filename), which filepath.WalkDir composes into exactly the "depth-first
// traversal, each directory's entries sorted by byte-wise ascending
// filename" contract this format requires — no separate sort pass is
// needed. Every member's ownership is normalized to uid=gid=0 with a
// blank (numeric) owner name; mtime is createdAt for every member except
// ManifestFileName and RepositoriesFileName, which use the Unix epoch.
// ctime has no field in a plain USTAR header and cannot be set through
// portable APIs regardless; this is accepted as documented, matching the
// behavior for every other structurally-absent field. atime is likewise
// not representable in a USTAR header's fixed fields (unlike the GNU or
// PAX variants) — deliberately not forced into an extended header, since
// doing so would change the archive's format and member count and
// jeopardize reproducibility for no benefit a plain USTAR consumer (e.g.
// docker load) relies on.
//
// On error, Archive returns before writing the archive's end-of-file
// trailer blocks and leaves stagingDir untouched; the caller decides
// whether to retry the pull or give up.
func Archive(stagingDir, destPath string, createdAt time.Time) (err error) {
	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("tarfile: creating %s: %w", destPath, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	tw := tar.NewWriter(out)

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == stagingDir {
			return nil
		}
		rel, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return err
		}
		return writeMember(tw, path, filepath.ToSlash(rel), d, createdAt)
	})
	if walkErr != nil {
		return fmt.Errorf("tarfile: archiving %s: %w", stagingDir, walkErr)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("tarfile: finalizing archive: %w", err)
	}
	return nil
}

func mtimeFor(relPath string, createdAt time.Time) time.Time {
	if relPath == ManifestFileName || relPath == RepositoriesFileName {
		return time.Unix(0, 0)
	}
	return createdAt
}

func writeMember(tw *tar.Writer, fullPath, relPath string, d fs.DirEntry, createdAt time.Time) error {
	mtime := mtimeFor(relPath, createdAt)

	if d.IsDir() {
		hdr := &tar.Header{
			Name:     relPath + "/",
			Typeflag: tar.TypeDir,
			Mode:     0o755,
			Uid:      0,
			Gid:      0,
			Uname:    "",
			Gname:    "",
			ModTime:  mtime,
			Format:   tar.FormatUSTAR,
		}
		logrus.Debugf("tarfile: sending directory %s", hdr.Name)
		return tw.WriteHeader(hdr)
	}

	info, err := d.Info()
	if err != nil {
		return fmt.Errorf("stat %s: %w", fullPath, err)
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", fullPath, err)
	}
	defer f.Close()

	hdr := &tar.Header{
		Name:     relPath,
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Uid:      0,
		Gid:      0,
		Uname:    "",
		Gname:    "",
		Size:     info.Size(),
		ModTime:  mtime,
		Format:   tar.FormatUSTAR,
	}
	logrus.Debugf("tarfile: sending file %s", hdr.Name)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	written, err := io.Copy(tw, f)
	if err != nil {
		return fmt.Errorf("copying %s: %w", relPath, err)
	}
	if written != info.Size() {
		return fmt.Errorf("size mismatch writing %s: expected %d, wrote %d", relPath, info.Size(), written)
	}
	return nil
}
