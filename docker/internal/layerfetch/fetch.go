// Package layerfetch streams a single compressed layer blob to disk,
// resuming a partial download via HTTP Range when possible, and expands
// it into the uncompressed tar the staging tree and tar writer expect.
package layerfetch

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/klauspost/compress/gzip"
	digest "github.com/opencontainers/go-digest"
)

const (
	downloadChunkSize = 8 * 1024
	extractChunkSize  = 128 * 1024
)

// Phase names passed to ProgressFunc.
const (
	PhaseDownload = "download"
	PhaseExtract  = "extract"
)

// ErrSizeMismatch is returned when a freshly decompressed layer's byte
// count does not match the gzip ISIZE trailer, catching the case where a
// 416 response was trusted but the local .gz was actually corrupt.
var ErrSizeMismatch = errors.New("layerfetch: decompressed size does not match gzip ISIZE trailer")

// ProgressFunc receives (done, total) byte counts for a phase; total is 0
// when the size is not known in advance. Called from Fetch's goroutine,
// never concurrently.
type ProgressFunc func(phase string, done, total int64)

// BlobGetter is the narrow seam Fetch needs from a registry client.
type BlobGetter interface {
	GetBlobStream(ctx context.Context, digestStr, rangeHeader string) (*http.Response, error)
}

// Fetch retrieves blobDigest into targetPath (an uncompressed layer tar).
// If targetPath already exists and hashes to expectedDiffID, Fetch
// returns immediately without any network traffic (testable property 6).
// Otherwise it resumes or starts a download of the companion ".gz" file
// and decompresses it; the freshly extracted file is checked against the
// gzip trailer (see extract) but is not hashed against expectedDiffID.
func Fetch(ctx context.Context, getter BlobGetter, blobDigest, expectedDiffID digest.Digest, targetPath string, progress ProgressFunc) error {
	if progress == nil {
		progress = func(string, int64, int64) {}
	}

	complete, err := hasExpectedDigest(targetPath, expectedDiffID)
	if err != nil {
		return err
	}
	if complete {
		return nil
	}

	gzPath := targetPath + ".gz"

	var rangeHeader string
	var gzFile *os.File
	if _, statErr := os.Stat(targetPath); statErr == nil {
		size, err := appendableSize(gzPath)
		if err != nil {
			return err
		}
		rangeHeader = fmt.Sprintf("bytes=%d-", size)
		gzFile, err = os.OpenFile(gzPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("layerfetch: opening %s for append: %w", gzPath, err)
		}
	} else {
		gzFile, err = os.OpenFile(gzPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("layerfetch: opening %s: %w", gzPath, err)
		}
	}

	if err := download(ctx, getter, blobDigest.String(), rangeHeader, gzFile, progress); err != nil {
		gzFile.Close()
		return err
	}
	if err := gzFile.Close(); err != nil {
		return fmt.Errorf("layerfetch: closing %s: %w", gzPath, err)
	}

	if err := extract(gzPath, targetPath, progress); err != nil {
		return err
	}
	if err := os.Remove(gzPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("layerfetch: removing %s: %w", gzPath, err)
	}
	return nil
}

// download streams the blob GET response into out in downloadChunkSize
// chunks, reporting (done, content-length) as it goes. A 416 response
// means the local .gz is already complete; its body is not read.
func download(ctx context.Context, getter BlobGetter, digestStr, rangeHeader string, out io.Writer, progress ProgressFunc) error {
	resp, err := getter.GetBlobStream(ctx, digestStr, rangeHeader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return nil
	}

	w := &progressWriter{w: out, phase: PhaseDownload, total: contentLength(resp), progress: progress}
	buf := make([]byte, downloadChunkSize)
	if _, err := io.CopyBuffer(w, resp.Body, buf); err != nil {
		return fmt.Errorf("layerfetch: downloading %s: %w", digestStr, err)
	}
	return nil
}

// extract decompresses gzPath into targetPath in extractChunkSize chunks,
// reporting progress against the gzip ISIZE trailer, and verifies the
// decompressed byte count matches it exactly.
func extract(gzPath, targetPath string, progress ProgressFunc) error {
	isize, err := readISIZE(gzPath)
	if err != nil {
		return err
	}

	gzFile, err := os.Open(gzPath)
	if err != nil {
		return fmt.Errorf("layerfetch: opening %s: %w", gzPath, err)
	}
	defer gzFile.Close()

	gz, err := gzip.NewReader(gzFile)
	if err != nil {
		return fmt.Errorf("layerfetch: opening gzip stream for %s: %w", gzPath, err)
	}
	defer gz.Close()

	out, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("layerfetch: creating %s: %w", targetPath, err)
	}
	defer out.Close()

	w := &progressWriter{w: out, phase: PhaseExtract, total: int64(isize), progress: progress}
	buf := make([]byte, extractChunkSize)
	if _, err := io.CopyBuffer(w, gz, buf); err != nil {
		return fmt.Errorf("layerfetch: decompressing %s: %w", gzPath, err)
	}

	if w.done != int64(isize) {
		return fmt.Errorf("%w: decompressed %d bytes, trailer says %d", ErrSizeMismatch, w.done, isize)
	}
	return nil
}

// readISIZE reads the 4-byte little-endian ISIZE trailer of a gzip file
// via a positioned read (ReadAt) on its own file handle, independent of
// any streaming gzip reader over the same file.
func readISIZE(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("layerfetch: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("layerfetch: stat %s: %w", path, err)
	}
	if info.Size() < 4 {
		return 0, fmt.Errorf("layerfetch: %s too short to contain a gzip ISIZE trailer", path)
	}

	var tail [4]byte
	if _, err := f.ReadAt(tail[:], info.Size()-4); err != nil {
		return 0, fmt.Errorf("layerfetch: reading ISIZE trailer of %s: %w", path, err)
	}
	return binary.LittleEndian.Uint32(tail[:]), nil
}

func hasExpectedDigest(path string, expected digest.Digest) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("layerfetch: opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, fmt.Errorf("layerfetch: hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)) == expected.Encoded(), nil
}

func appendableSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("layerfetch: stat %s: %w", path, err)
	}
	return info.Size(), nil
}

func contentLength(resp *http.Response) int64 {
	n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// progressWriter wraps an io.Writer, invoking a ProgressFunc after every
// successful Write with the running byte total.
type progressWriter struct {
	w        io.Writer
	phase    string
	done     int64
	total    int64
	progress ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	p.progress(p.phase, p.done, p.total)
	return n, err
}
