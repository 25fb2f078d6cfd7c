// Package docker orchestrates the full pull pipeline: reference parsing,
// manifest-list/manifest navigation, per-layer chain-ID/v1-ID derivation,
// streaming layer download, and archival into a legacy v1-compatible tar.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/distribution"
	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema2"
	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/ocidump/ocidump/docker/internal/chainid"
	"github.com/ocidump/ocidump/docker/internal/imageconfig"
	"github.com/ocidump/ocidump/docker/internal/layerfetch"
	"github.com/ocidump/ocidump/docker/internal/registryclient"
	"github.com/ocidump/ocidump/docker/internal/tarfile"
	"github.com/ocidump/ocidump/docker/reference"
)

// defaultOS is used when a manifest list carries no entry matching the
// requested architecture and the assembler falls back to the original
// tag, which leaves the OS undetermined; Linux images are the
// overwhelming common case for this tool's registries.
const defaultOS = "linux"

// Phase names reported to ProgressFunc, re-exported from layerfetch so
// callers outside the docker package (which cannot import its internal
// packages) can distinguish download from extraction.
const (
	PhaseDownload = layerfetch.PhaseDownload
	PhaseExtract  = layerfetch.PhaseExtract
)

// ProgressFunc receives per-layer (phase, done, total) byte counts
// during fetch; total is 0 when unknown. See layerfetch.ProgressFunc.
type ProgressFunc func(phase string, done, total int64)

// RegistryClient is the seam docker.Puller needs from a registry
// session: manifest-list/manifest/blob access. *registryclient.Client
// satisfies it; tests substitute a stub.
type RegistryClient interface {
	GetManifestList(ctx context.Context, ref string) (*manifestlist.ManifestList, string, error)
	GetManifest(ctx context.Context, ref string) (*schema2.Manifest, error)
	GetBlobBytes(ctx context.Context, desc distribution.Descriptor) ([]byte, error)
	GetBlobStream(ctx context.Context, digestStr, rangeHeader string) (*http.Response, error)
}

// ArchiveFunc packs a staging directory into the output archive; the
// default is tarfile.Archive.
type ArchiveFunc func(stagingDir, destPath string, createdAt time.Time) error

// Options configures a Puller.
type Options struct {
	// Arch is the architecture to select from the manifest list (default "amd64").
	Arch string
	// OutputDir is the directory the output archive and staging
	// directory are created in (default ".").
	OutputDir string

	Username string
	Password string
	Insecure bool

	// RegistryMirror, when set, replaces the registry host for any
	// reference that did not name one explicitly (i.e.
	// reference.Reference.IsDefaultRegistry() is true). An explicit host
	// in the image reference always wins.
	RegistryMirror string

	// HTTPClient overrides the transport used by the default registry
	// client, e.g. to point at a test server with a custom RoundTripper.
	HTTPClient *http.Client

	// RegistryClientFactory, when set, replaces the default
	// registryclient.Client construction entirely — the seam
	// puller_test.go uses to substitute a stub client.
	RegistryClientFactory func(registry, namespace string) RegistryClient

	// Archiver, when set, replaces tarfile.Archive.
	Archiver ArchiveFunc

	// ProgressForLayer, when set, is called once per layer index to
	// obtain the ProgressFunc that layer's fetch reports through.
	ProgressForLayer func(index int) ProgressFunc
}

// Result is returned by a successful Pull.
type Result struct {
	ArchivePath         string
	DockerContentDigest string
}

// Puller drives the full pull pipeline: reference parsing, manifest-list
// and manifest lookup, per-layer fetch, and archival. It is not safe
// for concurrent use against overlapping references that share a staging
// directory; sequential pulls of distinct images may share one Puller.
type Puller struct {
	opts Options
}

// New constructs a Puller. A zero Options is valid and selects amd64,
// the current directory, and no credentials.
func New(opts Options) *Puller {
	if opts.Arch == "" {
		opts.Arch = "amd64"
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.Archiver == nil {
		opts.Archiver = tarfile.Archive
	}
	return &Puller{opts: opts}
}

// Pull retrieves imageRef and writes "<image_name>.tar" under
// opts.OutputDir, returning its path and the manifest list's
// Docker-Content-Digest header (if any).
func (p *Puller) Pull(ctx context.Context, imageRef string) (Result, error) {
	ref, err := reference.Parse(imageRef)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	// A mirror only replaces the registry host used to fetch manifests
	// and blobs;
	// RepoTags/repositories/staging names keep using ref.Registry so a
	// mirrored Docker Hub pull still strips "library/" the same as a
	// direct one (docker.io mirrors are transparent to the user).
	registryHost := ref.Registry
	if p.opts.RegistryMirror != "" && ref.IsDefaultRegistry() {
		registryHost = p.opts.RegistryMirror
	}

	imageName := stagingName(ref)
	stagingDir := filepath.Join(p.opts.OutputDir, imageName+".tmp")
	archivePath := filepath.Join(p.opts.OutputDir, imageName+".tar")

	if err := prepareStagingDir(stagingDir); err != nil {
		return Result{}, err
	}

	client := p.registryClient(registryHost, ref.Namespace)

	manifestList, contentDigest, err := client.GetManifestList(ctx, ref.Ref)
	if err != nil {
		return Result{}, wrapRegistryErr(err)
	}

	manifestRef := ref.Ref
	imageOS := defaultOS
	for _, m := range manifestList.Manifests {
		if m.Platform.Architecture == p.opts.Arch {
			manifestRef = m.Digest.String()
			imageOS = m.Platform.OS
			break
		}
	}

	imageManifest, err := client.GetManifest(ctx, manifestRef)
	if err != nil {
		return Result{}, wrapRegistryErr(err)
	}

	configBlob, err := client.GetBlobBytes(ctx, imageManifest.Config)
	if err != nil {
		return Result{}, wrapRegistryErr(err)
	}
	configFileName := imageManifest.Config.Digest.Encoded() + ".json"
	if err := os.WriteFile(filepath.Join(stagingDir, configFileName), configBlob, 0o644); err != nil {
		return Result{}, fmt.Errorf("docker: writing %s: %w", configFileName, err)
	}

	parsedConfig, err := imageconfig.Parse(configBlob)
	if err != nil {
		return Result{}, fmt.Errorf("docker: parsing image config: %w", err)
	}

	if len(imageManifest.Layers) != len(parsedConfig.DiffIDs) {
		return Result{}, fmt.Errorf("%w: %d layers, %d diff IDs", ErrManifestInconsistent, len(imageManifest.Layers), len(parsedConfig.DiffIDs))
	}

	engine, err := chainid.NewEngine(configBlob, imageOS)
	if err != nil {
		return Result{}, fmt.Errorf("docker: building chain-ID engine: %w", err)
	}

	chainIDs := chainid.ChainIDs(parsedConfig.DiffIDs)

	type manifestItem struct {
		Config   string   `json:"Config"`
		RepoTags []string `json:"RepoTags"`
		Layers   []string `json:"Layers"`
	}
	item := manifestItem{Config: configFileName, RepoTags: []string{ref.RepoTag()}}

	var parentV1 digest.Digest
	total := len(imageManifest.Layers)
	for i := 0; i < total; i++ {
		layerResult, err := engine.Layer(i, total, chainIDs[i], parentV1)
		if err != nil {
			return Result{}, fmt.Errorf("docker: deriving v1 layer ID for layer %d: %w", i, err)
		}
		v1 := layerResult.V1ID.Encoded()
		layerDir := filepath.Join(stagingDir, v1)
		if err := os.MkdirAll(layerDir, 0o755); err != nil {
			return Result{}, fmt.Errorf("docker: creating layer directory %s: %w", v1, err)
		}

		item.Layers = append(item.Layers, v1+"/layer.tar")

		var layerProgress layerfetch.ProgressFunc
		if p.opts.ProgressForLayer != nil {
			layerProgress = layerfetch.ProgressFunc(p.opts.ProgressForLayer(i))
		}
		if err := layerfetch.Fetch(ctx, client, imageManifest.Layers[i].Digest, parsedConfig.DiffIDs[i], filepath.Join(layerDir, "layer.tar"), layerProgress); err != nil {
			return Result{}, fmt.Errorf("docker: fetching layer %d (%s): %w", i, imageManifest.Layers[i].Digest, err)
		}

		onDiskJSON, err := json.Marshal(layerResult.OnDisk)
		if err != nil {
			return Result{}, fmt.Errorf("docker: marshaling layer %d descriptor: %w", i, err)
		}
		if err := os.WriteFile(filepath.Join(layerDir, "json"), onDiskJSON, 0o644); err != nil {
			return Result{}, fmt.Errorf("docker: writing layer %d descriptor: %w", i, err)
		}
		if err := os.WriteFile(filepath.Join(layerDir, "VERSION"), []byte("1.0"), 0o644); err != nil {
			return Result{}, fmt.Errorf("docker: writing layer %d VERSION: %w", i, err)
		}

		parentV1 = layerResult.V1ID
	}

	manifestJSON, err := json.Marshal([]manifestItem{item})
	if err != nil {
		return Result{}, fmt.Errorf("docker: marshaling manifest.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stagingDir, tarfile.ManifestFileName), append(manifestJSON, '\n'), 0o644); err != nil {
		return Result{}, fmt.Errorf("docker: writing manifest.json: %w", err)
	}

	repositories := map[string]map[string]string{ref.Repo(): {ref.Ref: parentV1.Encoded()}}
	repositoriesJSON, err := json.Marshal(repositories)
	if err != nil {
		return Result{}, fmt.Errorf("docker: marshaling repositories: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stagingDir, tarfile.RepositoriesFileName), append(repositoriesJSON, '\n'), 0o644); err != nil {
		return Result{}, fmt.Errorf("docker: writing repositories: %w", err)
	}

	logrus.Debugf("docker: archiving %s -> %s", stagingDir, archivePath)
	if err := p.opts.Archiver(stagingDir, archivePath, parsedConfig.Created); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrArchiveAborted, err)
	}

	if err := os.RemoveAll(stagingDir); err != nil {
		return Result{}, fmt.Errorf("docker: removing staging directory %s after a successful archive: %w", stagingDir, err)
	}

	return Result{ArchivePath: archivePath, DockerContentDigest: contentDigest}, nil
}

func (p *Puller) registryClient(registry, namespace string) RegistryClient {
	if p.opts.RegistryClientFactory != nil {
		return p.opts.RegistryClientFactory(registry, namespace)
	}

	var opts []registryclient.Option
	if p.opts.Username != "" || p.opts.Password != "" {
		opts = append(opts, registryclient.WithCredentials(p.opts.Username, p.opts.Password))
	}
	// WithHTTPClient replaces the client's *http.Client wholesale, so it
	// must run before WithInsecureTLS, which mutates that client's
	// transport in place; the reverse order would silently discard the
	// insecure TLS config.
	if p.opts.HTTPClient != nil {
		opts = append(opts, registryclient.WithHTTPClient(p.opts.HTTPClient))
	}
	if p.opts.Insecure {
		opts = append(opts, registryclient.WithInsecureTLS(true))
	}
	return registryclient.New(registry, namespace, opts...)
}

// stagingName computes "<namespace with / as _>_<ref with : as _>".
func stagingName(ref reference.Reference) string {
	ns := strings.ReplaceAll(ref.Namespace, "/", "_")
	tag := strings.ReplaceAll(ref.Ref, ":", "_")
	return ns + "_" + tag
}

// prepareStagingDir creates dir idempotently, failing with
// ErrStagingConflict if a non-directory already occupies that path.
func prepareStagingDir(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%w: %s", ErrStagingConflict, dir)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("docker: checking staging directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("docker: creating staging directory %s: %w", dir, err)
	}
	return nil
}

func wrapRegistryErr(err error) error {
	if errors.Is(err, registryclient.ErrUnauthorized) {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return fmt.Errorf("%w: %v", ErrRegistry, err)
}
