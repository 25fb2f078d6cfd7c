// Package chainid computes the two legacy Docker layer identities this
// tool must reproduce byte-for-byte: the chain ID (a simple recursive
// hash over diff IDs) and the v1 layer ID (a hash over a canonical JSON
// descriptor whose shape differs for the topmost layer).
package chainid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	digest "github.com/opencontainers/go-digest"

	"github.com/ocidump/ocidump/internal/ordered"
)

// epoch1970 is the fixed "created" timestamp used by every non-top v1
// descriptor, matching upstream Docker's legacy exporter.
const epoch1970 = "1970-01-01T00:00:00Z"

// dockerVersion is the fixed legacy docker_version stamp used by the
// source tool for every synthesized top-layer descriptor.
const dockerVersion = "18.06.1-ce"

// ChainIDs computes the chain-ID list for a sequence of diff IDs:
// chain[0] = diff[0]; chain[i] = sha256(chain[i-1] + " " + diff[i]).
func ChainIDs(diffs []digest.Digest) []digest.Digest {
	if len(diffs) == 0 {
		return nil
	}
	chains := make([]digest.Digest, len(diffs))
	chains[0] = diffs[0]
	for i := 1; i < len(diffs); i++ {
		h := sha256.Sum256([]byte(chains[i-1].String() + " " + diffs[i].String()))
		chains[i] = digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(h[:]))
	}
	return chains
}

// Engine synthesizes v1 layer IDs and their on-disk descriptors for a
// single image, given its full raw config blob and the OS reported by the
// selected manifest-list entry.
type Engine struct {
	os string
	// configForMerge is the image config with "history" and "rootfs"
	// removed, preserving every other key (including unrecognized ones)
	// in its original source order, ready to Update() onto the topmost
	// layer's descriptors.
	configForMerge *ordered.Object
}

// NewEngine parses rawConfig (the verbatim image config blob) and
// prepares the merge view used for the topmost layer.
func NewEngine(rawConfig []byte, os string) (*Engine, error) {
	full, err := ordered.Decode(rawConfig)
	if err != nil {
		return nil, fmt.Errorf("chainid: decoding image config: %w", err)
	}
	merge := full.Clone()
	merge.Delete("history")
	merge.Delete("rootfs")
	return &Engine{os: os, configForMerge: merge}, nil
}

// zeroedContainerConfig returns the fixed "empty container config" struct
// used verbatim for every non-top layer's container_config field, in the
// exact declared key order Docker's legacy exporter emits.
func zeroedContainerConfig() *ordered.Object {
	o := ordered.New()
	_ = o.Set("Hostname", "")
	_ = o.Set("Domainname", "")
	_ = o.Set("User", "")
	_ = o.Set("AttachStdin", false)
	_ = o.Set("AttachStdout", false)
	_ = o.Set("AttachStderr", false)
	_ = o.Set("Tty", false)
	_ = o.Set("OpenStdin", false)
	_ = o.Set("StdinOnce", false)
	_ = o.Set("Env", nil)
	_ = o.Set("Cmd", nil)
	_ = o.Set("Image", "")
	_ = o.Set("Volumes", nil)
	_ = o.Set("WorkingDir", "")
	_ = o.Set("Entrypoint", nil)
	_ = o.Set("OnBuild", nil)
	_ = o.Set("Labels", nil)
	return o
}

// LayerResult is the pair of descriptors derived for one layer: the v1 ID
// itself, and the on-disk descriptor that belongs in "<v1-id>/json".
type LayerResult struct {
	V1ID   digest.Digest
	OnDisk *ordered.Object
}

// Layer derives the v1 ID and on-disk descriptor for the layer at index i
// of total layers (0-based, bottom to top), given its chain ID and the
// previous layer's v1 ID (the zero digest.Digest for the bottom layer).
func (e *Engine) Layer(index, total int, chainID digest.Digest, parentV1 digest.Digest) (LayerResult, error) {
	top := index == total-1
	hasParent := index > 0

	hashInput := ordered.New()
	onDiskTemplate := ordered.New()

	if top {
		_ = hashInput.Set("architecture", "amd64")
		_ = hashInput.Set("config", "")
		_ = hashInput.Set("container", "")
		_ = hashInput.Set("container_config", "")
		_ = hashInput.Set("created", epoch1970)
		_ = hashInput.Set("docker_version", dockerVersion)
		_ = hashInput.Set("layer_id", chainID.String())
		_ = hashInput.Set("os", e.os)
		if hasParent {
			_ = hashInput.Set("parent", parentV1.String())
		}
		hashInput.Update(e.configForMerge)

		_ = onDiskTemplate.Set("created", epoch1970)
		_ = onDiskTemplate.Set("container", "")
		_ = onDiskTemplate.Set("container_config", "")
		_ = onDiskTemplate.Set("docker_version", dockerVersion)
		_ = onDiskTemplate.Set("config", "")
		_ = onDiskTemplate.Set("architecture", "amd64")
		_ = onDiskTemplate.Set("os", e.os)
		onDiskTemplate.Update(e.configForMerge)
	} else {
		_ = hashInput.Set("container_config", zeroedContainerConfig())
		_ = hashInput.Set("created", epoch1970)
		_ = hashInput.Set("layer_id", chainID.String())
		if hasParent {
			_ = hashInput.Set("parent", parentV1.String())
		}

		_ = onDiskTemplate.Set("created", epoch1970)
		_ = onDiskTemplate.Set("container_config", zeroedContainerConfig())
		_ = onDiskTemplate.Set("os", e.os)
	}

	raw, err := hashInput.MarshalJSON()
	if err != nil {
		return LayerResult{}, fmt.Errorf("chainid: marshaling hash-input descriptor: %w", err)
	}
	sum := sha256.Sum256(raw)
	v1ID := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(sum[:]))

	// The on-disk file always begins with "id" then an optional "parent",
	// followed by the per-layer template (and, for the top layer, the
	// full image-config merge already folded into onDiskTemplate above).
	onDisk := ordered.New()
	_ = onDisk.Set("id", v1ID.String())
	if hasParent {
		_ = onDisk.Set("parent", parentV1.String())
	}
	onDisk.Update(onDiskTemplate)

	return LayerResult{V1ID: v1ID, OnDisk: onDisk}, nil
}
