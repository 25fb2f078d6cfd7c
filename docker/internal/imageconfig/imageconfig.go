// Package imageconfig parses an image config blob into the typed view the
// assembler needs by field name. The untyped, order-preserving view used
// for v1-ID derivation lives in docker/internal/chainid instead, since
// specs-go/v1.Image does not preserve unknown fields or key order.
package imageconfig

import (
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	digest "github.com/opencontainers/go-digest"
)

// Config is the subset of an image config the assembler reads by name.
type Config struct {
	Architecture string
	Created      time.Time
	DiffIDs      []digest.Digest
}

// Parse decodes raw (the verbatim config blob bytes) into a Config.
func Parse(raw []byte) (Config, error) {
	var img v1.Image
	if err := json.Unmarshal(raw, &img); err != nil {
		return Config{}, fmt.Errorf("imageconfig: decoding image config: %w", err)
	}

	var created time.Time
	if img.Created != nil {
		created = *img.Created
	}

	return Config{
		Architecture: img.Architecture,
		Created:      created,
		DiffIDs:      img.RootFS.DiffIDs,
	}, nil
}
