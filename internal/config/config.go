// Package config loads optional defaults from
// ~/.config/ocidump/config.toml, giving CLI flags a base to override, in
// precedence order: flag > config file > built-in default. The file's
// fields have no environment-variable counterparts.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// File is the on-disk shape of config.toml.
type File struct {
	OutputDir string `toml:"output_dir"`
	Arch      string `toml:"arch"`
	Registry  string `toml:"registry_mirror"`
	Insecure  bool   `toml:"insecure"`
}

// Load reads ~/.config/ocidump/config.toml. A missing file is not an
// error; it yields a zero File so every field falls through to its
// built-in default.
func Load() (File, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return File{}, fmt.Errorf("config: resolving home directory: %w", err)
	}
	path := filepath.Join(home, ".config", "ocidump", "config.toml")

	var f File
	_, err = toml.DecodeFile(path, &f)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return f, nil
}

// EnvOr returns the value of the environment variable key, or
// fallback when unset.
func EnvOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
