// Package dockerauth resolves registry credentials the way the Docker
// CLI itself does, as a default source when neither -u/-p flags nor
// DOCKER_USERNAME/DOCKER_PASSWORD are set, plus masked interactive
// password entry. Only the plain/base64 "auths" section of
// ~/.docker/config.json is read; credential-helper-backed entries are
// deliberately not resolved, so looking up a credential never execs a
// helper subprocess.
package dockerauth

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	cliconfig "github.com/docker/cli/cli/config"
	"golang.org/x/term"
)

// Credentials is a resolved username/password pair. Either field may be
// empty, meaning anonymous (unauthenticated) access.
type Credentials struct {
	Username string
	Password string
}

// FromDockerConfig looks up registryHostname in the "auths" section of
// the user's ~/.docker/config.json. A cold cache (no entry, no config
// file) is not an error; it yields a zero Credentials.
func FromDockerConfig(registryHostname string) (Credentials, error) {
	cf, err := cliconfig.Load(cliconfig.Dir())
	if err != nil {
		return Credentials{}, fmt.Errorf("dockerauth: loading docker config: %w", err)
	}

	entry, ok := cf.AuthConfigs[registryHostname]
	if !ok {
		return Credentials{}, nil
	}

	if entry.Username != "" || entry.Password != "" {
		return Credentials{Username: entry.Username, Password: entry.Password}, nil
	}
	if entry.Auth == "" {
		return Credentials{}, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(entry.Auth)
	if err != nil {
		return Credentials{}, fmt.Errorf("dockerauth: decoding auth entry for %s: %w", registryHostname, err)
	}
	user, pass, found := strings.Cut(string(decoded), ":")
	if !found {
		return Credentials{}, fmt.Errorf("dockerauth: malformed auth entry for %s", registryHostname)
	}
	return Credentials{Username: user, Password: pass}, nil
}

// PromptPassword reads a password from the terminal without echoing
// it, for interactive -u USERNAME invocations that omit -p.
func PromptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("dockerauth: reading password: %w", err)
	}
	return string(raw), nil
}
