// Package reference parses and normalizes the image reference tokens users
// pass on the command line (e.g. "alpine", "ghcr.io/acme/app:v1",
// "host:5000/a/b@sha256:...") into the registry host, slash-joined
// namespace, and tag-or-digest that the rest of the pipeline consumes.
package reference

import (
	"fmt"
	"strings"
)

// DefaultRegistry is used when a reference does not name one explicitly.
const DefaultRegistry = "registry-1.docker.io"

// DefaultNamespace is prepended to single-segment names, matching Docker
// Hub's implicit "library/" official-image namespace.
const DefaultNamespace = "library"

// InvalidReferenceError reports a malformed reference token.
type InvalidReferenceError struct {
	Input  string
	Reason string
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("reference: invalid reference %q: %s", e.Input, e.Reason)
}

// Reference is the parsed form of an image reference: a registry host, a
// slash-joined namespace/repository path, and a tag or digest.
type Reference struct {
	Registry  string
	Namespace string
	Ref       string
}

// IsDefaultRegistry reports whether r.Registry is the implicit default
// (i.e. the input did not name a registry host explicitly).
func (r Reference) IsDefaultRegistry() bool {
	return r.Registry == DefaultRegistry
}

// Parse splits input into (registry, namespace, reference) following, in
// order:
//
//  1. A single path segment gets the default registry and "library/" prefix.
//  2. If the first segment contains "." or ":" it names a registry host.
//  3. Otherwise the default registry is used and every segment but the last
//     forms the namespace prefix.
//  4. The last segment is split on "@" (digest) else ":" (tag); an absent
//     tag defaults to "latest". More than one colon in the last segment
//     (outside of a digest) is an error.
func Parse(input string) (Reference, error) {
	if input == "" {
		return Reference{}, &InvalidReferenceError{Input: input, Reason: "empty reference"}
	}

	segments := strings.Split(input, "/")

	var registry string
	var nsPrefix []string

	switch {
	case len(segments) == 1:
		registry = DefaultRegistry
		nsPrefix = []string{DefaultNamespace}
	case strings.ContainsAny(segments[0], ".:"):
		registry = segments[0]
		nsPrefix = segments[1 : len(segments)-1]
	default:
		registry = DefaultRegistry
		nsPrefix = segments[:len(segments)-1]
	}

	last := segments[len(segments)-1]

	name, ref, err := splitLast(last)
	if err != nil {
		return Reference{}, &InvalidReferenceError{Input: input, Reason: err.Error()}
	}

	nsParts := append(append([]string(nil), nsPrefix...), name)
	namespace := strings.Join(nsParts, "/")
	if namespace == "" {
		return Reference{}, &InvalidReferenceError{Input: input, Reason: "empty namespace"}
	}

	return Reference{Registry: registry, Namespace: namespace, Ref: ref}, nil
}

// splitLast splits the final path segment into (name, reference) on "@"
// (digest) or ":" (tag), defaulting the tag to "latest" when absent.
func splitLast(last string) (name, ref string, err error) {
	if i := strings.Index(last, "@"); i >= 0 {
		return last[:i], last[i+1:], nil
	}

	parts := strings.Split(last, ":")
	switch len(parts) {
	case 1:
		return parts[0], "latest", nil
	case 2:
		if parts[1] == "" {
			return "", "", fmt.Errorf("empty tag")
		}
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("too many colons in %q", last)
	}
}

// RepoTag returns the canonical "namespace:ref" string used for a
// manifest.json RepoTags entry, stripping the "library/" prefix when the reference targets the default
// registry (matching Docker's own display convention for official images).
func (r Reference) RepoTag() string {
	repo := r.Namespace
	if r.IsDefaultRegistry() {
		repo = strings.TrimPrefix(repo, DefaultNamespace+"/")
	}
	return repo + ":" + r.Ref
}

// Repo returns the repository path used as the "repositories" file's
// top-level key, applying the same library/ stripping as RepoTag.
func (r Reference) Repo() string {
	if r.IsDefaultRegistry() {
		return strings.TrimPrefix(r.Namespace, DefaultNamespace+"/")
	}
	return r.Namespace
}
