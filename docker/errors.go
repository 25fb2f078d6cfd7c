package docker

import "errors"

// Error kinds, matching the disposition table: InvalidReference and
// ManifestInconsistent are fatal before/shortly after network I/O;
// AuthFailed and RegistryError are fatal for the current pull;
// StagingConflict is fatal; ArchiveAborted means the archive was not
// finalized, and staging is left in place for a retry.
//
// DigestMismatch is not in this list: it drives layerfetch's resume path
// internally and is never surfaced as a fatal pull error.
var (
	ErrInvalidReference     = errors.New("docker: invalid reference")
	ErrAuthFailed           = errors.New("docker: authentication failed")
	ErrRegistry             = errors.New("docker: registry error")
	ErrManifestInconsistent = errors.New("docker: manifest layer count does not match diff ID count")
	ErrStagingConflict      = errors.New("docker: staging path exists and is not a directory")
	ErrArchiveAborted       = errors.New("docker: archive was not finalized")
)
