package service

import "errors"

// Errors returned by the ingestion and catalog services. Archive errors
// (archive.ErrCorruptArchive, archive.ErrMissingMetadata,
// archive.ErrInvalidMetadata) are passed through wrapped.
var (
	ErrDuplicateContent = errors.New("uploaded plugin is a duplicate")
	ErrStaleVersion     = errors.New("a same or newer version already exists")
	ErrMissingIconAsset = errors.New("icon declared in metadata.txt is missing")
	ErrStorageWrite     = errors.New("writing of plugin failed")
	ErrPersistence      = errors.New("error saving plugin, see logs for details")
	ErrAccessDenied     = errors.New("access denied")
	ErrNotFound         = errors.New("not found")
	ErrInvalidVote      = errors.New("vote must be between 1 and 5")

	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserExists         = errors.New("a user with that name already exists")
	ErrRoleExists         = errors.New("a role with that name already exists")
	ErrWeakPassword       = errors.New("password needs to have at least 8 characters")
)
