// Package objstore provides a uniform key/value object storage abstraction
// with pluggable backends: local directory, S3-compatible bucket, and Azure
// blob container. All backends share the same contract; they differ only in
// how the version token is represented.
package objstore

import (
	"context"
	"errors"
)

// Version is an opaque token identifying the stored state of an object.
// For the file backend it is a content hash; for the cloud backends it is
// the remote ETag.
type Version string

// VersionAbsent is the expected-version sentinel for create-only writes:
// the put succeeds only if the key does not exist yet.
const VersionAbsent Version = "!absent"

// Storage error types.
var (
	ErrNotFound           = errors.New("object not found")
	ErrVersionConflict    = errors.New("object version conflict")
	ErrBackendUnavailable = errors.New("storage backend unavailable")
)

// Store is the object storage contract shared by every backend. A Store is
// chosen once at process startup and injected; it is safe for concurrent use.
type Store interface {
	// Get returns the object's bytes and current version.
	Get(ctx context.Context, key string) ([]byte, Version, error)

	// Put stores data under key. An empty expected version writes
	// unconditionally; VersionAbsent requires the key to be absent; any
	// other value requires the stored version to match, otherwise the put
	// fails with ErrVersionConflict and performs no write.
	Put(ctx context.Context, key string, data []byte, expected Version) (Version, error)

	// Delete removes the object. Deleting a missing key returns ErrNotFound.
	Delete(ctx context.Context, key string) error

	// List returns up to max keys with the given prefix, lexicographically
	// ordered, starting after the continuation token. A non-empty returned
	// token means the listing is truncated and restartable from that token.
	List(ctx context.Context, prefix, token string, max int) (keys []string, next string, err error)

	// Exists reports whether the key is present without reading its data.
	Exists(ctx context.Context, key string) (bool, error)
}

// checkExpected applies the conditional-write rules given the current
// version and whether the key exists. It is shared by backends that
// implement the check client-side.
func checkExpected(expected, current Version, exists bool) error {
	switch expected {
	case "":
		return nil
	case VersionAbsent:
		if exists {
			return ErrVersionConflict
		}
		return nil
	default:
		if !exists || current != expected {
			return ErrVersionConflict
		}
		return nil
	}
}
