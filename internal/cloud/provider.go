// Package cloud synchronizes pages with a remote store shared by every
// device of a user. Each page uploads the commits and objects it created or
// received from peers, and downloads what other devices uploaded.
package cloud

import (
	"context"
	"io"

	"github.com/systemshift/pagesync/internal/dag"
)

// Position is an opaque cursor into a page's remote commit log. The empty
// position is the start of the log.
type Position string

// Provider is the remote store. Errors are marked with the dag status
// sentinels: dag.ErrNotFound, dag.ErrNetwork, dag.ErrAuthentication,
// dag.ErrInternal.
type Provider interface {
	GetDeviceSet(ctx context.Context) (DeviceSet, error)
	GetPageCloud(ctx context.Context, ledger, page string) (PageCloud, error)
	// EraseAllData removes every page and the device set fingerprint.
	EraseAllData(ctx context.Context, auth string) error
}

// DeviceSet records which cloud generation this device last synced with.
// Erasing the cloud drops the fingerprint, so a device holding an old one
// can tell its local data no longer matches the remote.
type DeviceSet interface {
	// CheckFingerprint fails with dag.ErrNotFound if fingerprint is unknown.
	CheckFingerprint(ctx context.Context, auth, fingerprint string) error
	SetFingerprint(ctx context.Context, auth, fingerprint string) error
}

// PageCloud is one page's remote commit log and object store.
type PageCloud interface {
	// AddCommits appends commits in order. Commits already present are
	// skipped, so retrying an upload never duplicates an entry.
	AddCommits(ctx context.Context, auth string, commits [][]byte) error
	// GetCommits returns the commits after pos, in upload order, and the
	// position to resume from.
	GetCommits(ctx context.Context, auth string, after Position) ([][]byte, Position, error)
	// AddObjects stores objects. Objects already present are skipped.
	AddObjects(ctx context.Context, auth string, objects []Object) error
	// GetObject streams an object. The caller checks size against the bytes
	// drained.
	GetObject(ctx context.Context, auth string, id dag.ObjectIdentifier) (int64, io.ReadCloser, error)
	// SetWatcher registers w for commits uploaded after pos. A nil w
	// unregisters. Providers without push notification may never call w.
	SetWatcher(ctx context.Context, auth string, after Position, w Watcher) error
}

// Object is an object upload.
type Object struct {
	ID   dag.ObjectIdentifier
	Data []byte
}

// Watcher is told about remote commits as they appear.
type Watcher interface {
	OnNewCommits(commits [][]byte, next Position)
	// OnError reports that the watch broke; it must be set again.
	OnError(err error)
}
