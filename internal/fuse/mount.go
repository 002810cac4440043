// Package fuse exposes one page as a read-only filesystem:
//
//	heads        current head commit ids, one per line
//	keys/<key>   values at the latest head, lazy values fetched on read
//	log/<n>      commit n (0 is newest) as JSON
package fuse

import (
	"github.com/cockroachdb/errors"
	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/systemshift/pagesync/internal/dag"
)

// MountOptions configures Mount.
type MountOptions struct {
	Logger *zap.SugaredLogger
	// Debug logs every FUSE request.
	Debug bool
}

// Mount mounts page read-only at mountpoint. Call Wait on the returned
// server to block and Unmount to stop.
func Mount(mountpoint string, page *dag.PageStorage, opts MountOptions) (*gofuse.Server, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	root := &RootNode{page: page, log: log.With("page", page.ID())}

	server, err := fs.Mount(mountpoint, root, &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName:        "pagesync:" + page.ID(),
			Name:          "pagesync",
			DisableXAttrs: true,
			Debug:         opts.Debug,
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "mount %s", mountpoint)
	}
	return server, nil
}
