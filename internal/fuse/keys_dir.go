package fuse

import (
	"context"
	"net/url"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/systemshift/pagesync/internal/dag"
)

// KeysDir lists the entries at the page's latest head. Key names are path
// escaped so keys containing "/" stay one file.
type KeysDir struct {
	fs.Inode
	page *dag.PageStorage
	log  *zap.SugaredLogger
}

var _ = (fs.NodeLookuper)((*KeysDir)(nil))
var _ = (fs.NodeReaddirer)((*KeysDir)(nil))
var _ = (fs.NodeGetattrer)((*KeysDir)(nil))

func fileName(key string) string {
	if key == "." || key == ".." {
		return strings.ReplaceAll(key, ".", "%2E")
	}
	return url.PathEscape(key)
}

func keyName(file string) (string, bool) {
	key, err := url.PathUnescape(file)
	return key, err == nil
}

func (d *KeysDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(d.page.ID(), "keys")
	return fs.OK
}

func (d *KeysDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	head, err := d.page.Head(ctx)
	if err != nil {
		return nil, errno(err)
	}
	entries, err := d.page.GetEntries(ctx, head)
	if err != nil {
		d.log.Warnw("Listing keys failed", "commit", dag.FormatCID(head.ID), "error", err)
		return nil, errno(err)
	}
	out := make([]fuse.DirEntry, len(entries))
	for i, e := range entries {
		name := fileName(e.Key)
		out[i] = fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFREG,
			Ino:  stableIno(d.page.ID(), "keys/"+name),
		}
	}
	return fs.NewListDirStream(out), fs.OK
}

func (d *KeysDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	key, ok := keyName(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	head, err := d.page.Head(ctx)
	if err != nil {
		return nil, errno(err)
	}
	if _, err := d.page.GetEntry(ctx, head, key); err != nil {
		return nil, errno(err)
	}
	f := &KeyFile{page: d.page, key: key, log: d.log}
	return d.NewInode(ctx, f, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno(d.page.ID(), "keys/"+name),
	}), fs.OK
}

// KeyFile is one value. Lazy values that are not local yet report size 0
// until read.
type KeyFile struct {
	fs.Inode
	page *dag.PageStorage
	key  string
	log  *zap.SugaredLogger
}

var _ = (fs.NodeGetattrer)((*KeyFile)(nil))
var _ = (fs.NodeReader)((*KeyFile)(nil))
var _ = (fs.NodeOpener)((*KeyFile)(nil))

func (f *KeyFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	head, err := f.page.Head(ctx)
	if err != nil {
		return errno(err)
	}
	e, err := f.page.GetEntry(ctx, head, f.key)
	if err != nil {
		return errno(err)
	}
	out.Mode = 0444
	out.Ino = stableIno(f.page.ID(), "keys/"+fileName(f.key))
	size, err := f.page.Objects().Size(ctx, e.Object)
	if errors.Is(err, dag.ErrNotFound) {
		return fs.OK
	}
	if err != nil {
		return errno(err)
	}
	out.Size = size
	return fs.OK
}

func (f *KeyFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *KeyFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := f.page.Get(ctx, f.key)
	if err != nil {
		f.log.Infow("Reading value failed", "key", f.key, "error", err)
		return nil, errno(err)
	}
	return readAt(data, dest, off), fs.OK
}
