package fuse

import (
	"context"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/systemshift/pagesync/internal/dag"
)

// RootNode is the mountpoint directory. Contains "heads", "keys/" and "log/".
type RootNode struct {
	fs.Inode
	page *dag.PageStorage
	log  *zap.SugaredLogger
}

var _ = (fs.NodeOnAdder)((*RootNode)(nil))
var _ = (fs.NodeGetattrer)((*RootNode)(nil))

func (r *RootNode) OnAdd(ctx context.Context) {
	id := r.page.ID()

	heads := &HeadsFile{page: r.page}
	r.AddChild("heads", r.NewPersistentInode(ctx, heads, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno(id, "heads"),
	}), true)

	keys := &KeysDir{page: r.page, log: r.log}
	r.AddChild("keys", r.NewPersistentInode(ctx, keys, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno(id, "keys"),
	}), true)

	logDir := &LogDir{page: r.page}
	r.AddChild("log", r.NewPersistentInode(ctx, logDir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno(id, "log"),
	}), true)
}

func (r *RootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(r.page.ID(), "/")
	return fs.OK
}

// HeadsFile lists the page's heads.
type HeadsFile struct {
	fs.Inode
	page *dag.PageStorage
}

var _ = (fs.NodeGetattrer)((*HeadsFile)(nil))
var _ = (fs.NodeReader)((*HeadsFile)(nil))
var _ = (fs.NodeOpener)((*HeadsFile)(nil))

func headsText(ctx context.Context, page *dag.PageStorage) ([]byte, error) {
	heads, err := page.GetHeads(ctx)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, h := range heads {
		b.WriteString(dag.FormatCID(h.ID))
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

func (f *HeadsFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	data, err := headsText(ctx, f.page)
	if err != nil {
		return errno(err)
	}
	out.Mode = 0444
	out.Size = uint64(len(data))
	out.Ino = stableIno(f.page.ID(), "heads")
	return fs.OK
}

// Heads change under sync, so the kernel must not cache them.
func (f *HeadsFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *HeadsFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := headsText(ctx, f.page)
	if err != nil {
		return nil, errno(err)
	}
	return readAt(data, dest, off), fs.OK
}

func readAt(data, dest []byte, off int64) fuse.ReadResult {
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil)
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end])
}

// errno maps storage errors onto the codes callers of read(2) understand.
func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return fs.OK
	case errors.Is(err, dag.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, dag.ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return syscall.EAGAIN
	case errors.Is(err, dag.ErrAuthentication):
		return syscall.EACCES
	default:
		return syscall.EIO
	}
}
