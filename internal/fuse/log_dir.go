package fuse

import (
	"context"
	"encoding/json"
	"strconv"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/pagesync/internal/dag"
)

const maxLogEntries = 64

// LogDir exposes recent commits as files: log/0 is the newest.
type LogDir struct {
	fs.Inode
	page *dag.PageStorage
}

var _ = (fs.NodeLookuper)((*LogDir)(nil))
var _ = (fs.NodeReaddirer)((*LogDir)(nil))
var _ = (fs.NodeGetattrer)((*LogDir)(nil))

func (d *LogDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(d.page.ID(), "log")
	return fs.OK
}

func (d *LogDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	commits, err := d.page.Log(ctx, maxLogEntries)
	if err != nil {
		return nil, errno(err)
	}
	entries := make([]fuse.DirEntry, len(commits))
	for i := range commits {
		name := strconv.Itoa(i)
		entries[i] = fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFREG,
			Ino:  stableIno(d.page.ID(), "log/"+name),
		}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *LogDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	idx, err := strconv.Atoi(name)
	if err != nil || idx < 0 || idx >= maxLogEntries {
		return nil, syscall.ENOENT
	}
	commits, err := d.page.Log(ctx, idx+1)
	if err != nil {
		return nil, errno(err)
	}
	if idx >= len(commits) {
		return nil, syscall.ENOENT
	}
	f := &LogEntryFile{page: d.page, index: idx}
	return d.NewInode(ctx, f, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno(d.page.ID(), "log/"+name),
	}), fs.OK
}

// commitView is the JSON form of a commit.
type commitView struct {
	ID         string    `json:"id"`
	Parents    []string  `json:"parents"`
	Generation uint64    `json:"generation"`
	Timestamp  time.Time `json:"timestamp"`
	Root       string    `json:"root"`
}

func commitJSON(c *dag.Commit) ([]byte, error) {
	v := commitView{
		ID:         dag.FormatCID(c.ID),
		Parents:    make([]string, len(c.ParentIDs)),
		Generation: c.Generation,
		Timestamp:  c.Timestamp.UTC(),
		Root:       dag.FormatCID(c.RootID.Digest),
	}
	for i, p := range c.ParentIDs {
		v.Parents[i] = dag.FormatCID(p)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// LogEntryFile is the commit at a position in the log. The position moves
// as commits arrive, so it is resolved on every access.
type LogEntryFile struct {
	fs.Inode
	page  *dag.PageStorage
	index int
}

var _ = (fs.NodeGetattrer)((*LogEntryFile)(nil))
var _ = (fs.NodeReader)((*LogEntryFile)(nil))
var _ = (fs.NodeOpener)((*LogEntryFile)(nil))

func (f *LogEntryFile) content(ctx context.Context) ([]byte, syscall.Errno) {
	commits, err := f.page.Log(ctx, f.index+1)
	if err != nil {
		return nil, errno(err)
	}
	if f.index >= len(commits) {
		return nil, syscall.ENOENT
	}
	data, err := commitJSON(commits[f.index])
	if err != nil {
		return nil, syscall.EIO
	}
	return data, fs.OK
}

func (f *LogEntryFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	data, e := f.content(ctx)
	if e != fs.OK {
		return e
	}
	out.Mode = 0444
	out.Size = uint64(len(data))
	out.Ino = stableIno(f.page.ID(), "log/"+strconv.Itoa(f.index))
	return fs.OK
}

func (f *LogEntryFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *LogEntryFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, e := f.content(ctx)
	if e != fs.OK {
		return nil, e
	}
	return readAt(data, dest, off), fs.OK
}
