package fs

import (
	"context"
	"strconv"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// watcherfile is a special leaf that is not listed
// as a dirent, but can be stated and opened.
// It is present in every mount and holds the launch time as unix seconds.
// Tools can watch it to be notified whenever the bundle is relaunched,
// mounted or unmounted.
type watcherfile struct {
	fs.Inode
}

func watcherContent(mtime time.Time) string {
	return strconv.FormatInt(mtime.Unix(), 10)
}

func (w *watcherfile) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	// we are a leaf node - we can't have children
	return nil, syscall.ENOENT
}

func (w *watcherfile) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	mtime := rootOf(&w.Inode).modTime()
	out.Mode = modeRegularReadonly
	out.SetTimes(nil, &mtime, &mtime)
	out.Size = uint64(len(watcherContent(mtime)))
	out.Blocks = (out.Size + 511) / 512
	return 0
}

func (w *watcherfile) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	if errno := checkOpenFlags(flags); errno != 0 {
		return nil, 0, errno
	}
	// the content changes on relaunch
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (w *watcherfile) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	logger.Debugf("watcherfile read at %d", off)
	content := watcherContent(rootOf(&w.Inode).modTime())
	if off >= int64(len(content)) {
		return fuse.ReadResultData(nil), 0
	}
	n := copy(dest, content[off:])
	return fuse.ReadResultData(dest[:n]), 0
}

var (
	_ = (fs.InodeEmbedder)((*watcherfile)(nil))
	_ = (fs.NodeLookuper)((*watcherfile)(nil))
	_ = (fs.NodeGetattrer)((*watcherfile)(nil))
	_ = (fs.NodeOpener)((*watcherfile)(nil))
	_ = (fs.NodeReader)((*watcherfile)(nil))
)
