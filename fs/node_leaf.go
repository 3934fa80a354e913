package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tweag/update-launcher/fs/bundletree"
)

// leaf is a regular file in the filesystem.
// This corresponds to a materialized asset of the launched update.
type leaf struct {
	fs.Inode
	node *bundletree.Leaf
}

func (l *leaf) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	// we are a leaf node - we can't have children
	return nil, syscall.ENOENT
}

func (l *leaf) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	mtime := rootOf(&l.Inode).modTime()
	out.Mode = modeRegularReadonly
	out.SetTimes(nil, &mtime, &mtime)
	out.Size = uint64(l.node.Size)
	out.Blocks = (out.Size + 511) / 512
	return 0
}

func (l *leaf) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	if !slices.Contains(l.attributeNames(), attr) {
		return 0, syscall.ENODATA
	}
	hash := l.node.Checksum.Hash
	destSizeBytes := uint32(len(hash))
	if len(dest) < len(hash) {
		// buffer too small
		return destSizeBytes, syscall.ERANGE
	}
	copy(dest, hash)
	return destSizeBytes, 0
}

func (l *leaf) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return writeAttributeList(l.attributeNames(), dest)
}

// attributeNames are the user-defined attribute name, if any,
// and "user." + algorithm.
func (l *leaf) attributeNames() []string {
	root := rootOf(&l.Inode)
	names := []string{"user." + l.node.Checksum.Algorithm.String()}
	if len(root.digestHashAttributeName) > 0 && !slices.Contains(names, root.digestHashAttributeName) {
		names = append(names, root.digestHashAttributeName)
	}
	return names
}

// writeAttributeList copies NUL terminated names into dest.
func writeAttributeList(names []string, dest []byte) (uint32, syscall.Errno) {
	var destSizeBytes uint32
	for _, attr := range names {
		destSizeBytes += uint32(len(attr) + 1)
	}
	if len(dest) < int(destSizeBytes) {
		// buffer too small
		return destSizeBytes, syscall.ERANGE
	}
	current := dest
	for _, attr := range names {
		copy(current, attr)
		current = current[len(attr):]
		current[0] = 0
		current = current[1:]
	}
	return destSizeBytes, 0
}

func (l *leaf) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	if errno := checkOpenFlags(flags); errno != 0 {
		return nil, 0, errno
	}

	if l.node.Path == "" {
		return &leafHandle{reader: nopCloser{bytes.NewReader(l.node.Content)}}, fuse.FOPEN_KEEP_CACHE, 0
	}
	f, err := os.Open(l.node.Path)
	if err != nil {
		logger.Warningf("opening asset %q at %s: %v", l.node.Key, l.node.Path, err)
		return nil, 0, toErrno(err)
	}
	// assets are content addressed and never change on disk
	return &leafHandle{reader: f}, fuse.FOPEN_KEEP_CACHE, 0
}

func checkOpenFlags(flags uint32) syscall.Errno {
	switch {
	case flags&syscall.O_ACCMODE != syscall.O_RDONLY,
		flags&syscall.O_TRUNC != 0,
		flags&syscall.O_APPEND != 0,
		flags&syscall.O_CREAT != 0,
		flags&syscall.O_EXCL != 0:
		// only support read-only access
		return syscall.EACCES
	}

	// syscall.O_LARGEFILE is 0x0 on x86_64, but the kernel
	// supplies 0x8000 anyway, except on mips64el, where 0x8000 is
	// used for O_DIRECT.
	const explicitLargeFileFlag = 0x8000
	supportedFlags := uint32(syscall.O_RDONLY | syscall.O_LARGEFILE | explicitLargeFileFlag | syscall.O_NOATIME | syscall.O_NOFOLLOW)
	if flags&^supportedFlags != 0 {
		return syscall.EINVAL
	}
	return 0
}

type readerAtCloser interface {
	io.ReaderAt
	io.Closer
}

type nopCloser struct{ io.ReaderAt }

func (nopCloser) Close() error { return nil }

type leafHandle struct {
	reader readerAtCloser
}

func (h *leafHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.reader.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *leafHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.reader.Close(); err != nil {
		return toErrno(err)
	}
	return 0
}

func toErrno(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if errors.Is(err, os.ErrNotExist) {
		return syscall.ENOENT
	}
	// unknown error
	return syscall.EIO
}

// ensure leaf type embeds fs.Inode
var _ = (fs.InodeEmbedder)((*leaf)(nil))

// leaf implements lookup (but only to return ENOENT)
var _ = (fs.NodeLookuper)((*leaf)(nil))

// leaf needs to implement ways of reading file attributes
var (
	_ = (fs.NodeGetattrer)((*leaf)(nil))
	_ = (fs.NodeGetxattrer)((*leaf)(nil))
	_ = (fs.NodeListxattrer)((*leaf)(nil))
)

// leaf needs to implement Open, a way to open the file for reading
var _ = (fs.NodeOpener)((*leaf)(nil))

// leaf handles need to implement Read, a way to read the contents of the file
var _ = (fs.FileReader)((*leafHandle)(nil))

// leaf handles need to implement Release, a way to release the file handle
var _ = (fs.FileReleaser)((*leafHandle)(nil))
