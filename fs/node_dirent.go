package fs

import (
	"context"
	"maps"
	"slices"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tweag/update-launcher/fs/bundletree"
)

type dirent struct {
	fs.Inode
	node *bundletree.Directory
}

// children reads the directory under the root lock, since the root directory can be swapped.
func (n *dirent) children() map[string]any {
	root := rootOf(&n.Inode)
	root.mu.RLock()
	defer root.mu.RUnlock()
	return n.node.Children
}

func (n *dirent) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	root := rootOf(&n.Inode)

	child, ok := n.children()[name]
	if !ok {
		return nil, syscall.ENOENT
	}

	var ops fs.InodeEmbedder
	var stableAttr fs.StableAttr
	switch child := child.(type) {
	case *bundletree.Directory:
		ops = &dirent{node: child}
		out.Mode = modeDirReadonly
		stableAttr.Mode = syscall.S_IFDIR
		out.SetAttrTimeout(direntTTL)
		out.SetEntryTimeout(direntTTL)
	case *bundletree.Leaf:
		ops = &leaf{node: child}
		out.Mode = modeRegularReadonly
		out.Size = uint64(child.Size)
		out.Blocks = (out.Size + 511) / 512
		stableAttr.Mode = syscall.S_IFREG
	default:
		return nil, syscall.EIO
	}

	mtime := root.modTime()
	out.SetTimes(nil, &mtime, &mtime)

	return n.NewInode(ctx, ops, stableAttr), 0
}

func (n *dirent) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	children := n.children()
	entries := make([]fuse.DirEntry, 0, len(children))
	for _, name := range slices.Sorted(maps.Keys(children)) {
		mode := uint32(modeRegularReadonly)
		if _, ok := children[name].(*bundletree.Directory); ok {
			mode = modeDirReadonly
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *dirent) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	mtime := rootOf(&n.Inode).modTime()
	out.Mode = modeDirReadonly
	out.SetTimes(nil, &mtime, &mtime)
	out.SetTimeout(direntTTL)
	return 0
}

func (n *dirent) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	// dirent nodes do not have extended attributes
	return 0, syscall.ENODATA
}

func (n *dirent) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	// dirent nodes do not have extended attributes
	return 0, 0
}

// directories below the root never change, a relaunch replaces them
const direntTTL = 24 * time.Hour

// ensure dirent type embeds fs.Inode
var _ = (fs.InodeEmbedder)((*dirent)(nil))

// dirent needs to implement Lookup, a way to find a child node by name
var _ = (fs.NodeLookuper)((*dirent)(nil))

// dirent needs to implement Readdir to list its children
var _ = (fs.NodeReaddirer)((*dirent)(nil))

// dirent needs to implement ways of reading file attributes
var (
	_ = (fs.NodeGetattrer)((*dirent)(nil))
	_ = (fs.NodeGetxattrer)((*dirent)(nil))
	_ = (fs.NodeListxattrer)((*dirent)(nil))
)
