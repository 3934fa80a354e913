package fs

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tweag/update-launcher/fs/bundletree"
	"github.com/tweag/update-launcher/integrity"
)

// Root is the root directory of a bundle mount.
type Root struct {
	// the root node is a directory
	dirent

	// mu guards the tree below the root and mtime.
	// Subtrees are immutable once built, only the root is swapped.
	mu sync.RWMutex

	// The algorithm the leaf checksums were calculated with
	digestAlgorithm integrity.Algorithm

	// mtime (and ctime) of inodes, the time the update was launched
	mtime time.Time

	// the name of the extended attribute of leaf nodes that holds the digest hash
	// In addition, we always support "user.<algorithm>".
	digestHashAttributeName string
}

// NewRoot serves tree. digestHashAttributeName may be empty.
func NewRoot(tree bundletree.Tree, algorithm integrity.Algorithm, mtime time.Time, digestHashAttributeName string) *Root {
	return &Root{
		dirent:                  dirent{node: tree.Root},
		digestAlgorithm:         algorithm,
		mtime:                   mtime,
		digestHashAttributeName: digestHashAttributeName,
	}
}

// UpdateTree replaces the served tree, typically after a relaunch.
func (r *Root) UpdateTree(tree bundletree.Tree, mtime time.Time) {
	r.mu.Lock()
	old := r.node
	r.node = tree.Root
	r.mtime = mtime
	r.mu.Unlock()

	if r.StableAttr().Ino == 0 {
		// not mounted yet
		return
	}
	names := map[string]struct{}{WatcherFileName: {}}
	for name := range old.Children {
		names[name] = struct{}{}
	}
	for name := range tree.Root.Children {
		names[name] = struct{}{}
	}
	for name := range names {
		r.RmChild(name)
		if errno := r.NotifyEntry(name); errno != 0 && errno != syscall.ENOENT {
			logger.Debugf("invalidating entry %q: %v", name, errno)
		}
	}
}

func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if name == WatcherFileName {
		mtime := r.modTime()
		out.Mode = modeRegularReadonly
		out.Size = uint64(len(watcherContent(mtime)))
		out.SetTimes(nil, &mtime, &mtime)
		return r.NewInode(ctx, &watcherfile{}, fs.StableAttr{Mode: syscall.S_IFREG}), 0
	}
	return r.dirent.Lookup(ctx, name, out)
}

func (r *Root) modTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mtime
}

func rootOf(n *fs.Inode) *Root {
	return n.Root().Operations().(*Root)
}

// ensure root type embeds fs.Inode
var _ = (fs.InodeEmbedder)((*Root)(nil))

// the root overrides Lookup to serve the watcher file
var _ = (fs.NodeLookuper)((*Root)(nil))

// root should inherit the ability to read attributes
// and list its children from dirent
var (
	_ = (fs.NodeGetattrer)((*Root)(nil))
	_ = (fs.NodeGetxattrer)((*Root)(nil))
	_ = (fs.NodeListxattrer)((*Root)(nil))
	_ = (fs.NodeReaddirer)((*Root)(nil))
)
