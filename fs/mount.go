package fs

import (
	"time"

	goFUSEfs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/juju/errors"
)

// MountOptions configure Mount.
type MountOptions struct {
	Debug bool
	// Timeout is the kernel cache timeout for entries and attributes.
	// Zero means one second.
	Timeout time.Duration
}

// Mount serves root at mountpoint. The caller waits on, and unmounts, the returned server.
func Mount(mountpoint string, root *Root, opts MountOptions) (*fuse.Server, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Second
	}
	fuseOpts := goFUSEfs.Options{
		// Relaunching replaces the tree, so the kernel
		// must not cache root entries for long.
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		MountOptions: fuse.MountOptions{
			Debug:                opts.Debug,
			IgnoreSecurityLabels: true,
			FsName:               "update-launcher",
			Name:                 "update-launcher",
		},
	}
	server, err := goFUSEfs.Mount(mountpoint, root, &fuseOpts)
	if err != nil {
		return nil, errors.Annotatef(err, "mounting %s", mountpoint)
	}
	logger.Infof("mounted bundle at %s", mountpoint)
	return server, nil
}
