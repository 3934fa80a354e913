// Package fs serves a launched update as a read-only FUSE filesystem.
package fs

import (
	"syscall"

	"github.com/tweag/update-launcher/internal/logging"
)

var logger = logging.Child("fs")

// modeRegularReadonly is the mode for regular files that are read-only.
// This sets the r bit for all users.
const modeRegularReadonly = syscall.S_IFREG | 0o444

// modeDirReadonly is the mode for directories that are read-only
// This sets the r and x bits for all users,
// which is needed to "cd" into the directory and list its contents.
const modeDirReadonly = syscall.S_IFDIR | 0o555

// WatcherFileName is the name of a file in the root of every mount.
// It is not listed, but can be stated and read.
const WatcherFileName = ".update-launcher-mount"
