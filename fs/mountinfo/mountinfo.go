// Package mountinfo reads the mount table of the current process.
package mountinfo

import (
	"path/filepath"

	"github.com/juju/errors"

	"github.com/tweag/update-launcher/api"
)

type Table []MountInfo

// MountPoint finds the mount at mountPoint. Later mounts shadow earlier ones.
func (t Table) MountPoint(mountPoint string) (MountInfo, error) {
	mountPoint, err := filepath.Abs(mountPoint)
	if err != nil {
		return MountInfo{}, errors.Trace(err)
	}
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].MountPoint == mountPoint {
			return t[i], nil
		}
	}
	return MountInfo{}, errors.NotFoundf("mount at %s", mountPoint)
}

// BundleMounts lists the mounts served by update-launcher.
func (t Table) BundleMounts() Table {
	var out Table
	for _, mount := range t {
		if mount.IsUpdateLauncher() {
			out = append(out, mount)
		}
	}
	return out
}

type MountInfo struct {
	// A unique ID for the mount
	MountID int
	// The ID of the parent mount
	ParentID int
	// The value of `st_dev` for the files on this filesystem
	MajorMinorStDev string
	// The pathname of the directory in the filesystem
	// which forms the root for this mount
	Root string
	// The pathname of the mount point relative to the process's root directory.
	MountPoint string
	// Mount options
	Options map[string]string
	// Zero or more optional fields
	OptionalFields map[string]string
	// The Filesystem type
	FSType string
	// Filesystem specific information or "none"
	Source string
	// Per-superblock options
	SuperOptions map[string]string
}

func (i MountInfo) IsUpdateLauncher() bool {
	return i.FSType == api.FSType
}
