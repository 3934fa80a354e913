//go:build !linux

package mountinfo

import "github.com/juju/errors"

// GetMounts is only implemented on Linux.
func GetMounts() (Table, error) {
	return nil, errors.NotSupportedf("mount table on this platform")
}
