//go:build linux

package mountinfo

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTable = `22 1 0:21 / / rw,relatime shared:1 - ext4 /dev/sda1 rw,errors=remount-ro
35 22 0:31 / /proc rw,nosuid,nodev,noexec,relatime shared:13 - proc proc rw
61 22 0:48 / /srv/app/bundle ro,nosuid,nodev,relatime - fuse.update-launcher update-launcher ro,user_id=0,group_id=0
62 22 0:49 / /srv/app/bundle rw,relatime shared:40 master:2 - tmpfs tmpfs rw,size=1024k`

func TestParseTable(t *testing.T) {
	table, err := parseTable([]byte(sampleTable))
	require.NoError(t, err)
	require.Len(t, table, 4)

	root := table[0]
	assert.Equal(t, 22, root.MountID)
	assert.Equal(t, 1, root.ParentID)
	assert.Equal(t, "ext4", root.FSType)
	assert.Equal(t, map[string]string{"shared": "1"}, root.OptionalFields)
	assert.Equal(t, "remount-ro", root.SuperOptions["errors"])

	bundle := table[2]
	assert.True(t, bundle.IsUpdateLauncher())
	assert.Nil(t, bundle.OptionalFields)
	assert.Contains(t, bundle.Options, "ro")
	assert.Equal(t, "0", bundle.SuperOptions["user_id"])

	assert.Equal(t, map[string]string{"shared": "40", "master": "2"}, table[3].OptionalFields)
	assert.Len(t, table.BundleMounts(), 1)

	// the tmpfs shadows the bundle mount
	shadowing, err := table.MountPoint("/srv/app/bundle")
	require.NoError(t, err)
	assert.Equal(t, 62, shadowing.MountID)

	_, err = table.MountPoint("/nonexistent")
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestParseMountInfoErrors(t *testing.T) {
	_, err := parseMountInfo("22 1 0:21 / /")
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = parseMountInfo("22 1 0:21 / / rw shared:1 x ext4 /dev/sda1 rw")
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = parseMountInfo("x 1 0:21 / / rw - ext4 /dev/sda1 rw")
	assert.Error(t, err)
}
