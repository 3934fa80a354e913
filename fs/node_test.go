package fs

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tweag/update-launcher/fs/bundletree"
	"github.com/tweag/update-launcher/integrity"
)

func TestWriteAttributeList(t *testing.T) {
	names := []string{"user.sha256", "user.digest"}

	size, errno := writeAttributeList(names, nil)
	assert.Equal(t, syscall.ERANGE, errno)
	assert.EqualValues(t, len("user.sha256\x00user.digest\x00"), size)

	dest := make([]byte, size)
	size, errno = writeAttributeList(names, dest)
	assert.Zero(t, errno)
	assert.Equal(t, "user.sha256\x00user.digest\x00", string(dest[:size]))
}

func TestCheckOpenFlags(t *testing.T) {
	assert.Zero(t, checkOpenFlags(syscall.O_RDONLY))
	assert.Zero(t, checkOpenFlags(syscall.O_RDONLY|syscall.O_NOATIME))
	assert.Equal(t, syscall.EACCES, checkOpenFlags(syscall.O_WRONLY))
	assert.Equal(t, syscall.EACCES, checkOpenFlags(syscall.O_RDWR))
	assert.Equal(t, syscall.EACCES, checkOpenFlags(syscall.O_RDONLY|syscall.O_TRUNC))
	assert.Equal(t, syscall.EINVAL, checkOpenFlags(syscall.O_RDONLY|syscall.O_SYNC))
}

func TestToErrno(t *testing.T) {
	_, err := os.Open("/nonexistent/update-launcher")
	assert.Equal(t, syscall.ENOENT, toErrno(err))
	assert.Equal(t, syscall.EIO, toErrno(os.ErrClosed))
}

func TestWatcherContent(t *testing.T) {
	assert.Equal(t, "1709251200", watcherContent(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestUpdateTreeBeforeMount(t *testing.T) {
	first := bundletree.NewTree()
	leaf, err := bundletree.LeafFromContent("a", []byte("a"), integrity.SHA256)
	assert.NoError(t, err)
	assert.NoError(t, first.Insert("a", leaf))

	root := NewRoot(first, integrity.SHA256, time.Unix(1, 0), "")
	second := bundletree.NewTree()
	root.UpdateTree(second, time.Unix(2, 0))

	assert.Same(t, second.Root, root.node)
	assert.Equal(t, time.Unix(2, 0), root.modTime())
}
