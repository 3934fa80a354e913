package cas

import (
	"context"
	"hash"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/juju/errors"

	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/internal/logging"
)

var logger = logging.Child("cas")

// Disk is the updates directory: a local content-addressable storage.
// The location of every blob is derived from its hash, which makes concurrent
// writers of the same content idempotent.
type Disk struct {
	rootDir string
}

// NewDisk creates a new Disk CAS with the given root directory.
func NewDisk(rootDir string) (*Disk, error) {
	disk := &Disk{rootDir: rootDir}
	if err := disk.initializeCacheDir(); err != nil {
		return nil, errors.Annotatef(err, "initializing updates directory %s", rootDir)
	}
	return disk, nil
}

func (d *Disk) Root() string {
	return d.rootDir
}

// RelativePath returns the slash separated location of a blob, relative to the root.
// The layout is similar to Bazel's disk cache, with one subdirectory per digest function:
//
//	<algorithm>/cas/<first 2 hex>/<hex>
func (d *Disk) RelativePath(checksum integrity.Checksum) string {
	hex := checksum.Hex()
	return path.Join(checksum.Algorithm.String(), "cas", hex[:2], hex)
}

// AbsolutePath resolves a relative path as returned by RelativePath.
func (d *Disk) AbsolutePath(relativePath string) string {
	return filepath.Join(d.rootDir, filepath.FromSlash(relativePath))
}

// Exists reports whether a regular file exists at relativePath.
// The content is not verified: a file at its hash-derived path is trusted.
func (d *Disk) Exists(relativePath string) bool {
	if relativePath == "" || !fs.ValidPath(relativePath) {
		return false
	}
	info, err := os.Stat(d.AbsolutePath(relativePath))
	return err == nil && info.Mode().IsRegular()
}

func (d *Disk) FindMissingBlobs(ctx context.Context, blobDigests []integrity.Digest, digestFunction integrity.Algorithm) ([]integrity.Digest, error) {
	missing := make([]integrity.Digest, 0, len(blobDigests))
	for _, digest := range blobDigests {
		blobPath := d.blobPath(integrity.ChecksumFromDigest(digest, digestFunction))
		fileInfo, err := os.Stat(blobPath)
		if os.IsNotExist(err) {
			missing = append(missing, digest)
			continue
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		if fileInfo.IsDir() {
			// our cache is corrupted
			return nil, errors.Errorf("blob path %s is a directory", blobPath)
		}
	}
	return missing, nil
}

func (d *Disk) ReadStream(ctx context.Context, blobDigest integrity.Digest, digestFunction integrity.Algorithm, offset, limit int64) (io.ReadCloser, error) {
	file, err := os.Open(d.blobPath(integrity.ChecksumFromDigest(blobDigest, digestFunction)))
	if os.IsNotExist(err) {
		return nil, errors.Annotatef(ErrBlobNotFound, "%s", blobDigest.Hex(digestFunction))
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return nil, errors.Trace(err)
	}
	if limit == 0 {
		return file, nil
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(file, limit), file}, nil
}

// WriteStream returns a writer for a blob with the expected checksum.
// The content is hashed while it is written; Close moves the blob into place
// only if the hash matches.
func (d *Disk) WriteStream(ctx context.Context, expected integrity.Checksum) (io.WriteCloser, error) {
	if expected.Empty() {
		return nil, errors.NotValidf("write without checksum")
	}
	dir := filepath.Join(d.rootDir, expected.Algorithm.String(), "staging")
	tmpfile, err := os.CreateTemp(dir, expected.Hex()+"-")
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &blobFinalizer{
		file:        tmpfile,
		hasher:      expected.Algorithm.Hasher(),
		stagingPath: tmpfile.Name(),
		finalPath:   d.blobPath(expected),
		expected:    expected,
	}, nil
}

func (d *Disk) Import(ctx context.Context, expected integrity.Checksum, data io.Reader) (integrity.Digest, error) {
	w, err := d.WriteStream(ctx, expected)
	if err != nil {
		return integrity.Digest{}, err
	}
	n, copyErr := io.Copy(w, contextReader{ctx: ctx, r: data})
	closeErr := w.Close()
	if copyErr != nil {
		return integrity.Digest{}, errors.Annotatef(copyErr, "importing blob %s", expected)
	}
	if closeErr != nil {
		return integrity.Digest{}, closeErr
	}
	return integrity.NewDigest(expected.Hash, n, expected.Algorithm), nil
}

// ImportPrevalidated stores a blob without hashing it again.
// The caller must ensure that data was actually validated against checksum.
// Data coming from an *os.File is hardlinked when possible.
func (d *Disk) ImportPrevalidated(ctx context.Context, checksum integrity.Checksum, data io.Reader) (integrity.Digest, error) {
	if checksum.Empty() {
		return integrity.Digest{}, errors.NotValidf("import without checksum")
	}
	targetLocation := d.blobPath(checksum)
	if err := os.MkdirAll(filepath.Dir(targetLocation), 0o755); err != nil {
		return integrity.Digest{}, errors.Trace(err)
	}
	sizeBytes, err := hardlinkOrCopy(data, targetLocation)
	if err != nil {
		return integrity.Digest{}, errors.Annotatef(err, "importing blob %s", checksum)
	}
	return integrity.NewDigest(checksum.Hash, sizeBytes, checksum.Algorithm), nil
}

func (d *Disk) blobPath(checksum integrity.Checksum) string {
	return d.AbsolutePath(d.RelativePath(checksum))
}

func (d *Disk) initializeCacheDir() error {
	// <rootDir>/<digestFunction>/cas/
	// <rootDir>/<digestFunction>/staging/
	if err := os.MkdirAll(d.rootDir, 0o755); err != nil {
		return err
	}
	for _, digestFunction := range integrity.SupportedAlgorithms() {
		digestPrefix := filepath.Join(d.rootDir, digestFunction.String())
		if err := os.MkdirAll(filepath.Join(digestPrefix, "cas"), 0o755); err != nil {
			return err
		}
		stagingDir := filepath.Join(digestPrefix, "staging")
		if err := os.MkdirAll(stagingDir, 0o755); err != nil {
			return err
		}
		// Other launchers may share the directory, so only old leftovers are removed.
		files, err := os.ReadDir(stagingDir)
		if err != nil {
			return err
		}
		for _, file := range files {
			info, err := file.Info()
			if err != nil || time.Since(info.ModTime()) < staleStagingAge {
				continue
			}
			if err := os.Remove(filepath.Join(stagingDir, file.Name())); err != nil && !os.IsNotExist(err) {
				return err
			}
			logger.Debugf("removed stale staging file %s", file.Name())
		}
	}
	return nil
}

// blobFinalizer hashes every byte on its way to the staging file.
// It must not expose the file's ReadFrom, or io.Copy would bypass the hasher.
type blobFinalizer struct {
	file        *os.File
	hasher      hash.Hash
	written     int64
	stagingPath string
	finalPath   string
	expected    integrity.Checksum
}

func (b *blobFinalizer) Write(p []byte) (int, error) {
	n, err := b.file.Write(p)
	b.hasher.Write(p[:n])
	b.written += int64(n)
	return n, err
}

func (b *blobFinalizer) Close() error {
	defer os.Remove(b.stagingPath)
	if err := b.file.Close(); err != nil {
		return errors.Annotatef(err, "closing staging file %s", b.stagingPath)
	}

	got := integrity.Checksum{Algorithm: b.expected.Algorithm, Hash: b.hasher.Sum(nil)}
	if !got.Equals(b.expected) {
		return errors.Annotatef(integrity.ErrChecksumMismatch, "expected %s, got %s", b.expected, got)
	}

	if err := os.MkdirAll(filepath.Dir(b.finalPath), 0o755); err != nil {
		return errors.Annotatef(err, "creating directory for blob %s", b.finalPath)
	}
	// rename is atomic, a concurrent writer of the same blob wins or loses without harm
	if err := os.Rename(b.stagingPath, b.finalPath); err != nil {
		return errors.Annotatef(err, "moving staging file %s to %s", b.stagingPath, b.finalPath)
	}
	logger.Debugf("stored blob %s (%d bytes)", b.expected, b.written)
	return nil
}

func hardlinkOrCopy(source io.Reader, target string) (fileSize int64, err error) {
	defer func() {
		// learn size on function return
		if err != nil {
			return
		}
		fileInfo, statErr := os.Stat(target)
		if statErr != nil {
			err = statErr
			return
		}
		fileSize = fileInfo.Size()
	}()

	if sourceFile, ok := source.(*os.File); ok {
		err := os.Link(sourceFile.Name(), target)
		if err == nil || os.IsExist(err) {
			return 0, nil
		}
	}
	// if we can't hardlink, we need to copy the file atomically
	tmpFile, err := os.CreateTemp(filepath.Dir(target), "tmp-")
	if err != nil {
		return 0, err
	}
	defer tmpFile.Close()
	defer os.Remove(tmpFile.Name())

	if _, err := io.Copy(tmpFile, source); err != nil {
		return 0, err
	}
	if err := tmpFile.Close(); err != nil {
		return 0, err
	}
	return 0, os.Rename(tmpFile.Name(), target)
}

// contextReader stops a long copy once the context is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

const staleStagingAge = time.Hour

var (
	_ CAS      = (*Disk)(nil)
	_ Importer = (*Disk)(nil)
)
