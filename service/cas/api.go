package cas

import (
	"context"
	"io"

	"github.com/juju/errors"

	"github.com/tweag/update-launcher/integrity"
)

// ErrBlobNotFound is returned when a blob is not present in a CAS.
const ErrBlobNotFound = errors.ConstError("blob not found")

// CAS is the read side of a content-addressable storage system.
// It is modeled after the remote execution API's ContentAddressableStorage service,
// but does not assume that the storage system is remote.
type CAS interface {
	Checker
	Reader
}

type Checker interface {
	FindMissingBlobs(ctx context.Context, blobDigests []integrity.Digest, digestFunction integrity.Algorithm) ([]integrity.Digest, error)
}

type Reader interface {
	// ReadStream reads a blob starting at offset. A limit of zero means no limit.
	ReadStream(ctx context.Context, blobDigest integrity.Digest, digestFunction integrity.Algorithm, offset, limit int64) (io.ReadCloser, error)
}

// Importer stores blobs in a local CAS.
type Importer interface {
	// Import copies data into the CAS, verifying it against the expected checksum.
	Import(ctx context.Context, expected integrity.Checksum, data io.Reader) (integrity.Digest, error)
	// ImportPrevalidated stores data whose checksum was already verified by the caller.
	ImportPrevalidated(ctx context.Context, checksum integrity.Checksum, data io.Reader) (integrity.Digest, error)
}
