package cas

import (
	"context"
	"fmt"
	"io"

	remoteexecution_proto "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/juju/errors"
	bytestream_proto "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/service/internal/protohelper"
)

// Remote reads blobs from the remote execution API's ContentAddressableStorage service.
// Blobs are only ever put there by the remote asset service; Remote never writes.
// See also: https://raw.githubusercontent.com/bazelbuild/remote-apis/refs/tags/v2.11.0-rc2/build/bazel/remote/execution/v2/remote_execution.proto
type Remote struct {
	casClient        remoteexecution_proto.ContentAddressableStorageClient
	byteStreamClient bytestream_proto.ByteStreamClient
	instanceName     string
}

func NewRemote(conn grpc.ClientConnInterface, instanceName string) *Remote {
	return &Remote{
		casClient:        remoteexecution_proto.NewContentAddressableStorageClient(conn),
		byteStreamClient: bytestream_proto.NewByteStreamClient(conn),
		instanceName:     instanceName,
	}
}

func (r *Remote) FindMissingBlobs(ctx context.Context, blobDigests []integrity.Digest, digestFunction integrity.Algorithm) ([]integrity.Digest, error) {
	resp, err := r.casClient.FindMissingBlobs(ctx, r.protoFindMissingBlobsRequest(blobDigests, digestFunction))
	if err != nil {
		return nil, errors.Annotate(err, "remote cas: FindMissingBlobs")
	}
	missing := make([]integrity.Digest, len(resp.MissingBlobDigests))
	for i, protoDigest := range resp.MissingBlobDigests {
		missing[i], err = integrity.DigestFromHex(protoDigest.Hash, protoDigest.SizeBytes, digestFunction)
		if err != nil {
			return nil, errors.Annotatef(err, "decoding missing digest %d", i)
		}
	}
	return missing, nil
}

func (r *Remote) ReadStream(ctx context.Context, blobDigest integrity.Digest, digestFunction integrity.Algorithm, offset, limit int64) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)

	stream, err := r.byteStreamClient.Read(ctx, &bytestream_proto.ReadRequest{
		ResourceName: r.resourceName(blobDigest, digestFunction),
		ReadOffset:   offset,
		ReadLimit:    limit,
	})
	if err != nil {
		cancel()
		return nil, errors.Annotate(err, "remote cas: ByteStream.Read")
	}
	return &byteStreamReadCloser{
		stream: stream,
		cancel: cancel,
	}, nil
}

// resourceName follows the ByteStream naming of the remote execution API.
// Digest functions other than SHA-256 are spelled out in the name.
func (r *Remote) resourceName(blobDigest integrity.Digest, digestFunction integrity.Algorithm) string {
	name := fmt.Sprintf("blobs/%s/%d", blobDigest.Hex(digestFunction), blobDigest.SizeBytes)
	if digestFunction != integrity.SHA256 {
		name = fmt.Sprintf("blobs/%s/%s/%d", digestFunction, blobDigest.Hex(digestFunction), blobDigest.SizeBytes)
	}
	if r.instanceName != "" {
		name = r.instanceName + "/" + name
	}
	return name
}

func (r *Remote) protoFindMissingBlobsRequest(blobDigests []integrity.Digest, digestFunction integrity.Algorithm) *remoteexecution_proto.FindMissingBlobsRequest {
	req := &remoteexecution_proto.FindMissingBlobsRequest{
		InstanceName:   r.instanceName,
		BlobDigests:    make([]*remoteexecution_proto.Digest, len(blobDigests)),
		DigestFunction: protohelper.ProtoDigestFunction(digestFunction),
	}
	for i, blobDigest := range blobDigests {
		req.BlobDigests[i] = &remoteexecution_proto.Digest{
			Hash:      blobDigest.Hex(digestFunction),
			SizeBytes: blobDigest.SizeBytes,
		}
	}
	return req
}

type byteStreamReadCloser struct {
	stream  bytestream_proto.ByteStream_ReadClient
	pending []byte
	eof     bool
	cancel  context.CancelFunc
}

func (b *byteStreamReadCloser) Read(p []byte) (int, error) {
	for len(b.pending) == 0 {
		if b.eof {
			return 0, io.EOF
		}
		resp, err := b.stream.Recv()
		if err == io.EOF {
			b.eof = true
			continue
		} else if grpcstatus.Code(err) == codes.NotFound {
			return 0, errors.Annotate(ErrBlobNotFound, err.Error())
		} else if err != nil {
			return 0, err
		}
		b.pending = resp.Data
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

func (b *byteStreamReadCloser) Close() error {
	// cancel the context to stop the stream from our side
	b.cancel()
	return nil
}

var _ CAS = (*Remote)(nil)
