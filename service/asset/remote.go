package asset

import (
	"context"
	"sort"

	remoteasset_proto "github.com/bazelbuild/remote-apis/build/bazel/remote/asset/v1"
	"github.com/juju/errors"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/service/internal/protohelper"
)

// ErrUnexpectedDigest is returned when the remote asset service resolves a
// request to content other than the requested checksum.
const ErrUnexpectedDigest = errors.ConstError("remote asset api returned an unexpected digest")

// RemoteAssetService uses the remote asset API to access assets via gRPC.
// See also: https://raw.githubusercontent.com/bazelbuild/remote-apis/refs/tags/v2.11.0-rc2/build/bazel/remote/asset/v1/remote_asset.proto
type RemoteAssetService struct {
	client       remoteasset_proto.FetchClient
	instanceName string
}

func NewRemoteAssetService(conn grpc.ClientConnInterface, instanceName string) *RemoteAssetService {
	return &RemoteAssetService{
		client:       remoteasset_proto.NewFetchClient(conn),
		instanceName: instanceName,
	}
}

func (r *RemoteAssetService) FetchBlob(ctx context.Context, req FetchBlobRequest) (FetchBlobResponse, error) {
	if req.Checksum.Empty() {
		return FetchBlobResponse{}, errors.NotValidf("FetchBlob without checksum")
	}
	resp, err := r.client.FetchBlob(ctx, r.protoFetchBlobRequest(req))
	if err != nil {
		return FetchBlobResponse{}, errors.Annotate(err, "remote asset api: FetchBlob")
	}

	out, err := fromProtoFetchBlobResponse(resp)
	if err != nil {
		return out, err
	}
	if err := out.Status.Err(); err != nil {
		return out, errors.Annotatef(err, "remote asset api: FetchBlob %v", req.URIs)
	}

	if out.DigestFunction == req.Checksum.Algorithm {
		knownDigest := integrity.NewDigest(req.Checksum.Hash, out.BlobDigest.SizeBytes, out.DigestFunction)
		if !knownDigest.Equals(out.BlobDigest, out.DigestFunction) {
			return FetchBlobResponse{}, errors.Annotatef(ErrUnexpectedDigest, "expected %s, got %s", knownDigest.Hex(out.DigestFunction), out.BlobDigest.Hex(out.DigestFunction))
		}
	}

	return out, nil
}

func (r *RemoteAssetService) protoFetchBlobRequest(req FetchBlobRequest) *remoteasset_proto.FetchBlobRequest {
	out := &remoteasset_proto.FetchBlobRequest{
		InstanceName:   r.instanceName,
		Uris:           req.URIs,
		DigestFunction: protohelper.ProtoDigestFunction(req.Checksum.Algorithm),
	}
	if req.Timeout != 0 {
		out.Timeout = durationpb.New(req.Timeout)
	}
	if !req.OldestContentAccepted.IsZero() {
		out.OldestContentAccepted = timestamppb.New(req.OldestContentAccepted)
	}

	// Sending only the sri for the digest function is most widely supported by implementations.
	qualifiers := map[string]string{"checksum.sri": req.Checksum.ToSRI()}
	for name, value := range req.Headers {
		qualifiers["http_header:"+name] = value
	}
	names := make([]string, 0, len(qualifiers))
	for name := range qualifiers {
		names = append(names, name)
	}
	// stable order keeps requests cacheable
	sort.Strings(names)
	for _, name := range names {
		out.Qualifiers = append(out.Qualifiers, &remoteasset_proto.Qualifier{
			Name:  name,
			Value: qualifiers[name],
		})
	}
	return out
}

func fromProtoFetchBlobResponse(resp *remoteasset_proto.FetchBlobResponse) (FetchBlobResponse, error) {
	if resp == nil {
		return FetchBlobResponse{}, errors.New("FetchBlobResponse is nil")
	}
	digestFunction, ok := protohelper.FromProtoDigestFunction(resp.DigestFunction)
	if !ok {
		return FetchBlobResponse{}, errors.NotSupportedf("digest function %s", resp.DigestFunction)
	}
	out := FetchBlobResponse{
		Status:         protohelper.FromProtoStatus(resp.Status),
		URI:            resp.Uri,
		Qualifiers:     fromProtoQualifiers(resp.Qualifiers),
		DigestFunction: digestFunction,
	}
	if resp.ExpiresAt != nil {
		out.ExpiresAt = resp.ExpiresAt.AsTime()
	}
	if resp.BlobDigest == nil {
		if out.Status.OK() {
			return FetchBlobResponse{}, errors.New("FetchBlobResponse without digest")
		}
		return out, nil
	}
	digest, err := integrity.DigestFromHex(resp.BlobDigest.Hash, resp.BlobDigest.SizeBytes, digestFunction)
	if err != nil {
		return FetchBlobResponse{}, err
	}
	out.BlobDigest = digest
	return out, nil
}

func fromProtoQualifiers(qualifiers []*remoteasset_proto.Qualifier) map[string]string {
	m := make(map[string]string, len(qualifiers))
	for _, q := range qualifiers {
		m[q.Name] = q.Value
	}
	return m
}

var _ Fetch = (*RemoteAssetService)(nil)
