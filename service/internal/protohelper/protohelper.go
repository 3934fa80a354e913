package protohelper

import (
	remoteexecution_proto "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	gstatus "google.golang.org/genproto/googleapis/rpc/status"

	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/service/status"
)

func ProtoDigestFunction(digestFunction integrity.Algorithm) remoteexecution_proto.DigestFunction_Value {
	switch digestFunction {
	case integrity.SHA256:
		return remoteexecution_proto.DigestFunction_SHA256
	case integrity.SHA384:
		return remoteexecution_proto.DigestFunction_SHA384
	case integrity.SHA512:
		return remoteexecution_proto.DigestFunction_SHA512
	}
	return remoteexecution_proto.DigestFunction_UNKNOWN
}

// FromProtoDigestFunction maps a digest function of a response.
// The boolean is false for digest functions the launcher cannot verify.
func FromProtoDigestFunction(digestFunction remoteexecution_proto.DigestFunction_Value) (integrity.Algorithm, bool) {
	switch digestFunction {
	case remoteexecution_proto.DigestFunction_SHA256, remoteexecution_proto.DigestFunction_UNKNOWN:
		// servers that predate digest functions leave the field unset and use SHA-256
		return integrity.SHA256, true
	case remoteexecution_proto.DigestFunction_SHA384:
		return integrity.SHA384, true
	case remoteexecution_proto.DigestFunction_SHA512:
		return integrity.SHA512, true
	}
	return integrity.Algorithm{}, false
}

func FromProtoStatus(googleStatus *gstatus.Status) status.Status {
	if googleStatus == nil {
		return status.Status{Code: status.Status_OK}
	}
	return status.Status{
		Code:    status.StatusCode(googleStatus.Code),
		Message: googleStatus.Message,
	}
}
