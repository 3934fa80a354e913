package asset

import (
	"context"
	"time"

	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/service/status"
)

// Fetch is equivalent to the Fetch service in the remote asset API.
type Fetch interface {
	FetchBlob(ctx context.Context, req FetchBlobRequest) (FetchBlobResponse, error)
}

type FetchBlobRequest struct {
	URIs     []string
	Checksum integrity.Checksum
	// Headers are forwarded to the origin with "http_header:" qualifiers.
	Headers               map[string]string
	Timeout               time.Duration
	OldestContentAccepted time.Time
}

type FetchBlobResponse struct {
	Status         status.Status
	URI            string
	Qualifiers     map[string]string
	ExpiresAt      time.Time
	BlobDigest     integrity.Digest
	DigestFunction integrity.Algorithm
}
