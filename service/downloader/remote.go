package downloader

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"

	"github.com/tweag/update-launcher/api"
	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/service/asset"
	"github.com/tweag/update-launcher/service/cas"
)

// Remote asks a remote asset service to make an asset available in its CAS,
// then streams the blob from the remote CAS into the local one.
// Digests learned from the remote asset service are cached, so later fetches
// of the same content skip straight to the CAS.
type Remote struct {
	assets    asset.Fetch
	remoteCAS cas.Reader
	localCAS  cas.Importer
	cache     *integrity.ChecksumCache
	headers   map[string]string
	timeout   time.Duration
}

func NewRemote(assets asset.Fetch, remoteCAS cas.Reader, localCAS cas.Importer, cache *integrity.ChecksumCache, headers map[string]string, timeout time.Duration) *Remote {
	if cache == nil {
		cache = integrity.NewCache()
	}
	return &Remote{
		assets:    assets,
		remoteCAS: remoteCAS,
		localCAS:  localCAS,
		cache:     cache,
		headers:   headers,
		timeout:   timeout,
	}
}

func (r *Remote) Fetch(ctx context.Context, a api.AssetRecord) (integrity.Digest, error) {
	if a.Hash.Empty() {
		return integrity.Digest{}, errors.NotValidf("asset %q without hash", a.Key)
	}
	digest, ok := r.cache.FromChecksum(a.Hash)
	if !ok {
		if a.URL == "" {
			return integrity.Digest{}, errors.Annotatef(ErrNoSource, "asset %q has no url", a.Key)
		}
		resp, err := r.assets.FetchBlob(ctx, asset.FetchBlobRequest{
			URIs:     []string{a.URL},
			Checksum: a.Hash,
			Headers:  r.headers,
			Timeout:  r.timeout,
		})
		if err != nil {
			return integrity.Digest{}, errors.Annotatef(err, "asset %q", a.Key)
		}
		if resp.DigestFunction != a.Hash.Algorithm {
			return integrity.Digest{}, errors.NotSupportedf("remote asset api digest function %s for %s checksum", resp.DigestFunction, a.Hash.Algorithm)
		}
		digest = resp.BlobDigest
		r.cache.PutChecksum(a.Hash, digest.SizeBytes)
	}

	stream, err := r.remoteCAS.ReadStream(ctx, digest, a.Hash.Algorithm, 0, 0)
	if err != nil {
		r.cache.Forget(a.Hash)
		return integrity.Digest{}, errors.Annotatef(err, "reading asset %q from remote cas", a.Key)
	}
	defer stream.Close()
	stored, err := r.localCAS.Import(ctx, a.Hash, stream)
	if err != nil {
		if errors.Is(err, cas.ErrBlobNotFound) {
			// evicted from the remote CAS since the digest was cached
			r.cache.Forget(a.Hash)
		}
		return integrity.Digest{}, errors.Annotatef(err, "importing asset %q", a.Key)
	}
	logger.Debugf("fetched asset %q through remote asset api (%s)", a.Key, humanize.IBytes(uint64(stored.SizeBytes)))
	return stored, nil
}
