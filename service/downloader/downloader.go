// Package downloader fetches update assets into the local updates directory.
package downloader

import (
	"context"
	"strings"

	"github.com/juju/errors"

	"github.com/tweag/update-launcher/api"
	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/internal/logging"
)

var logger = logging.Child("downloader")

// ErrNoSource is returned when an asset has no location a fetcher can use.
const ErrNoSource = errors.ConstError("asset has no download source")

// Fetcher makes an asset available in the local CAS.
// On success the blob with asset.Hash is stored and its digest is returned.
type Fetcher interface {
	Fetch(ctx context.Context, asset api.AssetRecord) (integrity.Digest, error)
}

// Chain tries each fetcher in order until one succeeds.
type Chain []Fetcher

func (c Chain) Fetch(ctx context.Context, asset api.AssetRecord) (integrity.Digest, error) {
	if len(c) == 0 {
		return integrity.Digest{}, errors.Annotatef(ErrNoSource, "asset %q", asset.Key)
	}
	var issues []string
	var lastErr error
	for _, fetcher := range c {
		digest, err := fetcher.Fetch(ctx, asset)
		if err == nil {
			return digest, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return integrity.Digest{}, errors.Annotatef(ctxErr, "fetching asset %q", asset.Key)
		}
		lastErr = err
		issues = append(issues, err.Error())
		logger.Debugf("fetching asset %q: %v", asset.Key, err)
	}
	return integrity.Digest{}, errors.Annotatef(lastErr, "unable to fetch asset %q from any source:\n  %s", asset.Key, strings.Join(issues, "\n  "))
}
