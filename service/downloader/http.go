package downloader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/tweag/update-launcher/api"
	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/service/cas"
)

// HTTPOptions configures an HTTP downloader. Zero values select defaults.
type HTTPOptions struct {
	Client *http.Client
	// Headers are added to every request.
	Headers map[string]string
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// Attempts is the number of tries per asset.
	Attempts int
	// Delay is the initial delay between attempts. It doubles after every failure.
	Delay time.Duration
	Clock clock.Clock
}

// HTTP downloads assets from their URL directly into the local CAS.
// The content is verified while it is streamed.
type HTTP struct {
	localCAS cas.Importer
	client   *http.Client
	headers  http.Header
	timeout  time.Duration
	attempts int
	delay    time.Duration
	clock    clock.Clock
}

func NewHTTP(localCAS cas.Importer, opts HTTPOptions) *HTTP {
	d := &HTTP{
		localCAS: localCAS,
		client:   opts.Client,
		headers:  make(http.Header),
		timeout:  opts.Timeout,
		attempts: opts.Attempts,
		delay:    opts.Delay,
		clock:    opts.Clock,
	}
	for k, v := range opts.Headers {
		d.headers.Set(k, v)
	}
	if d.client == nil {
		d.client = http.DefaultClient
	}
	if d.attempts < 1 {
		d.attempts = 1
	}
	if d.delay <= 0 {
		d.delay = defaultRetryDelay
	}
	if d.clock == nil {
		d.clock = clock.WallClock
	}
	return d
}

func (d *HTTP) Fetch(ctx context.Context, asset api.AssetRecord) (integrity.Digest, error) {
	if asset.URL == "" {
		return integrity.Digest{}, errors.Annotatef(ErrNoSource, "asset %q has no url", asset.Key)
	}
	if asset.Hash.Empty() {
		return integrity.Digest{}, errors.NotValidf("asset %q without hash", asset.Key)
	}
	var digest integrity.Digest
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			digest, err = d.downloadBlob(ctx, asset.URL, asset.Hash)
			return err
		},
		IsFatalError: isFatalDownloadError,
		NotifyFunc: func(lastError error, attempt int) {
			logger.Warningf("downloading %s (attempt %d/%d): %v", asset.URL, attempt, d.attempts, lastError)
		},
		Attempts:    d.attempts,
		Delay:       d.delay,
		MaxDelay:    maxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       d.clock,
		Stop:        ctx.Done(),
	})
	switch {
	case retry.IsAttemptsExceeded(err):
		err = retry.LastError(err)
	case retry.IsRetryStopped(err):
		// cancelled while waiting for the next attempt
		err = errors.Annotate(ctx.Err(), retry.LastError(err).Error())
	}
	if err != nil {
		return integrity.Digest{}, errors.Annotatef(err, "downloading asset %q", asset.Key)
	}
	logger.Debugf("downloaded asset %q from %s (%s)", asset.Key, asset.URL, humanize.IBytes(uint64(digest.SizeBytes)))
	return digest, nil
}

func (d *HTTP) downloadBlob(ctx context.Context, uri string, expected integrity.Checksum) (integrity.Digest, error) {
	if d.timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, http.NoBody)
	if err != nil {
		return integrity.Digest{}, &statusError{uri: uri, err: err}
	}
	for k, vs := range d.headers {
		req.Header[k] = vs
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return integrity.Digest{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return integrity.Digest{}, &statusError{uri: uri, code: resp.StatusCode}
	}

	// Bodies known to fit in memory are not staged on disk.
	canDownloadInMemory := resp.ContentLength >= 0 && resp.ContentLength <= maxInMemoryDownloadSize

	var bodyStagingArea io.ReadWriter
	var bodyRewinder func() error
	if canDownloadInMemory {
		bodyStagingArea = &bytes.Buffer{}
	} else {
		tmpFile, fileErr := os.CreateTemp("", "update-launcher-download-")
		if fileErr != nil {
			return integrity.Digest{}, fileErr
		}
		defer os.Remove(tmpFile.Name())
		defer tmpFile.Close()
		bodyStagingArea = tmpFile
		bodyRewinder = func() error {
			_, err := tmpFile.Seek(0, io.SeekStart)
			return err
		}
	}

	hasher := expected.Algorithm.Hasher()
	n, err := io.Copy(io.MultiWriter(bodyStagingArea, hasher), resp.Body)
	if err != nil {
		return integrity.Digest{}, err
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return integrity.Digest{}, errors.Errorf("downloading %s: expected %d bytes, got %d", uri, resp.ContentLength, n)
	}

	got := integrity.Checksum{Algorithm: expected.Algorithm, Hash: hasher.Sum(nil)}
	if !got.Equals(expected) {
		return integrity.Digest{}, errors.Annotatef(integrity.ErrChecksumMismatch, "downloading %s: expected %s, got %s", uri, expected, got)
	}

	if bodyRewinder != nil {
		if err := bodyRewinder(); err != nil {
			return integrity.Digest{}, err
		}
	}
	return d.localCAS.ImportPrevalidated(ctx, expected, bodyStagingArea)
}

// statusError is a non-retryable request error unless the server asked to try again later.
type statusError struct {
	uri  string
	code int
	err  error
}

func (e *statusError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("request to %s: %v", e.uri, e.err)
	}
	return fmt.Sprintf("downloading %s: unexpected status code %d", e.uri, e.code)
}

func (e *statusError) Unwrap() error { return e.err }

func (e *statusError) retryable() bool {
	return e.err == nil && (e.code >= 500 || e.code == http.StatusTooManyRequests || e.code == http.StatusRequestTimeout)
}

func isFatalDownloadError(err error) bool {
	if errors.Is(err, integrity.ErrChecksumMismatch) || errors.Is(err, context.Canceled) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return !se.retryable()
	}
	return false
}

// maxInMemoryDownloadSize is the largest body that is staged in memory (64 MiB).
const maxInMemoryDownloadSize = 1 << 26

const (
	defaultRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
)
