// Package materializer guarantees that the assets of an update exist on disk.
//
// An asset is looked up, in order, at its recorded path, at the path derived
// from its hash, in the embedded update, and finally downloaded.
package materializer

import (
	"context"
	"io"
	"sync"

	"github.com/juju/errors"
	"golang.org/x/sync/singleflight"

	"github.com/tweag/update-launcher/api"
	"github.com/tweag/update-launcher/embedded"
	"github.com/tweag/update-launcher/internal/logging"
	"github.com/tweag/update-launcher/service/cas"
	"github.com/tweag/update-launcher/service/downloader"
)

var logger = logging.Child("materializer")

// Source tells where a materialized asset came from.
type Source int

const (
	SourceDisk Source = iota
	SourceEmbedded
	SourceDownload
)

func (s Source) String() string {
	switch s {
	case SourceDisk:
		return "disk"
	case SourceEmbedded:
		return "embedded"
	case SourceDownload:
		return "download"
	}
	return "unknown"
}

// Resolution is the outcome of materializing one asset.
// On success Asset.RelativePath and Path are set; on failure Err is.
type Resolution struct {
	Asset  api.AssetRecord
	Path   string
	Source Source
	Err    error
}

// AssetUpdater persists the relative path of a materialized asset.
type AssetUpdater interface {
	UpdateAsset(ctx context.Context, asset api.AssetRecord) error
}

// EmbeddedAssets gives access to the assets shipped with the application.
type EmbeddedAssets interface {
	Asset(key string) (embedded.Asset, bool)
	OpenAsset(asset embedded.Asset) (io.ReadCloser, error)
}

// Materializer resolves assets against the updates directory.
// Downloads run on a fixed number of workers; Start must be called before
// the first download and Stop after the last one.
type Materializer struct {
	disk     *cas.Disk
	store    AssetUpdater
	embedded EmbeddedAssets
	fetcher  downloader.Fetcher
	queue    *downloader.WorkQueue[api.AssetRecord, Resolution]

	mu       sync.Mutex
	inflight singleflight.Group
	flights  map[string]*flight
	fetches  sync.WaitGroup
}

// flight is one download shared by every asset with the same content.
// It is cancelled once all of its waiters have given up.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New creates a Materializer. store and embeddedAssets may be nil.
func New(disk *cas.Disk, store AssetUpdater, embeddedAssets EmbeddedAssets, fetcher downloader.Fetcher, workers int) *Materializer {
	m := &Materializer{
		disk:     disk,
		store:    store,
		embedded: embeddedAssets,
		fetcher:  fetcher,
		flights:  make(map[string]*flight),
	}
	m.queue = downloader.NewWorkQueue(m.download, workers)
	return m
}

func (m *Materializer) Start() { m.queue.Start() }

// Stop waits for dispatched downloads to finish.
func (m *Materializer) Stop() {
	m.queue.Stop()
	m.fetches.Wait()
}

// EnsureAssetExists returns (resolution, true) when the asset could be resolved
// without network access. Otherwise a download is dispatched, (_, false) is returned
// and done is called exactly once with the outcome. A nil done discards it.
func (m *Materializer) EnsureAssetExists(ctx context.Context, asset api.AssetRecord, done func(Resolution)) (Resolution, bool) {
	if res, ok := m.findOnDisk(ctx, asset); ok {
		return res, true
	}
	if res, err := m.CopyFromEmbedded(ctx, asset); err == nil {
		return res, true
	} else if !errors.Is(err, errors.NotFound) {
		logger.Warningf("not trusting embedded copy of asset %q: %v", asset.Key, err)
	}
	m.queue.Enqueue(ctx, asset, func(_ api.AssetRecord, res Resolution, err error) {
		if err != nil {
			res = Resolution{Asset: asset, Source: SourceDownload, Err: err}
		}
		if done != nil {
			done(res)
		}
	})
	return Resolution{}, false
}

// findOnDisk trusts an existing file at the recorded or the hash derived path.
func (m *Materializer) findOnDisk(ctx context.Context, asset api.AssetRecord) (Resolution, bool) {
	if m.disk.Exists(asset.RelativePath) {
		return m.resolved(asset, asset.RelativePath, SourceDisk), true
	}
	if asset.Hash.Empty() {
		return Resolution{}, false
	}
	relativePath := m.disk.RelativePath(asset.Hash)
	if !m.disk.Exists(relativePath) {
		return Resolution{}, false
	}
	// shared with another update, or the store missed an earlier write
	asset.RelativePath = relativePath
	m.persist(ctx, asset)
	return m.resolved(asset, relativePath, SourceDisk), true
}

// CopyFromEmbedded copies the embedded asset with the same key into the updates directory.
// The copy is hashed and only kept if it matches asset.Hash.
// An error satisfying errors.Is(err, errors.NotFound) means there is no embedded copy.
func (m *Materializer) CopyFromEmbedded(ctx context.Context, asset api.AssetRecord) (Resolution, error) {
	if m.embedded == nil {
		return Resolution{}, errors.NotFoundf("embedded update")
	}
	embeddedAsset, ok := m.embedded.Asset(asset.Key)
	if !ok {
		return Resolution{}, errors.NotFoundf("embedded asset %q", asset.Key)
	}
	if asset.Hash.Empty() {
		return Resolution{}, errors.NotValidf("asset %q without hash", asset.Key)
	}
	src, err := m.embedded.OpenAsset(embeddedAsset)
	if err != nil {
		return Resolution{}, err
	}
	defer src.Close()
	if _, err := m.disk.Import(ctx, asset.Hash, src); err != nil {
		return Resolution{}, err
	}
	asset.RelativePath = m.disk.RelativePath(asset.Hash)
	m.persist(ctx, asset)
	logger.Debugf("repaired asset %q from the embedded update", asset.Key)
	return m.resolved(asset, asset.RelativePath, SourceEmbedded), nil
}

// download runs on a worker. Concurrent downloads of the same content are collapsed.
func (m *Materializer) download(ctx context.Context, asset api.AssetRecord) (Resolution, error) {
	if m.fetcher == nil {
		return Resolution{}, errors.Annotatef(downloader.ErrNoSource, "asset %q", asset.Key)
	}
	if asset.Hash.Empty() {
		return Resolution{}, errors.NotValidf("asset %q without hash", asset.Key)
	}
	relativePath := m.disk.RelativePath(asset.Hash)
	shared, err := m.fetchShared(ctx, asset, relativePath)
	if err != nil {
		return Resolution{}, err
	}
	if shared {
		logger.Debugf("asset %q shared a download with another asset of the same content", asset.Key)
	}
	asset.RelativePath = relativePath
	m.persist(ctx, asset)
	return m.resolved(asset, relativePath, SourceDownload), nil
}

// fetchShared joins or starts the download of the asset's content.
// A caller whose context ends stops waiting; the download itself only stops
// when no caller waits for it any more.
func (m *Materializer) fetchShared(ctx context.Context, asset api.AssetRecord, relativePath string) (bool, error) {
	key := asset.Hash.ToSRI()

	m.mu.Lock()
	f, ok := m.flights[key]
	if !ok {
		fetchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fetchCtx, cancel: cancel}
		m.flights[key] = f
	}
	f.waiters++
	m.fetches.Add(1)
	// registering the flight and joining the call happen under one lock,
	// so a caller never joins a call whose flight is already gone
	results := m.inflight.DoChan(key, func() (any, error) {
		defer f.cancel()
		var err error
		if !m.disk.Exists(relativePath) {
			_, err = m.fetcher.Fetch(f.ctx, asset)
		}
		m.mu.Lock()
		delete(m.flights, key)
		m.inflight.Forget(key)
		m.mu.Unlock()
		return nil, err
	})
	m.mu.Unlock()

	select {
	case res := <-results:
		m.fetches.Done()
		return res.Shared, res.Err
	case <-ctx.Done():
		m.mu.Lock()
		f.waiters--
		if f.waiters == 0 {
			f.cancel()
		}
		m.mu.Unlock()
		go func() {
			defer m.fetches.Done()
			<-results
		}()
		return false, errors.Annotatef(ctx.Err(), "downloading asset %q", asset.Key)
	}
}

// persist records the relative path. A failure is not fatal: the blob is at its
// hash derived path, where the next lookup finds it.
func (m *Materializer) persist(ctx context.Context, asset api.AssetRecord) {
	if m.store == nil || asset.ID == 0 {
		return
	}
	if err := m.store.UpdateAsset(context.WithoutCancel(ctx), asset); err != nil {
		logger.Warningf("recording path of asset %q: %v", asset.Key, err)
	}
}

func (m *Materializer) resolved(asset api.AssetRecord, relativePath string, source Source) Resolution {
	return Resolution{
		Asset:  asset,
		Path:   m.disk.AbsolutePath(relativePath),
		Source: source,
	}
}

