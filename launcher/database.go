package launcher

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/tweag/update-launcher/api"
	"github.com/tweag/update-launcher/materializer"
	"github.com/tweag/update-launcher/selection"
	"github.com/tweag/update-launcher/store"
)

// AssetMaterializer is the part of materializer.Materializer the database launcher uses.
type AssetMaterializer interface {
	EnsureAssetExists(ctx context.Context, asset api.AssetRecord, done func(materializer.Resolution)) (materializer.Resolution, bool)
}

// EmbeddedUpdateIDer returns the id of the update shipped with the binary, or uuid.Nil.
type EmbeddedUpdateIDer interface {
	EmbeddedUpdateID() uuid.UUID
}

// DatabaseConfig holds the collaborators of a database launcher.
// Embedded may be nil when the application ships without an embedded update.
type DatabaseConfig struct {
	ScopeKey     string
	Store        store.UpdateStore
	Materializer AssetMaterializer
	Embedded     EmbeddedUpdateIDer
	Policy       selection.Policy
}

// Database launches the newest suitable update of the local catalogue.
type Database struct {
	cfg   DatabaseConfig
	state stateMachine

	mu             sync.Mutex
	result         Result
	launchAssetErr error
}

func NewDatabase(cfg DatabaseConfig) *Database {
	return &Database{cfg: cfg}
}

func (d *Database) State() State {
	return d.state.current()
}

func (d *Database) Launch(ctx context.Context, cb Callback) error {
	if err := d.state.start(); err != nil {
		return err
	}
	go d.run(ctx, cb)
	return nil
}

func (d *Database) run(ctx context.Context, cb Callback) {
	update, ok, err := d.selectUpdate(ctx)
	if err != nil {
		d.fail(cb, err)
		return
	}
	if !ok {
		d.fail(cb, errors.Annotatef(ErrNoLaunchableUpdate, "scope %q", d.cfg.ScopeKey))
		return
	}
	logger.Infof("launching update %s (%s)", update.ID, update.Status)
	if err := d.cfg.Store.MarkUpdateAccessed(ctx, update.ID); err != nil {
		logger.Warningf("marking update %s as accessed: %v", update.ID, err)
	}

	d.result = Result{
		LaunchedUpdate:  update,
		LocalAssetFiles: make(map[string]string),
	}
	// development updates are served from elsewhere and have no assets to check
	if update.Status == api.StatusDevelopment {
		d.succeed(cb)
		return
	}

	assets, err := d.assetsToMaterialize(ctx, update.ID)
	if err != nil {
		d.fail(cb, err)
		return
	}
	if err := d.state.transition(MaterializingAssets); err != nil {
		d.fail(cb, err)
		return
	}

	tracker := newCompletionTracker(func() { d.finish(cb) })
	for _, asset := range assets {
		tracker.add()
		res, ok := d.cfg.Materializer.EnsureAssetExists(ctx, asset, func(res materializer.Resolution) {
			d.record(res)
			tracker.done()
		})
		if ok {
			d.record(res)
			tracker.done()
		}
	}
	tracker.seal()
}

func (d *Database) selectUpdate(ctx context.Context) (api.UpdateRecord, bool, error) {
	candidates, err := d.cfg.Store.LoadLaunchableUpdatesForScope(ctx, d.cfg.ScopeKey)
	if err != nil {
		return api.UpdateRecord{}, false, errors.Annotate(err, "loading candidate updates")
	}
	embeddedID := uuid.Nil
	if d.cfg.Embedded != nil {
		embeddedID = d.cfg.Embedded.EmbeddedUpdateID()
	}
	update, ok := d.cfg.Policy.SelectUpdateToLaunch(candidates, embeddedID)
	logger.Debugf("selected among %d candidates: %v", len(candidates), ok)
	return update, ok, nil
}

// assetsToMaterialize returns the launch asset first, followed by every other asset once.
func (d *Database) assetsToMaterialize(ctx context.Context, updateID uuid.UUID) ([]api.AssetRecord, error) {
	launchAsset, err := d.cfg.Store.LoadLaunchAsset(ctx, updateID)
	if err != nil {
		return nil, errors.WithType(errors.Annotate(err, "loading launch asset"), ErrLaunchAssetUnavailable)
	}
	assets, err := d.cfg.Store.LoadAssetsForUpdate(ctx, updateID)
	if err != nil {
		return nil, errors.Annotate(err, "loading assets")
	}
	launchAsset.IsLaunchAsset = true
	out := []api.AssetRecord{launchAsset}
	seen := map[int64]struct{}{launchAsset.ID: {}}
	for _, asset := range assets {
		if _, dup := seen[asset.ID]; dup {
			continue
		}
		seen[asset.ID] = struct{}{}
		out = append(out, asset)
	}
	return out, nil
}

func (d *Database) record(res materializer.Resolution) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res.Err != nil {
		if res.Asset.IsLaunchAsset {
			d.launchAssetErr = res.Err
			return
		}
		logger.Warningf("asset %q unavailable: %v", res.Asset.Key, res.Err)
		return
	}
	if res.Asset.IsLaunchAsset {
		d.result.LaunchAssetFile = res.Path
	}
	d.result.LocalAssetFiles[res.Asset.Key] = res.Path
}

func (d *Database) finish(cb Callback) {
	d.mu.Lock()
	launchAssetErr := d.launchAssetErr
	d.mu.Unlock()
	if launchAssetErr != nil {
		d.fail(cb, errors.WithType(errors.Annotate(launchAssetErr, "materializing launch asset"), ErrLaunchAssetUnavailable))
		return
	}
	d.succeed(cb)
}

func (d *Database) succeed(cb Callback) {
	if err := d.state.transition(Succeeded); err != nil {
		logger.Errorf("%v", err)
		return
	}
	d.mu.Lock()
	result := d.result
	result.LocalAssetFiles = maps.Clone(d.result.LocalAssetFiles)
	d.mu.Unlock()
	cb.OnSuccess(result)
}

func (d *Database) fail(cb Callback, err error) {
	if transitionErr := d.state.transition(Failed); transitionErr != nil {
		logger.Errorf("%v", transitionErr)
		return
	}
	logger.Warningf("launch failed: %v", err)
	cb.OnFailure(err)
}
