package launcher

import (
	"context"

	"github.com/juju/errors"

	"github.com/tweag/update-launcher/api"
	"github.com/tweag/update-launcher/embedded"
	"github.com/tweag/update-launcher/materializer"
)

// EmbeddedUpdate gives access to the update shipped with the binary.
type EmbeddedUpdate interface {
	Get() (embedded.Update, bool, error)
}

// EmbeddedCopier verifies an embedded asset and copies it into the updates directory.
type EmbeddedCopier interface {
	CopyFromEmbedded(ctx context.Context, asset api.AssetRecord) (materializer.Resolution, error)
}

// Embedded launches the update shipped with the binary without consulting the catalogue.
type Embedded struct {
	update EmbeddedUpdate
	copier EmbeddedCopier
	state  stateMachine
}

func NewEmbedded(update EmbeddedUpdate, copier EmbeddedCopier) *Embedded {
	return &Embedded{update: update, copier: copier}
}

func (e *Embedded) State() State {
	return e.state.current()
}

func (e *Embedded) Launch(ctx context.Context, cb Callback) error {
	if err := e.state.start(); err != nil {
		return err
	}
	go e.run(ctx, cb)
	return nil
}

func (e *Embedded) run(ctx context.Context, cb Callback) {
	update, ok, err := e.update.Get()
	if err != nil {
		e.fail(cb, errors.Annotate(err, "reading embedded update"))
		return
	}
	if !ok {
		e.fail(cb, errors.Annotate(ErrNoLaunchableUpdate, "no embedded update"))
		return
	}
	if err := e.state.transition(MaterializingAssets); err != nil {
		e.fail(cb, err)
		return
	}
	result := Result{
		LaunchedUpdate:      update.Record,
		LocalAssetFiles:     make(map[string]string, len(update.Assets)),
		UsingEmbeddedAssets: true,
	}
	for _, asset := range update.Assets {
		res, err := e.copier.CopyFromEmbedded(ctx, asset.AssetRecord)
		if err != nil {
			if asset.IsLaunchAsset {
				e.fail(cb, errors.WithType(errors.Annotatef(err, "embedded launch asset %q", asset.Key), ErrLaunchAssetUnavailable))
				return
			}
			logger.Warningf("embedded asset %q unavailable: %v", asset.Key, err)
			continue
		}
		if asset.IsLaunchAsset {
			result.LaunchAssetFile = res.Path
		}
		result.LocalAssetFiles[asset.Key] = res.Path
	}
	if err := e.state.transition(Succeeded); err != nil {
		logger.Errorf("%v", err)
		return
	}
	logger.Infof("launching embedded update %s", update.Record.ID)
	cb.OnSuccess(result)
}

func (e *Embedded) fail(cb Callback, err error) {
	if transitionErr := e.state.transition(Failed); transitionErr != nil {
		logger.Errorf("%v", transitionErr)
		return
	}
	logger.Warningf("embedded launch failed: %v", err)
	cb.OnFailure(err)
}
