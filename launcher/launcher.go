// Package launcher decides which update runs and makes sure its assets are on disk.
//
// A launcher is single use. Launch returns as soon as the work is dispatched;
// the outcome is reported through exactly one call of the Callback.
package launcher

import (
	"context"

	"github.com/juju/errors"

	"github.com/tweag/update-launcher/api"
	"github.com/tweag/update-launcher/internal/logging"
)

var logger = logging.Child("launcher")

const (
	ErrAlreadyLaunched        = errors.ConstError("launcher was already started")
	ErrNoLaunchableUpdate     = errors.ConstError("no launchable update")
	ErrLaunchAssetUnavailable = errors.ConstError("launch asset unavailable")
)

// Result describes the launched update.
type Result struct {
	LaunchedUpdate api.UpdateRecord `json:"launched_update"`
	// LaunchAssetFile is the absolute path of the launch asset.
	// It is empty for development updates.
	LaunchAssetFile string `json:"launch_asset_file,omitempty"`
	// LocalAssetFiles maps asset keys to absolute paths. Assets that could not
	// be materialized are absent.
	LocalAssetFiles     map[string]string `json:"local_asset_files"`
	UsingEmbeddedAssets bool              `json:"using_embedded_assets"`
}

// Callback receives the outcome of a launch. Exactly one method is called, once.
type Callback interface {
	OnSuccess(Result)
	OnFailure(error)
}

// CallbackFuncs adapts two functions to a Callback.
type CallbackFuncs struct {
	Success func(Result)
	Failure func(error)
}

func (c CallbackFuncs) OnSuccess(result Result) {
	if c.Success != nil {
		c.Success(result)
	}
}

func (c CallbackFuncs) OnFailure(err error) {
	if c.Failure != nil {
		c.Failure(err)
	}
}

// Launcher is implemented by the database and embedded strategies.
type Launcher interface {
	// Launch returns ErrAlreadyLaunched if the launcher was started before.
	Launch(ctx context.Context, cb Callback) error
	State() State
}

// Await launches and blocks until the outcome is known or ctx is done.
func Await(ctx context.Context, l Launcher) (Result, error) {
	type outcome struct {
		result Result
		err    error
	}
	ch := make(chan outcome, 1)
	err := l.Launch(ctx, CallbackFuncs{
		Success: func(result Result) { ch <- outcome{result: result} },
		Failure: func(err error) { ch <- outcome{err: err} },
	})
	if err != nil {
		return Result{}, err
	}
	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		return Result{}, errors.Trace(ctx.Err())
	}
}
