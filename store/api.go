// Package store persists the local catalogue of updates and their assets.
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/tweag/update-launcher/api"
)

// ErrStatusRegression is returned when a status change would move an update backwards,
// e.g. from ready to pending.
const ErrStatusRegression = errors.ConstError("update status cannot regress")

// UpdateStore is the part of the catalogue the launcher needs.
// Lookups of unknown ids return an error satisfying errors.Is(err, errors.NotFound).
type UpdateStore interface {
	// LoadLaunchableUpdatesForScope returns every update of the scope that may be launched.
	// Pending updates are never returned.
	LoadLaunchableUpdatesForScope(ctx context.Context, scopeKey string) ([]api.UpdateRecord, error)
	LoadLaunchAsset(ctx context.Context, updateID uuid.UUID) (api.AssetRecord, error)
	LoadAssetsForUpdate(ctx context.Context, updateID uuid.UUID) ([]api.AssetRecord, error)
	MarkUpdateAccessed(ctx context.Context, updateID uuid.UUID) error
	// UpdateAsset persists the mutable fields of an asset (relative path, url, type).
	UpdateAsset(ctx context.Context, asset api.AssetRecord) error
}

// Catalogue extends UpdateStore with the operations used to fill the store.
type Catalogue interface {
	UpdateStore
	InsertUpdate(ctx context.Context, update api.UpdateRecord, assets []api.AssetRecord) error
	LoadUpdate(ctx context.Context, updateID uuid.UUID) (api.UpdateRecord, error)
	LoadUpdatesForScope(ctx context.Context, scopeKey string) ([]api.UpdateRecord, error)
	SetUpdateStatus(ctx context.Context, updateID uuid.UUID, status api.UpdateStatus) error
}

// CheckStatusTransition returns ErrStatusRegression if an update may not move from one status to another.
// Pending updates may become ready; every other status is final.
func CheckStatusTransition(from, to api.UpdateStatus) error {
	if !to.Valid() {
		return errors.NotValidf("update status %q", to)
	}
	if from == to {
		return nil
	}
	if from == api.StatusPending && to == api.StatusReady {
		return nil
	}
	return errors.Annotatef(ErrStatusRegression, "%s -> %s", from, to)
}

// ValidateAssets checks the launch asset invariant of an update:
// exactly one launch asset, except for development updates which may have no assets at all.
func ValidateAssets(update api.UpdateRecord, assets []api.AssetRecord) error {
	var launchAssets int
	seen := make(map[string]struct{}, len(assets))
	for _, asset := range assets {
		if asset.Key == "" {
			return errors.NotValidf("asset without key in update %s", update.ID)
		}
		if _, ok := seen[asset.Key]; ok {
			return errors.NotValidf("duplicate asset key %q in update %s", asset.Key, update.ID)
		}
		seen[asset.Key] = struct{}{}
		if asset.Hash.Empty() && update.Status != api.StatusDevelopment {
			return errors.NotValidf("asset %q without hash", asset.Key)
		}
		if asset.IsLaunchAsset {
			launchAssets++
		}
	}
	if update.Status == api.StatusDevelopment && len(assets) == 0 {
		return nil
	}
	if launchAssets != 1 {
		return errors.NotValidf("update %s with %d launch assets", update.ID, launchAssets)
	}
	return nil
}
