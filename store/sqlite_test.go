package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/require"

	"github.com/tweag/update-launcher/api"
	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/store"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) (*store.SQLite, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(epoch)
	s, err := store.Open(":memory:", clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func checksumOf(t *testing.T, content string) integrity.Checksum {
	t.Helper()
	hasher := integrity.SHA256.Hasher()
	hasher.Write([]byte(content))
	return integrity.Checksum{Algorithm: integrity.SHA256, Hash: hasher.Sum(nil)}
}

func testUpdate(status api.UpdateStatus, commit time.Time) api.UpdateRecord {
	return api.UpdateRecord{
		ID:             uuid.New(),
		ScopeKey:       "@test/app",
		CommitTime:     commit,
		RuntimeVersion: "1.0.0",
		Status:         status,
		Metadata:       map[string]string{"branch": "main"},
	}
}

func testAssets(t *testing.T) []api.AssetRecord {
	return []api.AssetRecord{
		{Key: "bundle.js", Type: "application/javascript", Hash: checksumOf(t, "bundle"), URL: "https://example.com/bundle.js", IsLaunchAsset: true},
		{Key: "assets/logo.png", Type: "image/png", Hash: checksumOf(t, "logo"), URL: "https://example.com/logo.png"},
	}
}

func TestInsertAndLoad(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	ready := testUpdate(api.StatusReady, epoch.Add(-time.Hour))
	pending := testUpdate(api.StatusPending, epoch)
	other := testUpdate(api.StatusReady, epoch)
	other.ScopeKey = "@test/other"

	for _, u := range []api.UpdateRecord{ready, pending, other} {
		require.NoError(t, s.InsertUpdate(ctx, u, testAssets(t)))
	}

	launchable, err := s.LoadLaunchableUpdatesForScope(ctx, "@test/app")
	require.NoError(t, err)
	require.Len(t, launchable, 1)
	require.Equal(t, ready.ID, launchable[0].ID)
	require.Equal(t, "main", launchable[0].Metadata["branch"])
	require.True(t, ready.CommitTime.Equal(launchable[0].CommitTime))

	all, err := s.LoadUpdatesForScope(ctx, "@test/app")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, pending.ID, all[0].ID, "newest first")

	launchAsset, err := s.LoadLaunchAsset(ctx, ready.ID)
	require.NoError(t, err)
	require.Equal(t, "bundle.js", launchAsset.Key)
	require.True(t, launchAsset.Hash.Equals(checksumOf(t, "bundle")))
	require.NotZero(t, launchAsset.ID)

	assets, err := s.LoadAssetsForUpdate(ctx, ready.ID)
	require.NoError(t, err)
	require.Len(t, assets, 2)

	err = s.InsertUpdate(ctx, ready, testAssets(t))
	require.True(t, errors.Is(err, errors.AlreadyExists), "got %v", err)
}

func TestInsertRejectsLaunchAssetCount(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	assets := testAssets(t)
	assets[1].IsLaunchAsset = true
	err := s.InsertUpdate(ctx, testUpdate(api.StatusReady, epoch), assets)
	require.True(t, errors.Is(err, errors.NotValid), "got %v", err)

	err = s.InsertUpdate(ctx, testUpdate(api.StatusReady, epoch), assets[1:1])
	require.True(t, errors.Is(err, errors.NotValid), "got %v", err)

	// development updates are allowed to have no assets at all
	require.NoError(t, s.InsertUpdate(ctx, testUpdate(api.StatusDevelopment, epoch), nil))
}

func TestUpdateAssetAndAccess(t *testing.T) {
	ctx := context.Background()
	s, clk := openStore(t)

	u := testUpdate(api.StatusReady, epoch)
	require.NoError(t, s.InsertUpdate(ctx, u, testAssets(t)))

	asset, err := s.LoadLaunchAsset(ctx, u.ID)
	require.NoError(t, err)
	asset.RelativePath = "sha256/cas/ab/abcdef"
	require.NoError(t, s.UpdateAsset(ctx, asset))

	reloaded, err := s.LoadLaunchAsset(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "sha256/cas/ab/abcdef", reloaded.RelativePath)

	clk.Advance(time.Minute)
	require.NoError(t, s.MarkUpdateAccessed(ctx, u.ID))
	loaded, err := s.LoadUpdate(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, loaded.LastAccessed.Equal(epoch.Add(time.Minute)), "got %v", loaded.LastAccessed)

	err = s.MarkUpdateAccessed(ctx, uuid.New())
	require.True(t, errors.Is(err, errors.NotFound), "got %v", err)

	asset.ID = 9999
	err = s.UpdateAsset(ctx, asset)
	require.True(t, errors.Is(err, errors.NotFound), "got %v", err)
}

func TestSetUpdateStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	u := testUpdate(api.StatusPending, epoch)
	require.NoError(t, s.InsertUpdate(ctx, u, testAssets(t)))

	require.NoError(t, s.SetUpdateStatus(ctx, u.ID, api.StatusReady))
	err := s.SetUpdateStatus(ctx, u.ID, api.StatusPending)
	require.True(t, errors.Is(err, store.ErrStatusRegression), "got %v", err)

	loaded, err := s.LoadUpdate(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusReady, loaded.Status)

	err = s.SetUpdateStatus(ctx, uuid.New(), api.StatusReady)
	require.True(t, errors.Is(err, errors.NotFound), "got %v", err)
}

func TestCheckStatusTransition(t *testing.T) {
	for _, tc := range []struct {
		from, to api.UpdateStatus
		ok       bool
	}{
		{api.StatusPending, api.StatusReady, true},
		{api.StatusReady, api.StatusReady, true},
		{api.StatusReady, api.StatusPending, false},
		{api.StatusEmbedded, api.StatusPending, false},
		{api.StatusDevelopment, api.StatusReady, false},
	} {
		err := store.CheckStatusTransition(tc.from, tc.to)
		if tc.ok {
			require.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			require.True(t, errors.Is(err, store.ErrStatusRegression), "%s -> %s: %v", tc.from, tc.to, err)
		}
	}
}
