package materializer_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tweag/update-launcher/api"
	"github.com/tweag/update-launcher/embedded"
	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/materializer"
	"github.com/tweag/update-launcher/service/cas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func checksumOf(content string) integrity.Checksum {
	sum := sha256.Sum256([]byte(content))
	return integrity.Checksum{Algorithm: integrity.SHA256, Hash: sum[:]}
}

type recordingStore struct {
	mu      sync.Mutex
	updates []api.AssetRecord
}

func (s *recordingStore) UpdateAsset(_ context.Context, asset api.AssetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, asset)
	return nil
}

func (s *recordingStore) recorded() []api.AssetRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.AssetRecord(nil), s.updates...)
}

// contentFetcher serves content by asset key and imports it into the disk CAS.
type contentFetcher struct {
	disk    *cas.Disk
	content map[string]string
	calls   atomic.Int32
}

func (f *contentFetcher) Fetch(ctx context.Context, asset api.AssetRecord) (integrity.Digest, error) {
	f.calls.Add(1)
	content, ok := f.content[asset.Key]
	if !ok {
		return integrity.Digest{}, errors.NotFoundf("remote asset %q", asset.Key)
	}
	return f.disk.Import(ctx, asset.Hash, strings.NewReader(content))
}

func embeddedReader(t *testing.T, files map[string]string) *embedded.Reader {
	t.Helper()
	var launch string
	var others []string
	for key, content := range files {
		sum := sha256.Sum256([]byte(content))
		entry := fmt.Sprintf(`{"key": %q, "hash": %q, "file": %q}`, key, base64.RawURLEncoding.EncodeToString(sum[:]), key)
		if launch == "" {
			launch = entry
		} else {
			others = append(others, entry)
		}
	}
	manifest := fmt.Sprintf(`{"id": %q, "commitTime": 1, "runtimeVersion": "1", "launchAsset": %s, "assets": [%s]}`,
		uuid.NewString(), launch, strings.Join(others, ","))
	fsys := fstest.MapFS{"app.manifest": {Data: []byte(manifest)}}
	for key, content := range files {
		fsys[key] = &fstest.MapFile{Data: []byte(content)}
	}
	return embedded.NewReader(fsys, "app.manifest", "@test/app")
}

func newDisk(t *testing.T) *cas.Disk {
	t.Helper()
	disk, err := cas.NewDisk(t.TempDir())
	require.NoError(t, err)
	return disk
}

func TestResolvesRecordedPath(t *testing.T) {
	ctx := context.Background()
	disk := newDisk(t)
	asset := api.AssetRecord{ID: 1, Key: "bundle.js", Hash: checksumOf("bundle")}
	_, err := disk.Import(ctx, asset.Hash, strings.NewReader("bundle"))
	require.NoError(t, err)
	asset.RelativePath = disk.RelativePath(asset.Hash)

	st := &recordingStore{}
	m := materializer.New(disk, st, nil, nil, 1)
	m.Start()
	defer m.Stop()

	res, ok := m.EnsureAssetExists(ctx, asset, func(materializer.Resolution) { t.Fatal("unexpected download") })
	require.True(t, ok)
	require.NoError(t, res.Err)
	require.Equal(t, materializer.SourceDisk, res.Source)
	require.Equal(t, disk.AbsolutePath(asset.RelativePath), res.Path)
	require.Empty(t, st.recorded(), "nothing changed, nothing to persist")
}

func TestResolvesHashPathAndRecordsIt(t *testing.T) {
	ctx := context.Background()
	disk := newDisk(t)
	asset := api.AssetRecord{ID: 7, Key: "logo.png", Hash: checksumOf("logo"), RelativePath: "stale/location"}
	_, err := disk.Import(ctx, asset.Hash, strings.NewReader("logo"))
	require.NoError(t, err)

	st := &recordingStore{}
	m := materializer.New(disk, st, nil, nil, 1)
	m.Start()
	defer m.Stop()

	res, ok := m.EnsureAssetExists(ctx, asset, nil)
	require.True(t, ok)
	require.Equal(t, disk.RelativePath(asset.Hash), res.Asset.RelativePath)
	recorded := st.recorded()
	require.Len(t, recorded, 1)
	require.EqualValues(t, 7, recorded[0].ID)
	require.Equal(t, disk.RelativePath(asset.Hash), recorded[0].RelativePath)
}

func TestCopiesFromEmbedded(t *testing.T) {
	ctx := context.Background()
	disk := newDisk(t)
	reader := embeddedReader(t, map[string]string{"bundle.js": "bundle"})

	st := &recordingStore{}
	fetcher := &contentFetcher{disk: disk}
	m := materializer.New(disk, st, reader, fetcher, 1)
	m.Start()
	defer m.Stop()

	asset := api.AssetRecord{ID: 3, Key: "bundle.js", Hash: checksumOf("bundle")}
	res, ok := m.EnsureAssetExists(ctx, asset, nil)
	require.True(t, ok)
	require.Equal(t, materializer.SourceEmbedded, res.Source)
	content, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	require.Equal(t, "bundle", string(content))
	require.Len(t, st.recorded(), 1)
	require.Zero(t, fetcher.calls.Load())
}

func TestMismatchingEmbeddedCopyFallsBackToDownload(t *testing.T) {
	ctx := context.Background()
	disk := newDisk(t)
	// same key, different content than the update expects
	reader := embeddedReader(t, map[string]string{"bundle.js": "old bundle"})
	fetcher := &contentFetcher{disk: disk, content: map[string]string{"bundle.js": "new bundle"}}

	m := materializer.New(disk, nil, reader, fetcher, 1)
	m.Start()
	defer m.Stop()

	asset := api.AssetRecord{ID: 3, Key: "bundle.js", Hash: checksumOf("new bundle")}
	done := make(chan materializer.Resolution, 1)
	_, ok := m.EnsureAssetExists(ctx, asset, func(res materializer.Resolution) { done <- res })
	require.False(t, ok)
	res := <-done
	require.NoError(t, res.Err)
	require.Equal(t, materializer.SourceDownload, res.Source)
	content, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	require.Equal(t, "new bundle", string(content))
}

func TestDownload(t *testing.T) {
	ctx := context.Background()
	disk := newDisk(t)
	fetcher := &contentFetcher{disk: disk, content: map[string]string{
		"a.png": "shared",
		"b.png": "shared",
	}}
	st := &recordingStore{}
	m := materializer.New(disk, st, nil, fetcher, 4)
	m.Start()

	var wg sync.WaitGroup
	results := make(chan materializer.Resolution, 3)
	for i, key := range []string{"a.png", "b.png", "missing.png"} {
		asset := api.AssetRecord{ID: int64(i + 1), Key: key, Hash: checksumOf("shared")}
		if key == "missing.png" {
			asset.Hash = checksumOf("missing")
		}
		wg.Add(1)
		_, ok := m.EnsureAssetExists(ctx, asset, func(res materializer.Resolution) {
			defer wg.Done()
			results <- res
		})
		require.False(t, ok)
	}
	wg.Wait()
	m.Stop()
	close(results)

	byKey := make(map[string]materializer.Resolution)
	for res := range results {
		byKey[res.Asset.Key] = res
	}
	require.NoError(t, byKey["a.png"].Err)
	require.NoError(t, byKey["b.png"].Err)
	require.Equal(t, byKey["a.png"].Path, byKey["b.png"].Path)
	require.True(t, errors.Is(byKey["missing.png"].Err, errors.NotFound), "got %v", byKey["missing.png"].Err)
	// one fetch for the shared content, one for the missing asset
	require.LessOrEqual(t, fetcher.calls.Load(), int32(3))
	require.GreaterOrEqual(t, fetcher.calls.Load(), int32(2))
	require.Len(t, st.recorded(), 2)
}

func TestDownloadWithoutFetcher(t *testing.T) {
	m := materializer.New(newDisk(t), nil, nil, nil, 1)
	m.Start()
	defer m.Stop()

	done := make(chan materializer.Resolution, 1)
	_, ok := m.EnsureAssetExists(context.Background(), api.AssetRecord{Key: "x", Hash: checksumOf("x")}, func(res materializer.Resolution) { done <- res })
	require.False(t, ok)
	require.Error(t, (<-done).Err)
}
