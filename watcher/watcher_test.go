package watcher_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/watcher"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// writeAtomically replaces the file the way installers do, so no partial contents are observed.
func writeAtomically(t *testing.T, p, content string) {
	t.Helper()
	tmp := p + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, p))
}

func TestRelaunchOnChange(t *testing.T) {
	manifestPath := filepath.Join(t.TempDir(), "app.manifest")
	writeAtomically(t, manifestPath, `{"id":"a"}`)

	changes := make(chan struct{}, 10)
	w, err := watcher.New(manifestPath, integrity.SHA256, func(context.Context) error {
		changes <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	require.NoError(t, w.Start(ctx, &wg))
	defer func() {
		cancel()
		wg.Wait()
	}()

	// same contents, no relaunch
	writeAtomically(t, manifestPath, `{"id":"a"}`)
	writeAtomically(t, manifestPath, `{"id":"b"}`)

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no relaunch after manifest change")
	}
	select {
	case <-changes:
		t.Fatal("relaunched twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFailedRelaunchIsRetried(t *testing.T) {
	manifestPath := filepath.Join(t.TempDir(), "app.manifest")

	var mu sync.Mutex
	calls := 0
	var once sync.Once
	succeeded := make(chan struct{})
	w, err := watcher.New(manifestPath, integrity.SHA256, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("store locked")
		}
		once.Do(func() { close(succeeded) })
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	require.NoError(t, w.Start(ctx, &wg))
	defer func() {
		cancel()
		wg.Wait()
	}()

	// the manifest did not exist when the watcher started
	writeAtomically(t, manifestPath, `{"id":"a"}`)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 1
	}, 5*time.Second, 10*time.Millisecond)

	// the same contents again are still a change, since the relaunch failed
	writeAtomically(t, manifestPath, `{"id":"a"}`)
	select {
	case <-succeeded:
	case <-time.After(5 * time.Second):
		t.Fatal("failed relaunch was not retried")
	}
}

func TestStopTwice(t *testing.T) {
	w, err := watcher.New(filepath.Join(t.TempDir(), "app.manifest"), integrity.SHA256, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
