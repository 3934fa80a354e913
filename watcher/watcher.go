// Package watcher relaunches when the embedded manifest of an application changes.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/errors"

	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/internal/logging"
)

var logger = logging.Child("watcher")

// ManifestWatcher watches a manifest file and calls OnChange whenever its contents change.
type ManifestWatcher struct {
	manifestPath    string
	manifestDigest  integrity.Digest
	digestAlgorithm integrity.Algorithm
	onChange        func(context.Context) error
	notifyWatcher   *fsnotify.Watcher
	closeOnce       sync.Once
}

// New records the current digest of the manifest. A missing manifest is not an error,
// its creation counts as a change.
func New(manifestPath string, algorithm integrity.Algorithm, onChange func(context.Context) error) (*ManifestWatcher, error) {
	manifestAbsPath, err := filepath.Abs(manifestPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	digest, err := fileDigest(manifestAbsPath, algorithm)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	notifyWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Annotate(err, "creating file watcher")
	}
	return &ManifestWatcher{
		manifestPath:    manifestAbsPath,
		manifestDigest:  digest,
		digestAlgorithm: algorithm,
		onChange:        onChange,
		notifyWatcher:   notifyWatcher,
	}, nil
}

// Start watches until ctx is cancelled or Stop is called.
// OnChange runs on the watcher goroutine, so changes are handled one at a time.
func (w *ManifestWatcher) Start(ctx context.Context, wg *sync.WaitGroup) error {
	logger.Infof("watching %s", w.manifestPath)
	// watch the directory, editors and installers replace the file
	if err := w.notifyWatcher.Add(filepath.Dir(w.manifestPath)); err != nil {
		return errors.Annotatef(err, "watching %s", filepath.Dir(w.manifestPath))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer w.Stop()
		defer logger.Debugf("stopped watching %s", w.manifestPath)
		for {
			select {
			case event, ok := <-w.notifyWatcher.Events:
				if !ok {
					return
				}
				if event.Name != w.manifestPath || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				logger.Debugf("manifest might have changed (%v)", event.Op)
				if err := w.handleChange(ctx); err != nil {
					logger.Errorf("relaunching after manifest change: %v", err)
				}
			case err, ok := <-w.notifyWatcher.Errors:
				if !ok {
					return
				}
				logger.Errorf("manifest watcher: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (w *ManifestWatcher) Stop() (closeErr error) {
	w.closeOnce.Do(func() {
		closeErr = w.notifyWatcher.Close()
	})
	return closeErr
}

func (w *ManifestWatcher) handleChange(ctx context.Context) error {
	digest, err := fileDigest(w.manifestPath, w.digestAlgorithm)
	if errors.Is(err, os.ErrNotExist) {
		// removed between the event and the read, wait for the next write
		return nil
	} else if err != nil {
		return err
	}
	if digest.Equals(w.manifestDigest, w.digestAlgorithm) {
		logger.Debugf("manifest digest is the same, skipping relaunch")
		return nil
	}
	logger.Infof("manifest changed (%s), relaunching", digest.Hex(w.digestAlgorithm))
	if err := w.onChange(ctx); err != nil {
		return err
	}
	// a failed relaunch is retried on the next write
	w.manifestDigest = digest
	return nil
}

func fileDigest(p string, algorithm integrity.Algorithm) (integrity.Digest, error) {
	f, err := os.Open(p)
	if err != nil {
		return integrity.Digest{}, errors.Trace(err)
	}
	defer f.Close()
	return integrity.CalculateDigest(f, algorithm)
}
