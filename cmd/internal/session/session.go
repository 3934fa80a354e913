// Package session wires the launcher components from a GlobalConfig.
package session

import (
	"context"
	"net/http"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"google.golang.org/grpc"

	"github.com/tweag/update-launcher/api"
	"github.com/tweag/update-launcher/cmd/internal/cmdhelper"
	"github.com/tweag/update-launcher/embedded"
	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/internal/logging"
	"github.com/tweag/update-launcher/launcher"
	"github.com/tweag/update-launcher/materializer"
	"github.com/tweag/update-launcher/selection"
	"github.com/tweag/update-launcher/service/asset"
	"github.com/tweag/update-launcher/service/cas"
	"github.com/tweag/update-launcher/service/downloader"
	"github.com/tweag/update-launcher/store"
)

var logger = logging.Child("session")

// Session holds the long lived collaborators. Every call to Launch uses a fresh launcher.
type Session struct {
	config  api.GlobalConfig
	disk    *cas.Disk
	store   *store.SQLite
	conn    *grpc.ClientConn
	fetcher downloader.Fetcher
}

// Open creates the updates directory, opens the database and connects to the remote, as configured.
func Open(config api.GlobalConfig) (*Session, error) {
	disk, err := cas.NewDisk(cmdhelper.SubstituteHome(config.UpdatesDirectory))
	if err != nil {
		return nil, errors.Annotatef(err, "opening updates directory %s", config.UpdatesDirectory)
	}
	s := &Session{config: config, disk: disk}

	if config.DatabasePath != "" {
		s.store, err = store.Open(cmdhelper.SubstituteHome(config.DatabasePath), clock.WallClock)
		if err != nil {
			return nil, errors.Annotatef(err, "opening database %s", config.DatabasePath)
		}
	} else {
		logger.Warningf("no database configured, only the embedded update can be launched")
	}

	var chain downloader.Chain
	if config.Remote != "" {
		s.conn, err = cmdhelper.DialRemote(config.Remote, config.RequestHeaders)
		if err != nil {
			s.Close()
			return nil, err
		}
		chain = append(chain, downloader.NewRemote(
			asset.NewRemoteAssetService(s.conn, ""),
			cas.NewRemote(s.conn, ""),
			disk,
			integrity.NewCache(),
			config.RequestHeaders,
			config.DownloadTimeoutDuration(),
		))
		logger.Infof("remote asset service: %s", config.Remote)
	}
	chain = append(chain, downloader.NewHTTP(disk, downloader.HTTPOptions{
		Client:   http.DefaultClient,
		Headers:  config.RequestHeaders,
		Timeout:  config.DownloadTimeoutDuration(),
		Attempts: config.DownloadAttempts,
	}))
	s.fetcher = chain
	return s, nil
}

func (s *Session) Config() api.GlobalConfig { return s.config }

// Store is nil without a database.
func (s *Session) Store() *store.SQLite { return s.store }

func (s *Session) Close() error {
	var closeErr error
	if s.conn != nil {
		closeErr = s.conn.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}

// EmbeddedReader reads the embedded manifest afresh, it may have changed since the last launch.
func (s *Session) EmbeddedReader() *embedded.Reader {
	return embedded.Open(cmdhelper.SubstituteHome(s.config.EmbeddedManifestPath), s.config.ScopeKey)
}

// Launch selects and materializes an update and waits for the outcome.
func (s *Session) Launch(ctx context.Context) (launcher.Result, error) {
	reader := s.EmbeddedReader()
	if _, ok, err := reader.Get(); err != nil {
		logger.Warningf("embedded update unusable: %v", err)
	} else if !ok {
		logger.Debugf("no embedded update at %s", s.config.EmbeddedManifestPath)
	}

	// the store field is a pointer, keep the interfaces nil without a database
	var assetUpdater materializer.AssetUpdater
	if s.store != nil {
		assetUpdater = s.store
		if _, err := embedded.Import(ctx, reader, s.store); err != nil {
			logger.Warningf("importing embedded update: %v", err)
		}
	}

	m := materializer.New(s.disk, assetUpdater, reader, s.fetcher, s.config.DownloadWorkers)
	m.Start()
	defer m.Stop()

	embeddedLauncher := launcher.NewEmbedded(reader, m)
	var l launcher.Launcher = embeddedLauncher
	if s.store != nil {
		l = &launcher.Procedure{
			Primary: launcher.NewDatabase(launcher.DatabaseConfig{
				ScopeKey:     s.config.ScopeKey,
				Store:        s.store,
				Materializer: m,
				Embedded:     reader,
				Policy:       s.Policy(),
			}),
			Fallback: embeddedLauncher,
		}
	}
	// wait for the outcome even when ctx is cancelled, the materializer
	// must not be stopped while the launcher still dispatches downloads
	type outcome struct {
		result launcher.Result
		err    error
	}
	ch := make(chan outcome, 1)
	if err := l.Launch(ctx, launcher.CallbackFuncs{
		Success: func(result launcher.Result) { ch <- outcome{result: result} },
		Failure: func(err error) { ch <- outcome{err: err} },
	}); err != nil {
		return launcher.Result{}, err
	}
	o := <-ch
	return o.result, o.err
}

func (s *Session) Policy() selection.Policy {
	return selection.Policy{
		RuntimeVersion: s.config.RuntimeVersion,
		Filters:        api.ManifestFilters(s.config.ManifestFilters),
	}
}
