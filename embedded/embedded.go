// Package embedded reads the update that ships inside the application package.
//
// The embedded update is described by a JSON manifest next to its asset files:
//
//	{
//	  "id": "0b4c6a4e-...",
//	  "commitTime": 1709294400000,
//	  "runtimeVersion": "1.0.0",
//	  "metadata": {"branch": "main"},
//	  "launchAsset": {"key": "bundle.js", "type": "application/javascript", "hash": "<base64url sha256>", "file": "bundle.js"},
//	  "assets": [{"key": "assets/logo.png", "type": "image/png", "hash": "<base64url sha256>", "file": "assets/logo.png"}]
//	}
//
// Asset files are resolved relative to the directory that contains the manifest.
// The manifest is read once and is immutable for the lifetime of the process.
package embedded

import (
	"bytes"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tweag/update-launcher/api"
	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/internal/logging"
)

var logger = logging.Child("embedded")

//go:embed manifest.schema.json
var manifestSchema []byte

const schemaURL = "embedded-manifest.schema.json"

// Asset is an asset record together with the file that holds its embedded copy.
type Asset struct {
	api.AssetRecord
	// File is the slash separated path of the embedded copy, relative to the manifest.
	File string
}

// Update is the embedded update and its assets. The launch asset is always Assets[0].
type Update struct {
	Record api.UpdateRecord
	Assets []Asset
}

// AssetRecords returns the plain asset records of the update.
func (u Update) AssetRecords() []api.AssetRecord {
	records := make([]api.AssetRecord, len(u.Assets))
	for i, asset := range u.Assets {
		records[i] = asset.AssetRecord
	}
	return records
}

type manifestAsset struct {
	Key  string `json:"key"`
	Type string `json:"type"`
	Hash string `json:"hash"`
	File string `json:"file"`
	URL  string `json:"url"`
}

type manifest struct {
	ID             string            `json:"id"`
	CommitTime     int64             `json:"commitTime"`
	RuntimeVersion string            `json:"runtimeVersion"`
	Metadata       map[string]string `json:"metadata"`
	LaunchAsset    manifestAsset     `json:"launchAsset"`
	Assets         []manifestAsset   `json:"assets"`
}

// Reader reads the embedded manifest lazily, once.
type Reader struct {
	fsys         fs.FS
	manifestName string
	scopeKey     string

	once   sync.Once
	update Update
	found  bool
	err    error
	byKey  map[string]Asset
}

// NewReader reads the manifest manifestName from fsys.
// The scope key is assigned to the embedded update record.
func NewReader(fsys fs.FS, manifestName, scopeKey string) *Reader {
	return &Reader{fsys: fsys, manifestName: manifestName, scopeKey: scopeKey}
}

// Open returns a Reader for a manifest on the local filesystem.
func Open(manifestPath, scopeKey string) *Reader {
	dir, name := filepath.Split(manifestPath)
	if dir == "" {
		dir = "."
	}
	return NewReader(os.DirFS(dir), name, scopeKey)
}

// Get returns the embedded update. The boolean is false if the application
// ships without an embedded update.
func (r *Reader) Get() (Update, bool, error) {
	r.once.Do(r.load)
	return r.update, r.found, r.err
}

// EmbeddedUpdateID returns the id of the embedded update, or uuid.Nil.
func (r *Reader) EmbeddedUpdateID() uuid.UUID {
	update, ok, err := r.Get()
	if !ok || err != nil {
		return uuid.Nil
	}
	return update.Record.ID
}

// Asset looks up an embedded asset by its logical key.
func (r *Reader) Asset(key string) (Asset, bool) {
	if _, ok, err := r.Get(); !ok || err != nil {
		return Asset{}, false
	}
	asset, ok := r.byKey[key]
	return asset, ok
}

// OpenAsset opens the embedded copy of an asset.
func (r *Reader) OpenAsset(asset Asset) (io.ReadCloser, error) {
	name := path.Join(path.Dir(r.manifestName), asset.File)
	f, err := r.fsys.Open(name)
	if err != nil {
		return nil, errors.Annotatef(err, "opening embedded asset %q", asset.Key)
	}
	return f, nil
}

func (r *Reader) load() {
	data, err := fs.ReadFile(r.fsys, r.manifestName)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debugf("no embedded manifest at %q", r.manifestName)
		return
	} else if err != nil {
		r.err = errors.Annotate(err, "reading embedded manifest")
		return
	}
	update, err := Parse(data, r.scopeKey)
	if err != nil {
		r.err = err
		return
	}
	r.update = update
	r.found = true
	r.byKey = make(map[string]Asset, len(update.Assets))
	for _, asset := range update.Assets {
		r.byKey[asset.Key] = asset
	}
	logger.Debugf("embedded update %s with %d assets", update.Record.ID, len(update.Assets))
}

// Parse validates and decodes an embedded manifest.
func Parse(data []byte, scopeKey string) (Update, error) {
	if err := validate(data); err != nil {
		return Update{}, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Update{}, errors.Annotate(err, "decoding embedded manifest")
	}
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return Update{}, errors.Annotatef(err, "embedded manifest id %q", m.ID)
	}
	update := Update{
		Record: api.UpdateRecord{
			ID:             id,
			ScopeKey:       scopeKey,
			CommitTime:     time.UnixMilli(m.CommitTime).UTC(),
			RuntimeVersion: m.RuntimeVersion,
			Status:         api.StatusEmbedded,
			Metadata:       m.Metadata,
		},
	}
	entries := append([]manifestAsset{m.LaunchAsset}, m.Assets...)
	seen := make(map[string]struct{}, len(entries))
	for i, entry := range entries {
		if _, dup := seen[entry.Key]; dup {
			return Update{}, errors.NotValidf("duplicate embedded asset key %q", entry.Key)
		}
		seen[entry.Key] = struct{}{}
		if !fs.ValidPath(entry.File) {
			return Update{}, errors.NotValidf("embedded asset file %q", entry.File)
		}
		hash, err := integrity.ParseChecksum(entry.Hash)
		if err != nil {
			return Update{}, errors.Annotatef(err, "hash of embedded asset %q", entry.Key)
		}
		update.Assets = append(update.Assets, Asset{
			AssetRecord: api.AssetRecord{
				UpdateID:      id,
				Key:           entry.Key,
				Type:          entry.Type,
				Hash:          hash,
				URL:           entry.URL,
				IsLaunchAsset: i == 0,
			},
			File: entry.File,
		})
	}
	return update, nil
}

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func validate(data []byte) error {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(manifestSchema))
		if err != nil {
			compileErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			compileErr = err
			return
		}
		compiledSchema, compileErr = c.Compile(schemaURL)
	})
	if compileErr != nil {
		return errors.Annotate(compileErr, "compiling embedded manifest schema")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return errors.Annotate(err, "decoding embedded manifest")
	}
	if err := compiledSchema.Validate(inst); err != nil {
		return errors.NewNotValid(err, "embedded manifest")
	}
	return nil
}
