package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/tweag/update-launcher/integrity"
)

// UpdateStatus is the lifecycle state of an update in the local catalogue.
type UpdateStatus string

const (
	// StatusEmbedded marks the update shipped inside the application binary.
	StatusEmbedded UpdateStatus = "embedded"
	// StatusPending marks an update whose assets are still being fetched.
	StatusPending UpdateStatus = "pending"
	// StatusReady marks a fully downloaded update.
	StatusReady UpdateStatus = "ready"
	// StatusDevelopment marks an update served by a development server.
	// Its assets are never materialized locally.
	StatusDevelopment UpdateStatus = "development"
)

func (s UpdateStatus) Valid() bool {
	switch s {
	case StatusEmbedded, StatusPending, StatusReady, StatusDevelopment:
		return true
	}
	return false
}

// Launchable reports whether an update in this state may be selected for launch.
func (s UpdateStatus) Launchable() bool {
	return s == StatusEmbedded || s == StatusReady || s == StatusDevelopment
}

// UpdateRecord is a bundle version known to the local catalogue.
type UpdateRecord struct {
	ID             uuid.UUID
	ScopeKey       string
	CommitTime     time.Time
	RuntimeVersion string
	Status         UpdateStatus
	// Metadata is the manifest metadata that manifest filters are matched against.
	Metadata     map[string]string
	LastAccessed time.Time
}

// AssetRecord is a single file that belongs to an update.
// The same content may be shared by several updates, since the local
// path of an asset is derived from its hash.
type AssetRecord struct {
	ID       int64
	UpdateID uuid.UUID
	// Key is the logical name of the asset, e.g. "bundle.js" or "assets/logo.png".
	Key  string
	Type string
	// Hash is the expected content hash.
	Hash integrity.Checksum
	// URL is the remote location of the asset. Empty if the asset is only embedded.
	URL string
	// RelativePath is relative to the updates directory.
	// It is empty until the asset has been materialized.
	RelativePath  string
	IsLaunchAsset bool
}

// ManifestFilters restrict which updates are compatible with the current build.
// A filter key that is absent from an update's metadata does not exclude the update.
type ManifestFilters map[string]string

// Matches reports whether the metadata is compatible with every filter.
func (f ManifestFilters) Matches(metadata map[string]string) bool {
	for key, want := range f {
		if got, ok := metadata[key]; ok && got != want {
			return false
		}
	}
	return true
}
