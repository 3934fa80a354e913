package api

import (
	"slices"
	"strings"
	"time"

	"github.com/juju/errors"
)

// GlobalConfig is the configuration of the update launcher.
// It can be read from a JSON or YAML file or passed as command-line flags.
// This configuration is shared by all subcommands.
type GlobalConfig struct {
	// ScopeKey identifies the application. Only updates of this scope are considered.
	ScopeKey string `json:"scope_key,omitempty" yaml:"scope_key,omitempty"`
	// RuntimeVersion of the running binary. Updates built for another runtime are never launched.
	RuntimeVersion string `json:"runtime_version,omitempty" yaml:"runtime_version,omitempty"`
	// UpdatesDirectory holds materialized assets, addressed by hash.
	UpdatesDirectory string `json:"updates_dir,omitempty" yaml:"updates_dir,omitempty"`
	// DatabasePath is the SQLite database with the update catalogue.
	// An empty value launches the embedded update without a database.
	DatabasePath string `json:"database,omitempty" yaml:"database,omitempty"`
	// EmbeddedManifestPath points at the manifest of the update shipped with the application.
	// Asset files are resolved relative to the directory of the manifest.
	EmbeddedManifestPath string `json:"embedded_manifest,omitempty" yaml:"embedded_manifest,omitempty"`
	// Remote is an optional grpc(s) endpoint of a remote asset service.
	// When set, assets are fetched through the remote asset API before falling back to their URL.
	// Example: "grpcs://remote.example.com"
	// Example: "grpc://localhost:8980" (for unencrypted connections - not recommended)
	Remote string `json:"remote,omitempty" yaml:"remote,omitempty"`
	// RequestHeaders are added to every download request (HTTP and gRPC).
	RequestHeaders map[string]string `json:"request_headers,omitempty" yaml:"request_headers,omitempty"`
	// ManifestFilters restrict the updates that can be launched.
	ManifestFilters map[string]string `json:"manifest_filters,omitempty" yaml:"manifest_filters,omitempty"`
	// DownloadWorkers is the number of concurrent asset downloads.
	DownloadWorkers int `json:"download_workers,omitempty" yaml:"download_workers,omitempty"`
	// DownloadAttempts is the number of tries per asset download.
	DownloadAttempts int `json:"download_attempts,omitempty" yaml:"download_attempts,omitempty"`
	// DownloadTimeout bounds a single download attempt (Go duration syntax).
	DownloadTimeout string `json:"download_timeout,omitempty" yaml:"download_timeout,omitempty"`
	// CodeSigningCertificatePath is a PEM file with the trusted code signing certificate (chain).
	CodeSigningCertificatePath string `json:"code_signing_certificate,omitempty" yaml:"code_signing_certificate,omitempty"`
	// CodeSigningMetadata holds "alg" and "keyid" of the expected signatures.
	CodeSigningMetadata map[string]string `json:"code_signing_metadata,omitempty" yaml:"code_signing_metadata,omitempty"`
	// CodeSigningIncludeManifestResponseCertificateChain trusts intermediates sent along with a manifest.
	CodeSigningIncludeManifestResponseCertificateChain *bool `json:"code_signing_include_manifest_response_certificate_chain,omitempty" yaml:"code_signing_include_manifest_response_certificate_chain,omitempty"`
	// CodeSigningAllowUnsignedManifests accepts manifests without a signature header.
	CodeSigningAllowUnsignedManifests *bool `json:"code_signing_allow_unsigned_manifests,omitempty" yaml:"code_signing_allow_unsigned_manifests,omitempty"`
	// Emits debug information about the FUSE filesystem.
	FUSEDebug *bool `json:"fuse_debug,omitempty" yaml:"fuse_debug,omitempty"`
	// Log level. One of "error", "warning", "basic", "debug".
	// Note that some messages are always printed, regardless of the log level (e.g. errors).
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

func (c GlobalConfig) Validate() error {
	issues := []string{}
	if c.ScopeKey == "" {
		issues = append(issues, `scope_key must be provided`)
	}
	if c.RuntimeVersion == "" {
		issues = append(issues, `runtime_version must be provided`)
	}
	if c.UpdatesDirectory == "" {
		issues = append(issues, `updates_dir must be provided`)
	}
	if c.DatabasePath == "" && c.EmbeddedManifestPath == "" {
		issues = append(issues, `at least one of database and embedded_manifest must be provided`)
	}
	if c.Remote != "" && !slices.Contains([]string{"grpcs", "grpc"}, strings.Split(c.Remote, "://")[0]) {
		issues = append(issues, `remote must start with "grpcs://" or "grpc://"`)
	}
	if c.DownloadWorkers < 1 {
		issues = append(issues, `download_workers must be at least 1`)
	}
	if c.DownloadAttempts < 1 {
		issues = append(issues, `download_attempts must be at least 1`)
	}
	if _, err := time.ParseDuration(c.DownloadTimeout); err != nil {
		issues = append(issues, `download_timeout must be a duration like "30s"`)
	}
	for key := range c.CodeSigningMetadata {
		if key != "alg" && key != "keyid" {
			issues = append(issues, `code_signing_metadata may only contain "alg" and "keyid"`)
			break
		}
	}
	switch c.LogLevel {
	case "error", "warning", "basic", "info", "debug": // allowed
	default:
		issues = append(issues, `log_level must be one of "error", "warning", "basic", "debug"`)
	}

	if len(issues) > 0 {
		return errors.Errorf("config validation failed:\n  %s", strings.Join(issues, "\n  "))
	}
	return nil
}

func (c GlobalConfig) FUSEDebugEnable() bool {
	return c.FUSEDebug != nil && *c.FUSEDebug
}

func (c GlobalConfig) IncludeManifestResponseCertificateChain() bool {
	return c.CodeSigningIncludeManifestResponseCertificateChain != nil && *c.CodeSigningIncludeManifestResponseCertificateChain
}

func (c GlobalConfig) AllowUnsignedManifests() bool {
	return c.CodeSigningAllowUnsignedManifests != nil && *c.CodeSigningAllowUnsignedManifests
}

// DownloadTimeoutDuration returns the parsed download timeout.
// Validate guarantees that the value parses.
func (c GlobalConfig) DownloadTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.DownloadTimeout)
	if err != nil {
		return 0
	}
	return d
}

type ConfigReader interface {
	Read(baseConfig GlobalConfig) (GlobalConfig, error)
}

func ReadConfig(reader ConfigReader, config GlobalConfig) (GlobalConfig, error) {
	return reader.Read(config)
}

func DefaultConfig() GlobalConfig {
	return GlobalConfig{
		UpdatesDirectory:     "~/.cache/update-launcher",
		DatabasePath:         "~/.cache/update-launcher/updates.db",
		EmbeddedManifestPath: "app.manifest",
		DownloadWorkers:      4,
		DownloadAttempts:     3,
		DownloadTimeout:      "60s",
		FUSEDebug:            nil,
		LogLevel:             "basic",
	}
}
