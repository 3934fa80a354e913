package cmdhelper

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"

	"github.com/tweag/update-launcher/api"
	"github.com/tweag/update-launcher/auth/grpcheaderinterceptor"
	"github.com/tweag/update-launcher/internal/logging"
)

// DefaultConfigFile is read from the working directory when no config file is given.
const DefaultConfigFile = ".update-launcher.json"

func FatalFmt(format string, args ...any) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

// OSConfigReader reads a JSON config file, or YAML if the name ends in .yaml or .yml.
// Unknown fields are rejected.
type OSConfigReader struct {
	ConfigPath string
}

func (r OSConfigReader) Read(config api.GlobalConfig) (api.GlobalConfig, error) {
	file, err := os.Open(r.ConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config, api.ErrConfigNotFound
		}
		return config, errors.Trace(err)
	}
	defer file.Close()
	return decodeConfig(file, filepath.Ext(r.ConfigPath), config)
}

func decodeConfig(r io.Reader, ext string, config api.GlobalConfig) (api.GlobalConfig, error) {
	switch ext {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(r)
		decoder.KnownFields(true)
		if err := decoder.Decode(&config); err != nil && err != io.EOF {
			return config, errors.Annotate(err, "decoding yaml")
		}
	default:
		decoder := json.NewDecoder(r)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&config); err != nil {
			return config, errors.Annotate(err, "decoding json")
		}
	}
	return config, nil
}

func SubstituteHome(p string) string {
	if len(p) == 0 || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return home + p[1:]
}

type FlagPreset uint

const (
	FlagPresetNone   FlagPreset = 0
	FlagPresetLaunch            = 1 << iota
	FlagPresetRemote
	FlagPresetDownload
	FlagPresetCodeSigning
	FlagPresetFUSE
)

type flagConfig struct {
	api.GlobalConfig
	// redefine any bool flags to satisfy flagset.BoolVar
	IncludeManifestResponseCertificateChain bool
	AllowUnsignedManifests                  bool
	FUSEDebug                               bool
}

func globalFlags(flagSet *flag.FlagSet, preset FlagPreset) *flagConfig {
	config := &flagConfig{}
	flagSet.StringVar(&config.LogLevel, "log_level", "", `Log level. one of "error", "warning", "basic", "debug"`)

	if preset&FlagPresetLaunch != 0 {
		flagSet.StringVar(&config.ScopeKey, "scope_key", "", "Scope key of the application")
		flagSet.StringVar(&config.RuntimeVersion, "runtime_version", "", "Runtime version of the application binary")
		flagSet.StringVar(&config.UpdatesDirectory, "updates_dir", "", "Directory holding materialized assets")
		flagSet.StringVar(&config.DatabasePath, "database", "", "Path to the update database")
		flagSet.StringVar(&config.EmbeddedManifestPath, "embedded_manifest", "", "Path to the manifest of the embedded update")
		flagSet.Func("manifest_filter", "Manifest filter as key=value (repeatable)", func(s string) error {
			key, value, ok := strings.Cut(s, "=")
			if !ok {
				return errors.NotValidf("manifest filter %q", s)
			}
			if config.ManifestFilters == nil {
				config.ManifestFilters = map[string]string{}
			}
			config.ManifestFilters[key] = value
			return nil
		})
	}
	if preset&FlagPresetRemote != 0 {
		flagSet.StringVar(&config.Remote, "remote", "", "grpc(s) endpoint of a remote asset service")
	}
	if preset&FlagPresetDownload != 0 {
		flagSet.IntVar(&config.DownloadWorkers, "download_workers", 0, "Number of concurrent asset downloads")
		flagSet.IntVar(&config.DownloadAttempts, "download_attempts", 0, "Number of tries per asset download")
		flagSet.StringVar(&config.DownloadTimeout, "download_timeout", "", `Timeout of a single download attempt, e.g. "60s"`)
		flagSet.Func("request_header", "Header added to download requests as name=value (repeatable)", func(s string) error {
			name, value, ok := strings.Cut(s, "=")
			if !ok {
				return errors.NotValidf("request header %q", s)
			}
			if config.RequestHeaders == nil {
				config.RequestHeaders = map[string]string{}
			}
			config.RequestHeaders[name] = value
			return nil
		})
	}
	if preset&FlagPresetCodeSigning != 0 {
		flagSet.StringVar(&config.CodeSigningCertificatePath, "code_signing_certificate", "", "PEM file with the trusted code signing certificate")
		flagSet.BoolVar(&config.IncludeManifestResponseCertificateChain, "code_signing_include_manifest_response_certificate_chain", false, "Trust intermediate certificates sent with the manifest")
		flagSet.BoolVar(&config.AllowUnsignedManifests, "code_signing_allow_unsigned_manifests", false, "Accept manifests without a signature")
	}
	if preset&FlagPresetFUSE != 0 {
		flagSet.BoolVar(&config.FUSEDebug, "fuse_debug", false, "Emits debug information about the FUSE filesystem")
	}
	return config
}

// InjectGlobalFlagsAndConfigure parses args and merges defaults, the config file and flags, in that order.
// The launch settings are validated if preset includes FlagPresetLaunch.
func InjectGlobalFlagsAndConfigure(args []string, flagSet *flag.FlagSet, preset FlagPreset) (api.GlobalConfig, error) {
	var configPath string
	ignoreMissing := true

	if configPathEnv, ok := os.LookupEnv(api.ConfigFileEnv); ok {
		configPath = configPathEnv
		ignoreMissing = false
	}
	flagSet.Func("config", "Path to the config file (JSON or YAML)", func(configPathFlag string) error {
		configPath = configPathFlag
		ignoreMissing = false
		return nil
	})

	flagConfig := globalFlags(flagSet, preset)
	if err := flagSet.Parse(args); err != nil {
		return api.GlobalConfig{}, err
	}
	// fixup any bool vars
	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "code_signing_include_manifest_response_certificate_chain":
			flagConfig.GlobalConfig.CodeSigningIncludeManifestResponseCertificateChain = &flagConfig.IncludeManifestResponseCertificateChain
		case "code_signing_allow_unsigned_manifests":
			flagConfig.GlobalConfig.CodeSigningAllowUnsignedManifests = &flagConfig.AllowUnsignedManifests
		case "fuse_debug":
			flagConfig.GlobalConfig.FUSEDebug = &flagConfig.FUSEDebug
		}
	})

	fileConfig, err := readConfigFileOrDefault(configPath, ignoreMissing)
	if err != nil {
		return api.GlobalConfig{}, err
	}

	config, err := mergeConfigs(fileConfig, flagConfig.GlobalConfig)
	if err != nil {
		return api.GlobalConfig{}, err
	}

	logging.SetLevel(logging.FromString(config.LogLevel))
	if preset&FlagPresetLaunch == 0 {
		return config, nil
	}
	return config, config.Validate()
}

func readConfigFileOrDefault(configPath string, ignoreMissing bool) (api.GlobalConfig, error) {
	config := api.DefaultConfig()

	if ignoreMissing && configPath == "" {
		// default config (parse if exists)
		configPath = DefaultConfigFile
	}
	configReader := OSConfigReader{ConfigPath: SubstituteHome(configPath)}
	config, err := api.ReadConfig(configReader, config)
	if ignoreMissing && err == api.ErrConfigNotFound {
		return config, nil
	} else if err != nil {
		return api.GlobalConfig{}, errors.Annotatef(err, "reading config from %s", configPath)
	}
	return config, nil
}

func mergeConfigs(base, overlay api.GlobalConfig) (api.GlobalConfig, error) {
	overlayJSON, err := json.Marshal(overlay)
	if err != nil {
		return api.GlobalConfig{}, errors.Trace(err)
	}

	decoder := json.NewDecoder(bytes.NewReader(overlayJSON))
	decoder.DisallowUnknownFields()

	merged := base
	if err := decoder.Decode(&merged); err != nil {
		return api.GlobalConfig{}, errors.Trace(err)
	}
	return merged, nil
}

// DialRemote connects to a "grpcs://" or "grpc://" endpoint. headers are sent with every call.
func DialRemote(remote string, headers map[string]string) (*grpc.ClientConn, error) {
	scheme, target, ok := strings.Cut(remote, "://")
	if !ok {
		return nil, errors.NotValidf("remote %q", remote)
	}
	var opts []grpc.DialOption
	switch scheme {
	case "grpcs":
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	case "grpc":
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	default:
		return nil, errors.NotValidf("remote scheme %q", scheme)
	}
	opts = append(opts, grpcheaderinterceptor.DialOptions(headers)...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to %s", remote)
	}
	return conn, nil
}
