package api

import "github.com/juju/errors"

// Environment variables used by update-launcher.
const (
	// LogLevelEnv is the environment variable used to set the log level.
	LogLevelEnv = "UPDATE_LAUNCHER_LOGGING"
	// ConfigFileEnv is the environment variable used to set the configuration file.
	ConfigFileEnv = "UPDATE_LAUNCHER_CONFIG_FILE"
)

// FSType is the filesystem type of a bundle mount, as listed in /proc/self/mountinfo.
const FSType = "fuse.update-launcher"

// ErrConfigNotFound is returned by config readers when no config file exists.
const ErrConfigNotFound = errors.ConstError("config file not found")
