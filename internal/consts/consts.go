// Package consts defines the constants used by the project.
package consts

import "log/slog"

var (
	// Version is the version of the executable.
	Version = "Dev"
)

const (
	// DefaultLevelLog is the default logging level selected without any option.
	DefaultLevelLog = slog.LevelWarn

	// DefaultErrorPath is the path of the page rendering remote authentication errors.
	DefaultErrorPath = "/Error"

	// RemoteErrorParam is the query parameter carrying the remote error to the error page.
	RemoteErrorParam = "remoteError"

	// EnvPrefix is the prefix of the environment variables overriding the configuration.
	EnvPrefix = "OIDC_FEDERATION"
)
