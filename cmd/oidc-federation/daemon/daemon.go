// Package daemon represents the oidc-federation broker binary.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/ubuntu/oidc-federation-broker/internal/broker"
	"github.com/ubuntu/oidc-federation-broker/internal/consts"
	"github.com/ubuntu/oidc-federation-broker/internal/daemon"
	"github.com/ubuntu/oidc-federation-broker/internal/httpservice"
)

const defaultListenAddr = "localhost:8080"

// App encapsulate commands and options of the daemon, which can be controlled by env variables and config files.
type App struct {
	rootCmd cobra.Command
	viper   *viper.Viper
	config  daemonConfig

	daemon *daemon.Daemon
	name   string

	ready chan struct{}
}

// only overriable for tests.
type systemPaths struct {
	BrokerConf string
	EnvFile    string
}

type tlsConfig struct {
	Cert string
	Key  string
}

// daemonConfig defines configuration parameters of the daemon.
type daemonConfig struct {
	Verbosity int
	Paths     systemPaths
	Listen    string
	TLS       tlsConfig
}

// New registers commands and return a new App.
func New(name string) *App {
	a := App{ready: make(chan struct{}), name: name}
	a.rootCmd = cobra.Command{
		Use:   fmt.Sprintf("%s COMMAND", name),
		Short: fmt.Sprintf("%s OpenID Connect federation broker", name),
		Long:  fmt.Sprintf("Federation daemon %s signing users in through the configured OpenID Connect providers.", name),
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful, so don't print the usage message on errors anymore.
			a.rootCmd.SilenceUsage = true

			configDir := filepath.Join("/etc", name)
			if snapData := os.Getenv("SNAP_DATA"); snapData != "" {
				configDir = snapData
			}
			// Set config defaults
			a.config = daemonConfig{
				Paths: systemPaths{
					BrokerConf: filepath.Join(configDir, "broker.conf"),
					EnvFile:    filepath.Join(configDir, ".env"),
				},
				Listen: defaultListenAddr,
			}

			// Install and unmarshall configuration
			if err := initViperConfig(name, &a.rootCmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config); err != nil {
				return fmt.Errorf("unable to decode configuration into struct: %w", err)
			}

			if v, err := cmd.Flags().GetString("config"); err == nil && v != "" {
				a.config.Paths.BrokerConf = v
			}

			setVerboseMode(a.config.Verbosity)

			slog.Info(fmt.Sprintf("Version: %s", consts.Version))
			slog.Debug("Debug mode is enabled")

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(a.config)
		},
		// We display usage error ourselves
		SilenceErrors: true,
	}
	viper := viper.New()

	a.viper = viper

	installVerbosityFlag(&a.rootCmd, a.viper)
	installConfigFlag(&a.rootCmd)
	a.rootCmd.PersistentFlags().StringP("paths-config", "", "", "use a specific paths configuration file")
	if err := a.rootCmd.PersistentFlags().MarkHidden("paths-config"); err != nil {
		slog.Warn(fmt.Sprintf("Failed to hide --paths-config flag: %v", err))
	}
	installListenFlag(&a.rootCmd, a.viper)

	// subcommands
	a.installVersion()

	return &a
}

// serve starts the HTTP service. This call is blocking until we quit it.
func (a *App) serve(config daemonConfig) error {
	ctx := context.Background()
	// Ensure that the a.ready channel is closed when the function returns, which is what Quit() waits for before exiting.
	readyPtr := &a.ready
	closeFunc := func() {
		if readyPtr == nil {
			return
		}
		close(*readyPtr)
		readyPtr = nil
	}
	defer closeFunc()

	if err := loadEnvFile(config.Paths.EnvFile); err != nil {
		return err
	}

	brokerConfigDir := broker.GetDropInDir(config.Paths.BrokerConf)
	if err := ensureDirWithPerms(brokerConfigDir, 0700, os.Geteuid()); err != nil {
		return fmt.Errorf("error initializing broker configuration directory %q: %v", brokerConfigDir, err)
	}

	b, err := broker.New(broker.Config{ConfigFile: config.Paths.BrokerConf})
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Warn(fmt.Sprintf("Could not close the session store: %v", err))
		}
	}()

	s, err := httpservice.New(ctx, config.Listen, b,
		httpservice.WithTLS(config.TLS.Cert, config.TLS.Key),
		httpservice.WithTrustForwardedHeaders(b.TrustForwardedHeaders()),
		httpservice.WithMetrics(b.Metrics()),
	)
	if err != nil {
		return err
	}

	var daemonopts []daemon.Option
	daemon, err := daemon.New(ctx, s, daemonopts...)
	if err != nil {
		_ = s.Stop()
		return err
	}

	a.daemon = daemon
	closeFunc()

	return daemon.Serve(ctx)
}

// loadEnvFile exports the variables of path which are not set yet. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug(fmt.Sprintf("No environment file at %q", path))
			return nil
		}
		return fmt.Errorf("could not load environment file %q: %v", path, err)
	}
	slog.Info(fmt.Sprintf("Loaded environment file %q", path))
	return nil
}

// installVerbosityFlag adds the -v and -vv options and returns the reference to it.
func installVerbosityFlag(cmd *cobra.Command, viper *viper.Viper) *int {
	r := cmd.PersistentFlags().CountP("verbosity", "v", "issue INFO (-v), DEBUG (-vv) or DEBUG with caller (-vvv) output")

	if err := viper.BindPFlag("verbosity", cmd.PersistentFlags().Lookup("verbosity")); err != nil {
		slog.Warn(err.Error())
	}

	return r
}

// installListenFlag adds the --listen option overriding the listen address of the configuration.
func installListenFlag(cmd *cobra.Command, viper *viper.Viper) *string {
	r := cmd.Flags().StringP("listen", "l", defaultListenAddr, "address to serve on")

	if err := viper.BindPFlag("listen", cmd.Flags().Lookup("listen")); err != nil {
		slog.Warn(err.Error())
	}

	return r
}

// Run executes the command and associated process. It returns an error on syntax/usage error.
func (a *App) Run() error {
	return a.rootCmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.rootCmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shutdown the service.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon == nil {
		return
	}
	a.daemon.Quit()
}

// WaitReady signals when the daemon is ready
// Note: we need to use a pointer to not copy the App object before the daemon is ready, and thus, creates a data race.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns a copy of the root command for the app. Shouldn't be in general necessary apart when running generators.
func (a App) RootCmd() cobra.Command {
	return a.rootCmd
}
