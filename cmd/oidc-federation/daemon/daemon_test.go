package daemon_test

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ubuntu/oidc-federation-broker/cmd/oidc-federation/daemon"
	"github.com/ubuntu/oidc-federation-broker/internal/consts"
	"github.com/ubuntu/oidc-federation-broker/internal/testutils"
)

var issuerURL string

func TestHelp(t *testing.T) {
	a := daemon.NewForTests(t, nil, issuerURL, "--help")

	getStdout := captureStdout(t)

	err := a.Run()
	require.NoErrorf(t, err, "Run should not return an error with argument --help. Stdout: %v", getStdout())
}

func TestCompletion(t *testing.T) {
	a := daemon.NewForTests(t, nil, issuerURL, "completion", "bash")

	getStdout := captureStdout(t)

	err := a.Run()
	require.NoError(t, err, "Completion should not start the daemon. Stdout: %v", getStdout())
}

func TestVersion(t *testing.T) {
	a := daemon.NewForTests(t, nil, issuerURL, "version")

	getStdout := captureStdout(t)

	err := a.Run()
	require.NoError(t, err, "Run should not return an error")

	out := getStdout()

	fields := strings.Fields(out)
	require.Len(t, fields, 2, "wrong number of fields in version: %s", out)

	require.Equal(t, t.Name(), fields[0], "Wrong executable name")
	require.Equal(t, consts.Version, fields[1], "Wrong version")
}

func TestNoUsageError(t *testing.T) {
	a := daemon.NewForTests(t, nil, issuerURL, "completion", "bash")

	getStdout := captureStdout(t)
	err := a.Run()

	require.NoError(t, err, "Run should not return an error, stdout: %v", getStdout())
	require.False(t, a.UsageError(), "No usage error is reported as such")
}

func TestUsageError(t *testing.T) {
	a := daemon.NewForTests(t, nil, issuerURL, "doesnotexist")

	err := a.Run()
	require.Error(t, err, "Run should return an error")
	require.True(t, a.UsageError(), "Usage error is reported as such")
}

func TestCanQuitWhenExecute(t *testing.T) {
	a, wait := startDaemon(t, nil)
	defer wait()

	a.Quit()
}

func TestCanQuitTwice(t *testing.T) {
	a, wait := startDaemon(t, nil)

	a.Quit()
	wait()

	require.NotPanics(t, a.Quit)
}

func TestServesBrokerEndpoints(t *testing.T) {
	addr := freeAddress(t)
	a, wait := startDaemon(t, &daemon.DaemonConfig{Listen: addr})
	defer wait()
	defer a.Quit()

	for _, tc := range []struct {
		path string
		want string
	}{
		{path: "/healthz", want: "ok"},
		{path: "/providers", want: `"scheme":"test"`},
		{path: "/metrics", want: "go_goroutines"},
	} {
		resp, err := http.Get("http://" + addr + tc.path)
		require.NoError(t, err, "GET %s should not fail", tc.path)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err, "Reading the body of %s should not fail", tc.path)

		require.Equal(t, http.StatusOK, resp.StatusCode, "Unexpected status for %s", tc.path)
		require.Contains(t, string(body), tc.want, "Unexpected body for %s", tc.path)
	}
}

func TestAppRunFailsOnComponentsCreationAndQuit(t *testing.T) {
	const (
		// Broker configuration errors
		dropInIsFile = iota + 1
		dropInWrongPermission
		noProvider
		// Service errors
		listenError
		tlsWithoutKey
		envFileIsDir
	)

	tests := map[string]struct {
		behavior int
	}{
		"Error_on_drop_in_directory_being_a_file":        {behavior: dropInIsFile},
		"Error_on_wrong_permission_on_drop_in_directory": {behavior: dropInWrongPermission},
		"Error_on_broker_configuration_without_provider": {behavior: noProvider},
		"Error_on_invalid_listen_address":                {behavior: listenError},
		"Error_on_TLS_certificate_without_key":           {behavior: tlsWithoutKey},
		"Error_on_environment_file_being_a_directory":    {behavior: envFileIsDir},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			tmpDir := t.TempDir()
			config := daemon.DaemonConfig{
				Paths: daemon.SystemPaths{
					BrokerConf: filepath.Join(tmpDir, "broker.conf"),
				},
			}
			daemon.GenerateBrokerConfig(t, config.Paths.BrokerConf, issuerURL)
			dropInDir := config.Paths.BrokerConf + ".d"

			switch tc.behavior {
			case dropInIsFile:
				err := os.WriteFile(dropInDir, []byte("file"), 0600)
				require.NoError(t, err, "Setup: could not create drop-in file for tests")
			case dropInWrongPermission:
				err := os.Mkdir(dropInDir, 0755)
				require.NoError(t, err, "Setup: could not create drop-in directory for tests")
			case noProvider:
				err := os.WriteFile(config.Paths.BrokerConf, []byte("[broker]\n"), 0600)
				require.NoError(t, err, "Setup: could not overwrite broker configuration for tests")
			case listenError:
				config.Listen = "not-an-address"
			case tlsWithoutKey:
				config.TLS = daemon.TLSConfig{Cert: filepath.Join(tmpDir, "cert.pem")}
			case envFileIsDir:
				config.Paths.EnvFile = tmpDir
			}

			a := daemon.NewForTests(t, &config, issuerURL)
			err := a.Run()
			require.Error(t, err, "Run should return an error")
			require.False(t, a.UsageError(), "Components creation errors are not usage errors")

			require.NotPanics(t, a.Quit, "Quit should not block or panic after a failed start")
		})
	}
}

func TestEnvFileIsLoaded(t *testing.T) {
	const key = "OIDC_FEDERATION_TEST_ENV_FILE_LOADED"
	t.Cleanup(func() { os.Unsetenv(key) })

	envFile := filepath.Join(t.TempDir(), ".env")
	err := os.WriteFile(envFile, []byte(key+"=yes\n"), 0600)
	require.NoError(t, err, "Setup: could not write environment file")

	a, wait := startDaemon(t, &daemon.DaemonConfig{Paths: daemon.SystemPaths{EnvFile: envFile}})
	defer wait()
	defer a.Quit()

	require.Equal(t, "yes", os.Getenv(key), "Variables of the environment file should be exported")
}

func TestAppCanSigHupWhenExecute(t *testing.T) {
	a, wait := startDaemon(t, nil)

	defer wait()
	defer a.Quit()

	out := captureStdout(t)
	a.Hup()
	require.NotEmpty(t, out(), "Stacktrace is printed")
}

func TestAppCanSigHupWithoutExecute(t *testing.T) {
	a := daemon.NewForTests(t, nil, issuerURL)

	out := captureStdout(t)
	require.False(t, a.Hup(), "Hup should not request to quit")
	require.NotEmpty(t, out(), "Stacktrace is printed")
}

func TestAppGetRootCmd(t *testing.T) {
	a := daemon.NewForTests(t, nil, issuerURL)
	require.NotNil(t, a.RootCmd(), "Returns root command")
}

func TestConfigLoad(t *testing.T) {
	tmpDir := t.TempDir()
	config := daemon.DaemonConfig{
		Verbosity: 1,
		Paths: daemon.SystemPaths{
			BrokerConf: filepath.Join(tmpDir, "broker.conf"),
			EnvFile:    filepath.Join(tmpDir, ".env"),
		},
		Listen: "localhost:0",
	}

	a, wait := startDaemon(t, &config)
	defer wait()
	defer a.Quit()

	require.Equal(t, config, a.Config(), "Config is loaded")
}

func TestConfigHasPrecedenceOverPathsConfig(t *testing.T) {
	tmpDir := t.TempDir()
	config := daemon.DaemonConfig{
		Verbosity: 1,
		Paths: daemon.SystemPaths{
			BrokerConf: filepath.Join(tmpDir, "broker.conf"),
			EnvFile:    filepath.Join(tmpDir, ".env"),
		},
		Listen: "localhost:0",
	}

	overrideBrokerConfPath := filepath.Join(tmpDir, "override", "via", "config", "broker.conf")
	daemon.GenerateBrokerConfig(t, overrideBrokerConfPath, issuerURL)
	a := daemon.NewForTests(t, &config, issuerURL, "--config", overrideBrokerConfPath)

	var runErr error
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr = a.Run()
	}()
	a.WaitReady()
	time.Sleep(50 * time.Millisecond)

	a.Quit()
	wg.Wait()
	require.NoError(t, runErr, "Run should exit without any error")

	want := config
	want.Paths.BrokerConf = overrideBrokerConfPath
	require.Equal(t, want, a.Config(), "Config is loaded")
}

func TestListenFlagHasPrecedenceOverConfig(t *testing.T) {
	addr := freeAddress(t)
	a := daemon.NewForTests(t, nil, issuerURL, "--listen", addr)

	var runErr error
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr = a.Run()
	}()
	a.WaitReady()
	time.Sleep(50 * time.Millisecond)

	a.Quit()
	wg.Wait()
	require.NoError(t, runErr, "Run should exit without any error")
	require.Equal(t, addr, a.Config().Listen, "Listen flag overrides the configuration")
}

func TestEnvHasPrecedenceOverConfig(t *testing.T) {
	t.Setenv("OIDC_FEDERATION_VERBOSITY", "1")

	a := daemon.NewForTests(t, nil, issuerURL, "version")
	_ = captureStdout(t)

	err := a.Run()
	require.NoError(t, err, "Run should not return an error")
	require.Equal(t, 1, a.Config().Verbosity, "Environment overrides the configuration file")
}

func TestNoConfigSetDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("SNAP_DATA", tmpDir)

	a := daemon.New(t.Name()) // Use version to still run preExec to load no config but without running server
	a.SetArgs("version")
	_ = captureStdout(t)

	err := a.Run()
	require.NoError(t, err, "Run should not return an error")

	require.Equal(t, 0, a.Config().Verbosity, "Default Verbosity")
	require.Equal(t, filepath.Join(tmpDir, "broker.conf"), a.Config().Paths.BrokerConf, "Default broker configuration path")
	require.Equal(t, filepath.Join(tmpDir, ".env"), a.Config().Paths.EnvFile, "Default environment file")
	require.Equal(t, daemon.DefaultListenAddr, a.Config().Listen, "Default listen address")
}

func TestBadConfigReturnsError(t *testing.T) {
	a := daemon.New(t.Name()) // Use version to still run preExec to load no config but without running server
	a.SetArgs("version", "--paths-config", "/does/not/exist.yaml")

	err := a.Run()
	require.Error(t, err, "Run should return an error on config file")
}

// startDaemon prepares and starts the daemon in the background. The done function should be called
// to wait for the daemon to stop.
func startDaemon(t *testing.T, conf *daemon.DaemonConfig) (app *daemon.App, done func()) {
	t.Helper()

	a := daemon.NewForTests(t, conf, issuerURL)

	var runErr error
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr = a.Run()
	}()
	a.WaitReady()
	time.Sleep(50 * time.Millisecond)

	return a, func() {
		wg.Wait()
		require.NoError(t, runErr, "Run should exit without any error")
	}
}

// freeAddress returns a local address nothing listens on.
func freeAddress(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err, "Setup: could not find a free port")
	addr := l.Addr().String()
	require.NoError(t, l.Close(), "Setup: could not release the free port")
	return addr
}

// captureStdout capture current process stdout and returns a function to get the captured buffer.
func captureStdout(t *testing.T) func() string {
	t.Helper()

	r, w, err := os.Pipe()
	require.NoError(t, err, "Setup: pipe shouldn't fail")

	orig := os.Stdout
	os.Stdout = w

	var out bytes.Buffer
	errch := make(chan error, 1)
	go func() {
		_, err := io.Copy(&out, r)
		errch <- err
	}()

	var once sync.Once
	restore := func() {
		once.Do(func() {
			os.Stdout = orig
			w.Close()
		})
	}
	t.Cleanup(restore)

	return func() string {
		restore()
		require.NoError(t, <-errch, "Couldn't copy stdout to buffer")
		return out.String()
	}
}

func TestMain(m *testing.M) {
	p, cleanup := testutils.StartMockProvider("")
	issuerURL = p.URL

	code := m.Run()
	cleanup()
	if code != 0 {
		fmt.Fprintln(os.Stderr, "daemon tests failed")
	}
	os.Exit(code)
}
