package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type (
	DaemonConfig = daemonConfig
	SystemPaths  = systemPaths
	TLSConfig    = tlsConfig
)

const DefaultListenAddr = defaultListenAddr

func NewForTests(t *testing.T, conf *DaemonConfig, providerURL string, args ...string) *App {
	t.Helper()

	p := GenerateTestConfig(t, conf, providerURL)
	argsWithConf := []string{"--paths-config", p}
	argsWithConf = append(argsWithConf, args...)

	a := New(t.Name())
	a.rootCmd.SetArgs(argsWithConf)
	return a
}

// GenerateTestConfig writes the daemon configuration and, if missing, a broker configuration federating providerURL.
func GenerateTestConfig(t *testing.T, origConf *daemonConfig, providerURL string) string {
	t.Helper()

	var conf daemonConfig

	if origConf != nil {
		conf = *origConf
	}

	if conf.Verbosity == 0 {
		conf.Verbosity = 2
	}
	if conf.Listen == "" {
		conf.Listen = "localhost:0"
	}
	if conf.Paths.EnvFile == "" {
		conf.Paths.EnvFile = filepath.Join(t.TempDir(), ".env")
	}
	if conf.Paths.BrokerConf == "" {
		conf.Paths.BrokerConf = filepath.Join(t.TempDir(), strings.ReplaceAll(t.Name(), "/", "_")+".conf")
	}
	if _, err := os.Stat(conf.Paths.BrokerConf); err != nil {
		GenerateBrokerConfig(t, conf.Paths.BrokerConf, providerURL)
	}

	d, err := yaml.Marshal(conf)
	require.NoError(t, err, "Setup: could not marshal configuration for tests")

	confPath := filepath.Join(t.TempDir(), "testconfig.yaml")
	err = os.WriteFile(confPath, d, 0600)
	require.NoError(t, err, "Setup: could not create configuration for tests")

	return confPath
}

// GenerateBrokerConfig writes a broker configuration with a single generic provider at p.
func GenerateBrokerConfig(t *testing.T, p, providerURL string) {
	t.Helper()

	err := os.MkdirAll(filepath.Dir(p), 0700)
	require.NoError(t, err, "Setup: could not create broker configuration directory for tests")

	brokerCfg := fmt.Sprintf(`
[broker]
providers = test

[provider.test]
type = generic
authority = %s
client_id = client_id
`, providerURL)
	err = os.WriteFile(p, []byte(brokerCfg), 0600)
	require.NoError(t, err, "Setup: could not create broker configuration for tests")
}

// Config returns a DaemonConfig for tests.
//
//nolint:revive // DaemonConfig is a type alias for tests
func (a App) Config() DaemonConfig {
	return a.config
}

// SetArgs set some arguments on root command for tests.
func (a *App) SetArgs(args ...string) {
	a.rootCmd.SetArgs(args)
}
