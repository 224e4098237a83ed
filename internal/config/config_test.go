package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opaque/secureknn/pkg/transform"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, transform.DefaultParams(), cfg.Scheme)
	assert.Equal(t, 60*time.Second, cfg.Provider.CacheTTL)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
provider:
  http_addr: ":9000"
  cache_ttl: 5s
  data_dir: /var/lib/secureknn
scheme:
  padding: 4
  query_noise: true
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Provider.HTTPAddr)
	assert.Equal(t, 5*time.Second, cfg.Provider.CacheTTL)
	assert.Equal(t, ":5050", cfg.Provider.GRPCAddr, "unset fields keep defaults")
	assert.Equal(t, 4, cfg.Scheme.Padding)
	assert.True(t, cfg.Scheme.QueryNoise)
	assert.Equal(t, transform.DefaultParams().Epsilon, cfg.Scheme.Epsilon)
	assert.Equal(t, "/var/lib/secureknn/queries", cfg.Provider.QueryLogDir())
	assert.Equal(t, "/var/lib/secureknn/database.snap", cfg.Provider.SnapshotPath())

	log, err := cfg.Log.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "provider: [not, a, map]"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "scheme:\n  sample_space: 1\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "provider:\n  tls_cert: cert.pem\n"))
	require.Error(t, err)

	_, err = LogConfig{Level: "loud"}.NewLogger()
	require.Error(t, err)
	_, err = LogConfig{Level: "info", Format: "xml"}.NewLogger()
	require.Error(t, err)
}

func TestInMemoryPaths(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Provider.QueryLogDir())
	assert.Empty(t, cfg.Provider.SnapshotPath())
}
