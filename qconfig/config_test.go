package qconfig

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kardianos/qtrust"
	"github.com/kardianos/qtrust/qstore"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("ca_store:\n  path: /etc/qtrust/cacerts\n"))
	require.NoError(t, err)

	assert.Equal(t, "/etc/qtrust/cacerts", cfg.CAStore.Path)
	assert.Equal(t, "JKS", cfg.CAStore.Type)
	assert.Equal(t, "TLS", cfg.Protocol)
	assert.Equal(t, "changeit", cfg.DefaultPassword)
	assert.True(t, cfg.TryDefaultPassword)
	assert.Zero(t, cfg.DecisionTimeout)

	p := cfg.Params()
	assert.Nil(t, p.CAPassword)
	assert.Empty(t, p.ClientStorePath)

	o := cfg.Options(logr.Discard())
	assert.False(t, o.DisableDefaultPassword)
	assert.Equal(t, []byte("changeit"), o.DefaultPassword)
}

func TestParseFull(t *testing.T) {
	t.Setenv("QTRUST_TEST_HOME", "/home/op")
	t.Setenv("QTRUST_TEST_CA_PW", "from-env")

	cfg, err := Parse([]byte(`
ca_store:
  path: $QTRUST_TEST_HOME/.qtrust/cacerts
  type: bolt
  password: ignored
  password_env: QTRUST_TEST_CA_PW
client_store:
  path: ${QTRUST_TEST_HOME}/client.p12
  type: PKCS12
  password: client-secret
protocol: TLSv1.2
enabled_protocols: [TLSv1.2, TLSv1.3]
skip_import: true
skip_hostname_verification: true
strict_unknown_issuer: true
try_default_password: false
decision_timeout: 90s
alpn: [qtrust]
logging:
  verbosity: 2
`))
	require.NoError(t, err)

	assert.Equal(t, "/home/op/.qtrust/cacerts", cfg.CAStore.Path)
	assert.Equal(t, "/home/op/client.p12", cfg.ClientStore.Path)
	assert.Equal(t, 90*time.Second, cfg.DecisionTimeout)

	p := cfg.Params()
	assert.Equal(t, []byte("from-env"), p.CAPassword)
	assert.Equal(t, []byte("client-secret"), p.ClientPassword)
	assert.Equal(t, "bolt", p.CAStoreType)

	o := cfg.Options(logr.Discard())
	assert.Equal(t, "TLSv1.2", o.Protocol)
	assert.Equal(t, []string{"TLSv1.2", "TLSv1.3"}, o.EnabledProtocols)
	assert.True(t, o.SkipImport)
	assert.True(t, o.SkipHostnameVerification)
	assert.True(t, o.StrictUnknownIssuer)
	assert.True(t, o.DisableDefaultPassword)
	assert.Equal(t, []string{"qtrust"}, o.ALPN)
}

func TestPasswordEnvUnset(t *testing.T) {
	cfg, err := Parse([]byte("ca_store:\n  path: x\n  password_env: QTRUST_TEST_UNSET_VARIABLE\n"))
	require.NoError(t, err)
	assert.Nil(t, cfg.Params().CAPassword)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"no stores", "protocol: TLS\n", qtrust.ErrNoStore},
		{"unknown type", "ca_store:\n  path: x\n  type: PEM\n", qstore.ErrUnknownFormat},
		{"negative timeout", "ca_store:\n  path: x\ndecision_timeout: -1s\n", ErrInvalid},
		{"bad yaml", "ca_store: [\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qtrust.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client_store:\n  path: client.jks\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "client.jks", cfg.ClientStore.Path)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LoggingConfig{Verbosity: 1}, &buf)
	log.Info("hello", "server", "example.com")
	log.V(1).Info("detail")
	log.V(2).Info("hidden")

	out := buf.String()
	assert.Contains(t, out, `"msg"="hello"`)
	assert.Contains(t, out, `"server"="example.com"`)
	assert.Contains(t, out, "detail")
	assert.NotContains(t, out, "hidden")
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, "qtrust.yaml", filepath.Base(DefaultPath()))

	t.Setenv(EnvConfigPath, "/tmp/custom.yaml")
	assert.Equal(t, "/tmp/custom.yaml", DefaultPath())
}
