package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", c.HTTP.Bind)
	assert.Equal(t, 8080, c.HTTP.Port)
	assert.Equal(t, "info", c.Logging.Level)
	assert.Equal(t, "fake", c.Engine.Driver)
	assert.Equal(t, "granted", c.Permissions.Policy)
	assert.Equal(t, "rtc", c.NATS.Prefix)
	assert.Equal(t, 5*time.Second, c.NATS.Timeout)
	assert.False(t, c.Dispatch.Lenient)
}

func TestParseFull(t *testing.T) {
	c, err := Parse([]byte(`
http:
  bind: 127.0.0.1
  port: 9000
logging:
  level: debug
  json: true
engine:
  driver: native
  library_path: /opt/rtc/librtc_engine_shim.so
  fake:
    join_delay: 10ms
    stats_interval: 1s
    remote_users: [1001, 1002]
dispatch:
  lenient: true
permissions:
  policy: denied
nats:
  enabled: true
  url: nats://127.0.0.1:4222
  prefix: room
`))
	require.NoError(t, err)
	assert.Equal(t, 9000, c.HTTP.Port)
	assert.True(t, c.Logging.JSON)
	assert.Equal(t, "native", c.Engine.Driver)
	assert.Equal(t, "/opt/rtc/librtc_engine_shim.so", c.Engine.LibraryPath)
	assert.Equal(t, 10*time.Millisecond, c.Engine.Fake.JoinDelay)
	assert.Equal(t, []uint32{1001, 1002}, c.Engine.Fake.RemoteUsers)
	assert.True(t, c.Dispatch.Lenient)
	assert.Equal(t, "denied", c.Permissions.Policy)
	assert.Equal(t, "room", c.NATS.Prefix)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse([]byte("http: [1, 2"))
	assert.Error(t, err)

	_, err = Parse([]byte("nats: {enabled: true}\nhttp: {tls: {enabled: true}}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats.url")
	assert.Contains(t, err.Error(), "http.tls")
}

func TestLoadAndPath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("http: {port: 7070}"), 0o600))

	t.Setenv(PathEnv, p)
	assert.Equal(t, p, Path())

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 7070, c.HTTP.Port)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
