package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ripperdev/flamingo/reactor"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatserver.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("file values override defaults", func(t *testing.T) {
		path := writeConfig(t, `# chat server
listenip=127.0.0.1
listenport=21000
dbserver=10.0.0.2:3306
dbuser=flamingo
dbpassword=secret
dbname=flamingo
workerthreads=2
poller=poll
heartbeatcheck=true
cachebackend=redis
redisaddr=10.0.0.3:6379
`)

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:21000", cfg.ListenAddr())
		assert.True(t, cfg.UseDatabase())
		assert.Equal(t, "flamingo:secret@tcp(10.0.0.2:3306)/flamingo?charset=utf8mb4&parseTime=True&loc=Local", cfg.Mysql().DSN())
		assert.Equal(t, 2, cfg.WorkerThreads)
		assert.Equal(t, reactor.PollerPoll, cfg.PollerKind())
		assert.True(t, cfg.HeartbeatCheck)
		assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval())
		assert.Equal(t, 30*time.Second, cfg.MaxNoPackageInterval())
		assert.Equal(t, "redis", cfg.CacheBackend)
		assert.Equal(t, "0.0.0.0:8888", cfg.MonitorAddr())
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.conf"))
		assert.Error(t, err)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		for _, content := range []string{
			"listenport=70000\n",
			"workerthreads=-1\n",
			"poller=kqueue\n",
			"loglevel=loud\n",
			"cachebackend=memcached\n",
			"heartbeatcheck=true\nheartbeatintervalsec=0\n",
		} {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err, content)
		}
	})
}

func TestDefault(t *testing.T) {
	t.Run("defaults are valid and use memory backends", func(t *testing.T) {
		cfg := Default()
		require.NoError(t, cfg.Validate())
		assert.False(t, cfg.UseDatabase())
		assert.False(t, cfg.HeartbeatCheck)
		assert.Equal(t, time.Millisecond, cfg.PollTimeout())
		assert.Equal(t, 5*time.Minute, cfg.FriendListTTL())
	})

	t.Run("zero monitor port disables metrics endpoint", func(t *testing.T) {
		cfg := Default()
		cfg.MonitorListenPort = 0
		assert.Equal(t, "", cfg.MonitorAddr())
	})
}
