// Package config loads the chat server configuration from an ini file of
// key=value lines in the default section.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-ini/ini"

	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/reactor"
	"github.com/ripperdev/flamingo/store"
)

// DefaultConfigFile is read when no path is given on the command line.
const DefaultConfigFile = "etc/chatserver.conf"

// Config is the chat server configuration.
type Config struct {
	ListenIP   string `ini:"listenip"`
	ListenPort int    `ini:"listenport"`

	DBServer   string `ini:"dbserver"`
	DBUser     string `ini:"dbuser"`
	DBPassword string `ini:"dbpassword"`
	DBName     string `ini:"dbname"`

	MonitorListenIP   string `ini:"monitorlistenip"`
	MonitorListenPort int    `ini:"monitorlistenport"`

	WorkerThreads int    `ini:"workerthreads"`
	Poller        string `ini:"poller"`
	PollTimeoutMs int    `ini:"polltimeoutms"`
	HighWaterMark int    `ini:"highwatermark"`

	HeartbeatCheck          bool `ini:"heartbeatcheck"`
	HeartbeatIntervalSec    int  `ini:"heartbeatintervalsec"`
	MaxNoPackageIntervalSec int  `ini:"maxnopackageintervalsec"`
	LogPackageBinary        bool `ini:"logpackagebinary"`

	LogLevel string `ini:"loglevel"`
	LogDir   string `ini:"logdir"`

	CacheBackend     string `ini:"cachebackend"`
	RedisAddr        string `ini:"redisaddr"`
	RedisPassword    string `ini:"redispassword"`
	RedisDB          int    `ini:"redisdb"`
	FriendListTTLSec int    `ini:"friendlistttlsec"`
}

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	return Config{
		ListenIP:                "0.0.0.0",
		ListenPort:              20000,
		MonitorListenIP:         "0.0.0.0",
		MonitorListenPort:       8888,
		WorkerThreads:           6,
		Poller:                  "epoll",
		PollTimeoutMs:           1,
		HighWaterMark:           64 * 1024 * 1024,
		HeartbeatIntervalSec:    15,
		MaxNoPackageIntervalSec: 30,
		LogLevel:                "info",
		CacheBackend:            "memory",
		RedisAddr:               "127.0.0.1:6379",
		FriendListTTLSec:        300,
	}
}

// Load reads path over the defaults and validates the result.
//
// Parameters:
//   - path: The ini file to read
//
// Returns:
//   - The loaded configuration
//   - An error if the file cannot be read or parsed, or a value is invalid
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}

	if err := f.Section(ini.DefaultSection).MapTo(&cfg); err != nil {
		return cfg, fmt.Errorf("map config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate reports the first invalid value.
func (c Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listenport %d out of range", c.ListenPort)
	}

	if c.MonitorListenPort < 0 || c.MonitorListenPort > 65535 {
		return fmt.Errorf("monitorlistenport %d out of range", c.MonitorListenPort)
	}

	if c.WorkerThreads < 0 {
		return fmt.Errorf("workerthreads %d is negative", c.WorkerThreads)
	}

	if _, err := reactor.ParsePollerKind(c.Poller); err != nil {
		return err
	}

	if c.PollTimeoutMs < 0 {
		return fmt.Errorf("polltimeoutms %d is negative", c.PollTimeoutMs)
	}

	if c.HighWaterMark < 0 {
		return fmt.Errorf("highwatermark %d is negative", c.HighWaterMark)
	}

	if c.HeartbeatCheck && (c.HeartbeatIntervalSec <= 0 || c.MaxNoPackageIntervalSec <= 0) {
		return errors.New("heartbeat intervals must be positive when heartbeatcheck is on")
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.CacheBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("cachebackend redis needs redisaddr")
		}
	default:
		return fmt.Errorf("unknown cachebackend %q", c.CacheBackend)
	}

	return nil
}

// UseDatabase reports whether a MySQL server is configured.
func (c Config) UseDatabase() bool {
	return c.DBServer != ""
}

// Mysql returns the store settings.
func (c Config) Mysql() store.MysqlConfig {
	return store.MysqlConfig{
		Server:   c.DBServer,
		User:     c.DBUser,
		Password: c.DBPassword,
		Database: c.DBName,
	}
}

// ListenAddr returns listenip:listenport.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenIP, c.ListenPort)
}

// MonitorAddr returns monitorlistenip:monitorlistenport, or "" when the
// metrics endpoint is disabled.
func (c Config) MonitorAddr() string {
	if c.MonitorListenPort == 0 {
		return ""
	}

	return fmt.Sprintf("%s:%d", c.MonitorListenIP, c.MonitorListenPort)
}

// PollerKind returns the configured poller backend.
func (c Config) PollerKind() reactor.PollerKind {
	kind, _ := reactor.ParsePollerKind(c.Poller)
	return kind
}

// PollTimeout returns the poll timeout as a duration.
func (c Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat check period.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// MaxNoPackageInterval returns the idle time after which a session is closed.
func (c Config) MaxNoPackageInterval() time.Duration {
	return time.Duration(c.MaxNoPackageIntervalSec) * time.Second
}

// FriendListTTL returns how long a rendered friend list stays cached.
func (c Config) FriendListTTL() time.Duration {
	return time.Duration(c.FriendListTTLSec) * time.Second
}
