// Command chatserver runs the IM server: a reactor main loop accepting chat
// connections, a pool of worker loops and an optional metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ripperdev/flamingo/cacher"
	"github.com/ripperdev/flamingo/chat"
	"github.com/ripperdev/flamingo/config"
	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/metrics"
	"github.com/ripperdev/flamingo/msgcache"
	"github.com/ripperdev/flamingo/reactor"
	"github.com/ripperdev/flamingo/sockets"
	"github.com/ripperdev/flamingo/store"
	"github.com/ripperdev/flamingo/tcpserver"
)

const serviceName = "chatserver"

var configFile = flag.String("c", config.DefaultConfigFile, "config file path")

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatserver:", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if cfg.LogDir == "" {
		return logger.NewConsoleLogger(serviceName, level), nil
	}

	return logger.NewZerologFileLogger(serviceName, cfg.LogDir, level)
}

func openStore(cfg config.Config, log logger.Logger) (store.Store, error) {
	if !cfg.UseDatabase() {
		log.Warn("no dbserver configured, using in-memory store")
		return store.NewMemoryStore(), nil
	}

	return store.NewMysqlStore(cfg.Mysql(), log)
}

func newFriendListCache(cfg config.Config, log logger.Logger) (cacher.Cacher[[]chat.FriendTeam], func() error) {
	if cfg.CacheBackend != "redis" {
		return cacher.NewMemoryCacher[[]chat.FriendTeam](cfg.FriendListTTL(), time.Minute), func() error { return nil }
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	log.Info("friend lists cached in redis", logger.Field{Key: "addr", Value: cfg.RedisAddr})
	return cacher.NewRedisCacher[[]chat.FriendTeam](client, serviceName), client.Close
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	// Writes to a peer that went away must surface as EPIPE.
	signal.Ignore(syscall.SIGPIPE)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	users := store.NewUserManager(st, log)
	if err := users.Load(ctx); err != nil {
		return fmt.Errorf("load users: %w", err)
	}

	friendLists, closeCache := newFriendListCache(cfg, log)
	defer closeCache()

	m := metrics.NewMetrics(serviceName)

	listenAddr, err := sockets.ParseInetAddress(cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen address: %w", err)
	}

	loop, err := reactor.NewEventLoop(reactor.Config{
		Name:        "main",
		Logger:      log,
		Poller:      cfg.PollerKind(),
		PollTimeout: cfg.PollTimeout(),
	})
	if err != nil {
		return err
	}

	server := chat.NewChatServer(chat.Options{
		Users:                users,
		MsgCache:             msgcache.New(log, m),
		FriendLists:          friendLists,
		FriendListTTL:        cfg.FriendListTTL(),
		Logger:               log,
		Metrics:              m,
		LogPackageBinary:     cfg.LogPackageBinary,
		HeartbeatCheck:       cfg.HeartbeatCheck,
		HeartbeatInterval:    cfg.HeartbeatInterval(),
		MaxNoPackageInterval: cfg.MaxNoPackageInterval(),
	})

	err = server.Init(loop, tcpserver.Config{
		Name:       serviceName,
		ListenAddr: listenAddr,
		NumThreads: cfg.WorkerThreads,
		WorkerLoop: reactor.Config{
			Logger:      log,
			Poller:      cfg.PollerKind(),
			PollTimeout: cfg.PollTimeout(),
		},
		HighWaterMark: cfg.HighWaterMark,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if addr := cfg.MonitorAddr(); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.Info("metrics listening", logger.Field{Key: "addr", Value: addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}

			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// The server is stopped before the loop quits so every connection is
	// destroyed on its own loop.
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		server.Uninit()
		loop.Quit()
		return nil
	})

	log.Info("chatserver started",
		logger.Field{Key: "addr", Value: server.Addr()},
		logger.Field{Key: "workers", Value: cfg.WorkerThreads},
		logger.Field{Key: "users", Value: users.NumUsers()})

	loop.Loop()

	if err := loop.Close(); err != nil {
		log.Warn("close main loop", logger.Field{Key: "error", Value: err.Error()})
	}

	return g.Wait()
}
